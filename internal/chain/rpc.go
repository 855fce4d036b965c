package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// custodyABI covers the three calls the client makes on the custody
// contract.
const custodyABI = `[
  {"type":"function","name":"create","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"state","type":"tuple","components":[
      {"name":"intent","type":"uint8"},{"name":"version","type":"uint256"},{"name":"data","type":"bytes"},
      {"name":"allocations","type":"tuple[]","components":[
        {"name":"destination","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]}]},
    {"name":"serverSignature","type":"bytes"}]},
  {"type":"function","name":"resize","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"channelId","type":"bytes32"},
    {"name":"state","type":"tuple","components":[
      {"name":"intent","type":"uint8"},{"name":"version","type":"uint256"},{"name":"data","type":"bytes"},
      {"name":"allocations","type":"tuple[]","components":[
        {"name":"destination","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]}]},
    {"name":"serverSignature","type":"bytes"}]},
  {"type":"function","name":"close","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"channelId","type":"bytes32"},
    {"name":"state","type":"tuple","components":[
      {"name":"intent","type":"uint8"},{"name":"version","type":"uint256"},{"name":"data","type":"bytes"},
      {"name":"allocations","type":"tuple[]","components":[
        {"name":"destination","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}]}]},
    {"name":"serverSignature","type":"bytes"}]}
]`

const (
	// DefaultPollInterval is how often a pending receipt is polled.
	DefaultPollInterval = 2 * time.Second

	defaultGasLimit = 500_000
)

// Backend is the subset of ethclient.Client the submitter uses.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxSigner signs transactions as the wallet.
type TxSigner interface {
	Address() string
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// RPCConfig configures an RPCSubmitter.
type RPCConfig struct {
	URL          string
	ChainID      int64
	Custody      string
	GasLimit     uint64
	PollInterval time.Duration
}

// RPCSubmitter submits states to the custody contract over JSON-RPC.
type RPCSubmitter struct {
	backend  Backend
	signer   TxSigner
	custody  common.Address
	chainID  *big.Int
	gasLimit uint64
	poll     time.Duration
	abi      abi.ABI
	logger   *slog.Logger
}

// DialRPC connects to cfg.URL and returns a submitter plus a close func.
func DialRPC(ctx context.Context, cfg RPCConfig, signer TxSigner, logger *slog.Logger) (*RPCSubmitter, func(), error) {
	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: dial %s: %w", cfg.URL, err)
	}
	s, err := NewRPCSubmitter(client, cfg, signer, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return s, client.Close, nil
}

// NewRPCSubmitter creates a submitter on top of backend.
func NewRPCSubmitter(backend Backend, cfg RPCConfig, signer TxSigner, logger *slog.Logger) (*RPCSubmitter, error) {
	if !common.IsHexAddress(cfg.Custody) {
		return nil, fmt.Errorf("chain: invalid custody address %q", cfg.Custody)
	}
	parsed, err := abi.JSON(strings.NewReader(custodyABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse custody abi: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	gas := cfg.GasLimit
	if gas == 0 {
		gas = defaultGasLimit
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &RPCSubmitter{
		backend:  backend,
		signer:   signer,
		custody:  common.HexToAddress(cfg.Custody),
		chainID:  big.NewInt(cfg.ChainID),
		gasLimit: gas,
		poll:     poll,
		abi:      parsed,
		logger:   logger.With(slog.String("component", "chain")),
	}, nil
}

// Submit packs op into a custody call, signs it with the wallet and sends it.
func (s *RPCSubmitter) Submit(ctx context.Context, op Op) (TxHandle, error) {
	data, err := s.pack(op)
	if err != nil {
		return TxHandle{}, err
	}

	from := common.HexToAddress(s.signer.Address())
	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return TxHandle{}, s.fail(ctx, op, "nonce", err)
	}
	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return TxHandle{}, s.fail(ctx, op, "gas tip", err)
	}
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return TxHandle{}, s.fail(ctx, op, "head", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &s.custody, Data: data})
	if err != nil {
		s.logger.WarnContext(ctx, "chain: gas estimate failed, using configured limit",
			slog.String("op", string(op.Kind)),
			slog.String("error", err.Error()),
		)
		gas = s.gasLimit
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &s.custody,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := s.signer.SignTx(tx, s.chainID)
	if err != nil {
		return TxHandle{}, s.fail(ctx, op, "sign", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return TxHandle{}, s.fail(ctx, op, "send", err)
	}

	h := TxHandle{Kind: op.Kind, Hash: signed.Hash().Hex()}
	s.logger.InfoContext(ctx, "chain: transaction sent",
		slog.String("op", string(op.Kind)),
		slog.String("channel_id", op.ChannelID),
		slog.String("tx", h.Hash),
		slog.Uint64("nonce", nonce),
	)
	return h, nil
}

// WaitForConfirmation polls for the receipt of tx until it is mined or ctx
// ends. A reverted transaction is a submission failure.
func (s *RPCSubmitter) WaitForConfirmation(ctx context.Context, tx TxHandle) error {
	hash := common.HexToHash(tx.Hash)
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("chain: %s tx %s reverted in block %s: %w",
					tx.Kind, tx.Hash, receipt.BlockNumber, domain.ErrChainSubmissionFailed)
			}
			s.logger.InfoContext(ctx, "chain: transaction confirmed",
				slog.String("op", string(tx.Kind)),
				slog.String("tx", tx.Hash),
				slog.Uint64("gas_used", receipt.GasUsed),
			)
			return nil
		case errors.Is(err, ethereum.NotFound):
		case ctx.Err() == nil:
			s.logger.WarnContext(ctx, "chain: receipt lookup failed",
				slog.String("tx", tx.Hash),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("chain: waiting for %s tx %s: %w: %v", tx.Kind, tx.Hash, domain.ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *RPCSubmitter) pack(op Op) ([]byte, error) {
	state, err := toABIState(op.State)
	if err != nil {
		return nil, err
	}
	sig := common.FromHex(op.ServerSignature)

	var data []byte
	switch op.Kind {
	case OpCreate:
		data, err = s.abi.Pack("create", state, sig)
	case OpResize, OpClose:
		data, err = s.abi.Pack(string(op.Kind), [32]byte(common.HexToHash(op.ChannelID)), state, sig)
	default:
		return nil, fmt.Errorf("chain: unknown op %q: %w", op.Kind, domain.ErrChainSubmissionFailed)
	}
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w: %v", op.Kind, domain.ErrChainSubmissionFailed, err)
	}
	return data, nil
}

func (s *RPCSubmitter) fail(ctx context.Context, op Op, step string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("chain: %s %s: %w: %v", op.Kind, step, domain.ErrTimeout, err)
	}
	return fmt.Errorf("chain: %s %s: %w: %v", op.Kind, step, domain.ErrChainSubmissionFailed, err)
}
