package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/crypto"
	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testCustody = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testChannel = "0x8f3c2a6b1d4e5f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8"
)

type fakeBackend struct {
	mu          sync.Mutex
	sent        []*types.Transaction
	sendErr     error
	estimateErr error
	pendingFor  int
	status      uint64
	polls       int
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }
func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(2_000_000_000)}, nil
}
func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 210_000, nil
}
func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls <= f.pendingFor {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status, BlockNumber: big.NewInt(100), GasUsed: 21000}, nil
}

func testOp(kind OpKind) Op {
	return Op{
		Kind:      kind,
		ChannelID: testChannel,
		State: State{
			Intent:  1,
			Version: 2,
			Data:    "0x",
			Allocations: []Allocation{
				{Destination: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", Token: "0x0000000000000000000000000000000000000002", Amount: "1000000"},
			},
		},
		ServerSignature: "0x" + strings.Repeat("ab", 65),
	}
}

func newTestSubmitter(t *testing.T, b Backend) *RPCSubmitter {
	t.Helper()
	signer, err := crypto.NewWalletSigner(testKey)
	require.NoError(t, err)
	s, err := NewRPCSubmitter(b, RPCConfig{ChainID: 31337, Custody: testCustody, PollInterval: 5 * time.Millisecond}, signer, nil)
	require.NoError(t, err)
	return s
}

func TestRPCSubmitter_SubmitPacksAndSigns(t *testing.T) {
	b := &fakeBackend{status: types.ReceiptStatusSuccessful}
	s := newTestSubmitter(t, b)

	for _, kind := range []OpKind{OpCreate, OpResize, OpClose} {
		h, err := s.Submit(context.Background(), testOp(kind))
		require.NoError(t, err)
		assert.Equal(t, kind, h.Kind)
		assert.True(t, strings.HasPrefix(h.Hash, "0x"))
	}
	require.Len(t, b.sent, 3)

	parsed, err := abi.JSON(strings.NewReader(custodyABI))
	require.NoError(t, err)

	for i, name := range []string{"create", "resize", "close"} {
		tx := b.sent[i]
		assert.Equal(t, common.HexToAddress(testCustody), *tx.To())
		assert.Equal(t, uint64(7), tx.Nonce())
		assert.Equal(t, uint64(210_000), tx.Gas())
		assert.Equal(t, big.NewInt(5_000_000_000), tx.GasFeeCap())

		method, err := parsed.MethodById(tx.Data()[:4])
		require.NoError(t, err)
		assert.Equal(t, name, method.Name)

		from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
		require.NoError(t, err)
		assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", from.Hex())
	}

	args, err := parsed.Methods["resize"].Inputs.Unpack(b.sent[1].Data()[4:])
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.Equal(t, [32]byte(common.HexToHash(testChannel)), args[0])
}

func TestRPCSubmitter_EstimateFailureUsesGasLimit(t *testing.T) {
	b := &fakeBackend{estimateErr: errors.New("execution reverted")}
	s := newTestSubmitter(t, b)

	_, err := s.Submit(context.Background(), testOp(OpCreate))
	require.NoError(t, err)
	assert.Equal(t, uint64(defaultGasLimit), b.sent[0].Gas())
}

func TestRPCSubmitter_SubmitFailures(t *testing.T) {
	s := newTestSubmitter(t, &fakeBackend{sendErr: errors.New("insufficient funds for gas")})
	_, err := s.Submit(context.Background(), testOp(OpCreate))
	assert.ErrorIs(t, err, domain.ErrChainSubmissionFailed)

	bad := testOp(OpCreate)
	bad.State.Allocations[0].Amount = "-1"
	_, err = newTestSubmitter(t, &fakeBackend{}).Submit(context.Background(), bad)
	assert.ErrorIs(t, err, domain.ErrChainSubmissionFailed)

	_, err = newTestSubmitter(t, &fakeBackend{}).Submit(context.Background(), Op{Kind: "transfer"})
	assert.ErrorIs(t, err, domain.ErrChainSubmissionFailed)
}

func TestRPCSubmitter_WaitForConfirmation(t *testing.T) {
	b := &fakeBackend{pendingFor: 2, status: types.ReceiptStatusSuccessful}
	s := newTestSubmitter(t, b)
	require.NoError(t, s.WaitForConfirmation(context.Background(), TxHandle{Kind: OpCreate, Hash: "0x01"}))
	assert.Equal(t, 3, b.polls)

	reverted := newTestSubmitter(t, &fakeBackend{status: types.ReceiptStatusFailed})
	err := reverted.WaitForConfirmation(context.Background(), TxHandle{Kind: OpResize, Hash: "0x02"})
	assert.ErrorIs(t, err, domain.ErrChainSubmissionFailed)

	never := newTestSubmitter(t, &fakeBackend{pendingFor: 1 << 30})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = never.WaitForConfirmation(ctx, TxHandle{Kind: OpClose, Hash: "0x03"})
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestNewRPCSubmitter_RejectsBadCustody(t *testing.T) {
	_, err := NewRPCSubmitter(&fakeBackend{}, RPCConfig{Custody: "nope"}, nil, nil)
	assert.Error(t, err)
}

func TestInstantSubmitter(t *testing.T) {
	s := NewInstantSubmitter(0, nil)
	a, err := s.Submit(context.Background(), testOp(OpCreate))
	require.NoError(t, err)
	b, err := s.Submit(context.Background(), testOp(OpCreate))
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, b.Hash)
	require.NoError(t, s.WaitForConfirmation(context.Background(), a))
	assert.Len(t, s.Ops(), 2)

	slow := NewInstantSubmitter(time.Hour, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, slow.WaitForConfirmation(ctx, a), domain.ErrTimeout)
}
