package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// InstantSubmitter confirms every op without touching a chain. It backs the
// demo mode and tests.
type InstantSubmitter struct {
	delay  time.Duration
	logger *slog.Logger

	mu  sync.Mutex
	seq uint64
	ops []Op
}

// NewInstantSubmitter creates an InstantSubmitter that confirms after delay.
func NewInstantSubmitter(delay time.Duration, logger *slog.Logger) *InstantSubmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstantSubmitter{delay: delay, logger: logger.With(slog.String("component", "chain"))}
}

// Submit records op and returns a synthetic transaction hash.
func (s *InstantSubmitter) Submit(ctx context.Context, op Op) (TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return TxHandle{}, fmt.Errorf("chain: %s: %w: %v", op.Kind, domain.ErrTimeout, err)
	}
	raw, err := json.Marshal(op)
	if err != nil {
		return TxHandle{}, fmt.Errorf("chain: encode %s: %w: %v", op.Kind, domain.ErrChainSubmissionFailed, err)
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.ops = append(s.ops, op)
	s.mu.Unlock()

	hash := ethcrypto.Keccak256Hash(raw, []byte(fmt.Sprint(seq))).Hex()
	s.logger.InfoContext(ctx, "chain: instant submit",
		slog.String("op", string(op.Kind)),
		slog.String("channel_id", op.ChannelID),
		slog.String("tx", hash),
	)
	return TxHandle{Kind: op.Kind, Hash: hash}, nil
}

// WaitForConfirmation waits for the configured delay.
func (s *InstantSubmitter) WaitForConfirmation(ctx context.Context, tx TxHandle) error {
	if s.delay <= 0 {
		return nil
	}
	t := time.NewTimer(s.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("chain: waiting for %s tx %s: %w: %v", tx.Kind, tx.Hash, domain.ErrTimeout, ctx.Err())
	case <-t.C:
		return nil
	}
}

// Ops returns every op submitted so far.
func (s *InstantSubmitter) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}
