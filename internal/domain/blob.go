package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo is one object returned by a listing. Path is relative to the
// store prefix.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads objects. PutMultipart is for bodies of unknown length.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader reads objects. Get returns ErrNotFound for a missing path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// SettlementReport is the archived summary of a closed session.
type SettlementReport struct {
	SessionID    string     `json:"session_id"`
	Wallet       string     `json:"wallet"`
	ChannelID    string     `json:"channel_id"`
	TxHash       string     `json:"tx_hash,omitempty"`
	Deposit      string     `json:"deposit"`
	Settlement   Settlement `json:"settlement"`
	FinalBalance Balance    `json:"final_balance"`
	Bets         []Bet      `json:"bets"`
	ClosedAt     time.Time  `json:"closed_at"`
}

// Archiver moves session results to cold storage.
type Archiver interface {
	ArchiveSettlement(ctx context.Context, report SettlementReport) (string, error)
}
