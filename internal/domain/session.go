package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionState is a step of the channel lifecycle.
type SessionState string

const (
	StateDisconnected     SessionState = "Disconnected"
	StateConnecting       SessionState = "Connecting"
	StateAuthenticating   SessionState = "Authenticating"
	StateAuthChallenged   SessionState = "AuthChallenged"
	StateAuthenticated    SessionState = "Authenticated"
	StateChannelCreating  SessionState = "ChannelCreating"
	StateChannelSubmitted SessionState = "ChannelSubmitted"
	StateChannelFunding   SessionState = "ChannelFunding"
	StateFundingSubmitted SessionState = "FundingSubmitted"
	StateActive           SessionState = "Active"
	StateClosing          SessionState = "Closing"
	StateClosed           SessionState = "Closed"
	StateFailed           SessionState = "Failed"
)

// Terminal reports whether no further transition is possible without a
// fresh open.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Session is a point-in-time view of the session state machine.
type Session struct {
	State       SessionState    `json:"state"`
	Wallet      string          `json:"wallet,omitempty"`
	ChannelID   string          `json:"channel_id,omitempty"`
	SessionKey  string          `json:"session_key,omitempty"`
	Deposit     decimal.Decimal `json:"deposit"`
	FailReason  ErrorKind       `json:"fail_reason,omitempty"`
	FailMessage string          `json:"fail_message,omitempty"`
	OpenedAt    *time.Time      `json:"opened_at,omitempty"`
}

// SessionStatus is the persisted status of a session attempt.
type SessionStatus string

const (
	SessionStatusOpening      SessionStatus = "opening"
	SessionStatusActive       SessionStatus = "active"
	SessionStatusClosed       SessionStatus = "closed"
	SessionStatusFailed       SessionStatus = "failed"
	SessionStatusClosePending SessionStatus = "close_pending"
)

// SessionRecord is the durable history row of one session attempt.
type SessionRecord struct {
	ID            string
	Wallet        string
	ChannelID     string
	Deposit       decimal.Decimal
	Status        SessionStatus
	FailReason    ErrorKind
	FailMessage   string
	FinalBalance  decimal.Decimal
	TotalWinnings decimal.Decimal
	TotalLosses   decimal.Decimal
	CloseTxHash   string
	ReportPath    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      *time.Time
}

// CloseResult is returned by a successful session close.
type CloseResult struct {
	ChannelID    string     `json:"channel_id"`
	TxHash       string     `json:"tx_hash"`
	Settlement   Settlement `json:"settlement"`
	FinalBalance Balance    `json:"final_balance"`
}
