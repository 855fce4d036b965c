package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")
	ErrRateLimited   = errors.New("rate limited")

	// Protocol and session failures. These are terminal for the session.
	ErrTimeout               = errors.New("deadline exceeded")
	ErrAuthRejected          = errors.New("authentication rejected")
	ErrChainSubmissionFailed = errors.New("chain submission failed")
	ErrConnectionLost        = errors.New("connection lost")
	ErrProtocol              = errors.New("protocol error")
	ErrSessionActive         = errors.New("session already open")
	ErrNoSession             = errors.New("no active session")
	ErrInvalidDeposit        = errors.New("invalid deposit amount")

	// Ledger failures. These are local and the caller may retry.
	ErrMarketNotFound      = errors.New("market not found")
	ErrMarketNotLive       = errors.New("market is not live")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnsettledBets       = errors.New("unsettled bets outstanding")
)

// ErrorKind is the user-visible taxonomy of a failure.
type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindTimeout               ErrorKind = "Timeout"
	KindAuthRejected          ErrorKind = "AuthRejected"
	KindChainSubmissionFailed ErrorKind = "ChainSubmissionFailed"
	KindMarketNotFound        ErrorKind = "MarketNotFound"
	KindMarketNotLive         ErrorKind = "MarketNotLive"
	KindInvalidAmount         ErrorKind = "InvalidAmount"
	KindInsufficientBalance   ErrorKind = "InsufficientBalance"
	KindConnectionLost        ErrorKind = "ConnectionLost"
	KindProtocolError         ErrorKind = "ProtocolError"
	KindSessionActive         ErrorKind = "SessionActive"
	KindNoSession             ErrorKind = "NoSession"
	KindInvalidDeposit        ErrorKind = "InvalidDeposit"
	KindNotFound              ErrorKind = "NotFound"
	KindUnsettledBets         ErrorKind = "UnsettledBets"
	KindLockHeld              ErrorKind = "LockHeld"
	KindRateLimited           ErrorKind = "RateLimited"
	KindInternal              ErrorKind = "Internal"
)

// kindTable is ordered: the first sentinel matched by errors.Is wins.
var kindTable = []struct {
	err  error
	kind ErrorKind
}{
	{ErrTimeout, KindTimeout},
	{ErrAuthRejected, KindAuthRejected},
	{ErrChainSubmissionFailed, KindChainSubmissionFailed},
	{ErrConnectionLost, KindConnectionLost},
	{ErrMarketNotFound, KindMarketNotFound},
	{ErrMarketNotLive, KindMarketNotLive},
	{ErrInvalidAmount, KindInvalidAmount},
	{ErrInsufficientBalance, KindInsufficientBalance},
	{ErrSessionActive, KindSessionActive},
	{ErrNoSession, KindNoSession},
	{ErrInvalidDeposit, KindInvalidDeposit},
	{ErrUnsettledBets, KindUnsettledBets},
	{ErrLockHeld, KindLockHeld},
	{ErrRateLimited, KindRateLimited},
	{ErrNotFound, KindNotFound},
	{ErrProtocol, KindProtocolError},
}

// KindOf maps err onto the error taxonomy. Errors that do not wrap any known
// sentinel are reported as KindInternal; a nil error has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	for _, k := range kindTable {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
