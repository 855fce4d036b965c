// Package session drives the lifecycle of one funded channel against a
// clearing node: authenticate, create, fund, and finally close and settle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/chain"
	"github.com/alanyoungcy/yellowbet/internal/crypto"
	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/alanyoungcy/yellowbet/internal/platform/clearnode"
	"github.com/shopspring/decimal"
)

// RPC is the clearing node connection a session runs over.
type RPC interface {
	Connect(ctx context.Context) error
	Call(ctx context.Context, req clearnode.Request, timeout time.Duration) (clearnode.Response, error)
	SetSigner(s clearnode.RequestSigner)
	OnNotification(h clearnode.NotificationHandler)
	Authorize() error
	Close() error
}

// Dialer returns a fresh, unconnected RPC. A closed connection is never
// reused, so every open dials anew.
type Dialer func() RPC

// ClientDialer dials clearnode clients for url.
func ClientDialer(url string, logger *slog.Logger) Dialer {
	return func() RPC { return clearnode.NewClient(url, logger) }
}

// WalletSigner answers auth challenges on behalf of the wallet.
type WalletSigner interface {
	Address() string
	SignChallenge(ctx context.Context, p crypto.Policy) (string, error)
}

// SessionKey signs requests once the wallet has authorized it.
type SessionKey interface {
	Address() string
	Sign(payload []byte) (string, error)
}

// Ledger is the part of the off-chain ledger the session seeds and drains.
type Ledger interface {
	Open(deposit decimal.Decimal) error
	IsOpen() bool
	Freeze()
	SettleSession() domain.Settlement
	Drain() domain.Balance
}

// Transition describes one state change.
type Transition struct {
	From    domain.SessionState
	To      domain.SessionState
	Session domain.Session
	Err     error
}

// TransitionFunc observes state changes. It runs on the goroutine driving
// the session and must not call back into the Manager.
type TransitionFunc func(Transition)

// Manager is the session state machine. Open and Close are serialized; the
// snapshot may be read at any time.
type Manager struct {
	cfg       Config
	dial      Dialer
	wallet    WalletSigner
	submitter chain.Submitter
	ledger    Ledger
	logger    *slog.Logger

	op sync.Mutex

	mu       sync.RWMutex
	state    domain.Session
	rpc      RPC
	hooks    []TransitionFunc
	onNotify clearnode.NotificationHandler

	newKey func() (SessionKey, error)
	now    func() time.Time
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(cfg Config, dial Dialer, wallet WalletSigner, submitter chain.Submitter, l Ledger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg.withDefaults(),
		dial:      dial,
		wallet:    wallet,
		submitter: submitter,
		ledger:    l,
		logger:    logger.With(slog.String("component", "session")),
		state:     domain.Session{State: domain.StateDisconnected, Deposit: decimal.Zero},
		newKey: func() (SessionKey, error) {
			return crypto.NewSessionKey()
		},
		now: time.Now,
	}
}

// OnTransition registers an observer for state changes.
func (m *Manager) OnTransition(fn TransitionFunc) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// OnNotification registers the handler for server pushes received while a
// connection is up.
func (m *Manager) OnNotification(fn clearnode.NotificationHandler) {
	m.mu.Lock()
	m.onNotify = fn
	m.mu.Unlock()
}

// Snapshot returns the current session view.
func (m *Manager) Snapshot() domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Wallet returns the address of the wallet signer, or "" when none is
// configured.
func (m *Manager) Wallet() string {
	if m.wallet == nil {
		return ""
	}
	return m.wallet.Address()
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Open runs the handshake up to Active: connect, authenticate, create the
// channel and fund it with deposit. Any failure leaves the session Failed
// and returns a *FailedError.
func (m *Manager) Open(ctx context.Context, deposit decimal.Decimal) (domain.Session, error) {
	m.op.Lock()
	defer m.op.Unlock()

	if m.wallet == nil {
		return m.Snapshot(), fmt.Errorf("session: open: no wallet signer: %w", domain.ErrAuthRejected)
	}
	if !deposit.IsPositive() || (m.cfg.MaxDeposit.IsPositive() && deposit.GreaterThan(m.cfg.MaxDeposit)) {
		return m.Snapshot(), fmt.Errorf("session: open: deposit %s outside (0, %s]: %w", deposit, m.cfg.MaxDeposit, domain.ErrInvalidDeposit)
	}
	cur := m.Snapshot()
	if cur.State != domain.StateDisconnected && !cur.State.Terminal() {
		return cur, fmt.Errorf("session: open: session is %s: %w", cur.State, domain.ErrSessionActive)
	}
	if m.ledger.IsOpen() {
		return cur, fmt.Errorf("session: open: ledger still holds a previous session: %w", domain.ErrSessionActive)
	}

	m.reset()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	if err := m.open(ctx, deposit); err != nil {
		return m.Snapshot(), m.fail(err)
	}
	return m.Snapshot(), nil
}

func (m *Manager) open(ctx context.Context, deposit decimal.Decimal) error {
	wallet := m.wallet.Address()
	m.transition(domain.StateConnecting, func(s *domain.Session) {
		s.Wallet = wallet
		s.Deposit = deposit
	})

	rpc := m.dial()
	m.mu.Lock()
	m.rpc = rpc
	notify := m.onNotify
	m.mu.Unlock()
	rpc.OnNotification(func(n clearnode.Notification) {
		m.logger.Debug("session: server push", slog.String("method", string(n.Method)))
		if notify != nil {
			notify(n)
		}
	})

	if err := rpc.Connect(ctx); err != nil {
		return classify(ctx, fmt.Errorf("session: connect: %w", err), domain.ErrConnectionLost)
	}

	key, err := m.newKey()
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	m.transition(domain.StateAuthenticating, func(s *domain.Session) { s.SessionKey = key.Address() })

	if err := m.authenticate(ctx, rpc, wallet, key, deposit); err != nil {
		return err
	}

	channelID, err := m.createChannel(ctx, rpc)
	if err != nil {
		return err
	}
	if err := m.fund(ctx, rpc, channelID, wallet, deposit); err != nil {
		return err
	}

	if err := m.ledger.Open(deposit); err != nil {
		return fmt.Errorf("session: seed ledger: %w", err)
	}
	now := m.now()
	m.transition(domain.StateActive, func(s *domain.Session) {
		s.ChannelID = channelID
		s.OpenedAt = &now
	})
	m.logger.InfoContext(ctx, "session: active",
		slog.String("wallet", wallet),
		slog.String("channel_id", channelID),
		slog.String("deposit", deposit.String()),
	)
	return nil
}

func (m *Manager) authenticate(ctx context.Context, rpc RPC, wallet string, key SessionKey, deposit decimal.Decimal) error {
	expiresAt := m.now().Add(m.cfg.ExpiresAfter).Unix()
	allowances := []crypto.Allowance{{Asset: m.cfg.Asset, Amount: deposit.String()}}

	params := clearnode.AuthRequestParams{
		Address:     wallet,
		SessionKey:  key.Address(),
		Application: m.cfg.Application,
		Scope:       m.cfg.Scope,
		ExpiresAt:   expiresAt,
	}
	for _, a := range allowances {
		params.Allowances = append(params.Allowances, clearnode.Allowance{Asset: a.Asset, Amount: a.Amount})
	}

	resp, err := rpc.Call(ctx, clearnode.Request{Method: clearnode.MethodAuthRequest, Params: params}, m.cfg.ResponseTimeout)
	if err != nil {
		return classify(ctx, fmt.Errorf("session: auth_request: %w", err), domain.ErrAuthRejected)
	}
	challenge, ok := resp.(clearnode.AuthChallenge)
	if !ok {
		return unexpected(clearnode.MethodAuthChallenge, resp)
	}
	m.transition(domain.StateAuthChallenged, nil)

	sig, err := m.wallet.SignChallenge(ctx, crypto.Policy{
		Application: m.cfg.Application,
		Challenge:   challenge.ChallengeMessage,
		Scope:       m.cfg.Scope,
		Wallet:      wallet,
		SessionKey:  key.Address(),
		ExpiresAt:   expiresAt,
		Allowances:  allowances,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrAuthRejected) {
			err = fmt.Errorf("%w: %w", domain.ErrAuthRejected, err)
		}
		return fmt.Errorf("session: sign challenge: %w", err)
	}

	resp, err = rpc.Call(ctx, clearnode.Request{
		Method:     clearnode.MethodAuthVerify,
		Params:     clearnode.AuthVerifyParams{Challenge: challenge.ChallengeMessage},
		Signatures: []string{sig},
	}, m.cfg.ResponseTimeout)
	if err != nil {
		return classify(ctx, fmt.Errorf("session: auth_verify: %w", err), domain.ErrAuthRejected)
	}
	verify, ok := resp.(clearnode.AuthVerifyResult)
	if !ok {
		return unexpected(clearnode.MethodAuthVerify, resp)
	}
	if !verify.Success {
		return fmt.Errorf("session: auth_verify: node refused the signature: %w", domain.ErrAuthRejected)
	}

	rpc.SetSigner(key.Sign)
	if err := rpc.Authorize(); err != nil {
		return classify(ctx, fmt.Errorf("session: authorize: %w", err), domain.ErrConnectionLost)
	}
	m.transition(domain.StateAuthenticated, nil)
	return nil
}

func (m *Manager) createChannel(ctx context.Context, rpc RPC) (string, error) {
	m.transition(domain.StateChannelCreating, nil)

	res, err := m.channelCall(ctx, rpc, clearnode.MethodCreateChannel, clearnode.CreateChannelParams{
		ChainID: m.cfg.ChainID,
		Token:   m.cfg.Token,
	}, m.cfg.ResponseTimeout)
	if err != nil {
		return "", err
	}
	if res.ChannelID == "" {
		return "", fmt.Errorf("session: create_channel: empty channel id: %w", domain.ErrProtocol)
	}

	if err := m.submit(ctx, chain.OpCreate, res, domain.StateChannelSubmitted); err != nil {
		return "", err
	}
	return res.ChannelID, nil
}

func (m *Manager) fund(ctx context.Context, rpc RPC, channelID, wallet string, deposit decimal.Decimal) error {
	m.transition(domain.StateChannelFunding, nil)

	res, err := m.channelCall(ctx, rpc, clearnode.MethodResizeChannel, clearnode.ResizeChannelParams{
		ChannelID:        channelID,
		ResizeAmount:     deposit.Shift(m.cfg.TokenDecimals).StringFixed(0),
		FundsDestination: m.destination(wallet),
	}, m.cfg.ResponseTimeout)
	if err != nil {
		return err
	}
	if res.ChannelID == "" {
		res.ChannelID = channelID
	}
	return m.submit(ctx, chain.OpResize, res, domain.StateFundingSubmitted)
}

func (m *Manager) channelCall(ctx context.Context, rpc RPC, method clearnode.Method, params any, timeout time.Duration) (clearnode.ChannelResult, error) {
	resp, err := rpc.Call(ctx, clearnode.Request{Method: method, Params: params}, timeout)
	if err != nil {
		return clearnode.ChannelResult{}, classify(ctx, fmt.Errorf("session: %s: %w", method, err), domain.ErrChainSubmissionFailed)
	}
	res, ok := resp.(clearnode.ChannelResult)
	if !ok {
		return clearnode.ChannelResult{}, unexpected(method, resp)
	}
	return res, nil
}

// submit sends the node's state to chain, moves to submitted and waits for
// the receipt.
func (m *Manager) submit(ctx context.Context, kind chain.OpKind, res clearnode.ChannelResult, submitted domain.SessionState) error {
	h, err := m.submitOnly(ctx, kind, res)
	if err != nil {
		return err
	}
	m.transition(submitted, nil)
	if err := m.submitter.WaitForConfirmation(ctx, h); err != nil {
		return classify(ctx, fmt.Errorf("session: confirm %s: %w", kind, err), domain.ErrChainSubmissionFailed)
	}
	return nil
}

func (m *Manager) submitOnly(ctx context.Context, kind chain.OpKind, res clearnode.ChannelResult) (chain.TxHandle, error) {
	h, err := m.submitter.Submit(ctx, toOp(kind, res))
	if err != nil {
		return chain.TxHandle{}, classify(ctx, fmt.Errorf("session: submit %s: %w", kind, err), domain.ErrChainSubmissionFailed)
	}
	return h, nil
}

// Close settles the ledger, closes the channel with the node, submits the
// final state and drains the ledger. On failure the settlement already
// computed is returned alongside the error and the ledger is left intact.
func (m *Manager) Close(ctx context.Context) (domain.CloseResult, error) {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.RLock()
	cur, rpc := m.state, m.rpc
	m.mu.RUnlock()
	if cur.State != domain.StateActive || cur.ChannelID == "" || rpc == nil {
		return domain.CloseResult{}, fmt.Errorf("session: close: session is %s: %w", cur.State, domain.ErrNoSession)
	}

	m.ledger.Freeze()
	result := domain.CloseResult{
		ChannelID:  cur.ChannelID,
		Settlement: m.ledger.SettleSession(),
	}
	m.transition(domain.StateClosing, nil)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CloseTimeout)
	defer cancel()

	res, err := m.channelCall(ctx, rpc, clearnode.MethodCloseChannel, clearnode.CloseChannelParams{
		ChannelID:        cur.ChannelID,
		FundsDestination: m.destination(cur.Wallet),
	}, min(m.cfg.ResponseTimeout, m.cfg.CloseTimeout))
	if err != nil {
		return result, m.fail(err)
	}
	if res.ChannelID == "" {
		res.ChannelID = cur.ChannelID
	}
	h, err := m.submitOnly(ctx, chain.OpClose, res)
	if err != nil {
		return result, m.fail(err)
	}
	result.TxHash = h.Hash
	if err := m.submitter.WaitForConfirmation(ctx, h); err != nil {
		return result, m.fail(classify(ctx, fmt.Errorf("session: confirm close: %w", err), domain.ErrChainSubmissionFailed))
	}

	result.FinalBalance = m.ledger.Drain()
	m.teardown()
	m.transition(domain.StateClosed, nil)
	m.transition(domain.StateDisconnected, func(s *domain.Session) {
		*s = domain.Session{State: domain.StateDisconnected, Deposit: decimal.Zero}
	})

	m.logger.InfoContext(ctx, "session: closed",
		slog.String("channel_id", result.ChannelID),
		slog.String("tx", result.TxHash),
		slog.String("final_balance", result.FinalBalance.Total.String()),
		slog.String("net", result.Settlement.Net.String()),
	)
	return result, nil
}

// Discard abandons a Failed session. Funds still held by the ledger are
// drained and returned so the caller can account for them.
func (m *Manager) Discard() (domain.Balance, error) {
	m.op.Lock()
	defer m.op.Unlock()

	cur := m.Snapshot()
	if cur.State != domain.StateFailed && cur.State != domain.StateDisconnected {
		return domain.Balance{}, fmt.Errorf("session: discard: session is %s: %w", cur.State, domain.ErrSessionActive)
	}
	var bal domain.Balance
	if m.ledger.IsOpen() {
		bal = m.ledger.Drain()
	}
	m.reset()
	m.logger.Warn("session: discarded",
		slog.String("channel_id", cur.ChannelID),
		slog.String("drained", bal.Total.String()),
	)
	return bal, nil
}

// reset returns a terminal session to Disconnected.
func (m *Manager) reset() {
	m.teardown()
	m.mu.Lock()
	m.state = domain.Session{State: domain.StateDisconnected, Deposit: decimal.Zero}
	m.mu.Unlock()
}

func (m *Manager) teardown() {
	m.mu.Lock()
	rpc := m.rpc
	m.rpc = nil
	m.mu.Unlock()
	if rpc != nil {
		if err := rpc.Close(); err != nil {
			m.logger.Debug("session: close connection", slog.String("error", err.Error()))
		}
	}
}

// fail moves the session to Failed and closes the connection. The channel
// id, if any, is kept so the caller can follow up on the channel.
func (m *Manager) fail(err error) error {
	from := m.Snapshot().State
	ferr := &FailedError{
		Kind:    domain.KindOf(err),
		State:   from,
		Message: err.Error(),
		Err:     err,
	}
	m.teardown()
	m.transitionErr(domain.StateFailed, ferr, func(s *domain.Session) {
		s.FailReason = ferr.Kind
		s.FailMessage = ferr.Message
		s.SessionKey = ""
	})
	m.logger.Error("session: failed",
		slog.String("state", string(from)),
		slog.String("kind", string(ferr.Kind)),
		slog.String("error", ferr.Message),
	)
	return ferr
}

func (m *Manager) transition(to domain.SessionState, mutate func(*domain.Session)) {
	m.transitionErr(to, nil, mutate)
}

func (m *Manager) transitionErr(to domain.SessionState, err error, mutate func(*domain.Session)) {
	m.mu.Lock()
	from := m.state.State
	if mutate != nil {
		mutate(&m.state)
	}
	m.state.State = to
	snap := m.state
	hooks := append([]TransitionFunc(nil), m.hooks...)
	m.mu.Unlock()

	m.logger.Debug("session: transition", slog.String("from", string(from)), slog.String("to", string(to)))
	t := Transition{From: from, To: to, Session: snap, Err: err}
	for _, fn := range hooks {
		fn(t)
	}
}

func (m *Manager) destination(wallet string) string {
	if m.cfg.FundsDestination != "" {
		return m.cfg.FundsDestination
	}
	return wallet
}

func toOp(kind chain.OpKind, res clearnode.ChannelResult) chain.Op {
	st := chain.State{
		Intent:      res.State.Intent,
		Version:     res.State.Version,
		Data:        res.State.StateData,
		Allocations: make([]chain.Allocation, 0, len(res.State.Allocations)),
	}
	for _, a := range res.State.Allocations {
		st.Allocations = append(st.Allocations, chain.Allocation{
			Destination: a.Destination,
			Token:       a.Token,
			Amount:      a.Amount,
		})
	}
	return chain.Op{Kind: kind, ChannelID: res.ChannelID, State: st, ServerSignature: res.ServerSignature}
}
