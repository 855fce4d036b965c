package clearnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultResponseTimeout bounds a single request/response exchange.
const DefaultResponseTimeout = 10 * time.Second

// NotificationHandler receives unsolicited server pushes.
type NotificationHandler func(Notification)

// Client is an RPC client for a clearing node: a Transport plus a
// Correlation table.
type Client struct {
	transport *Transport
	table     *Correlation
	logger    *slog.Logger

	mu     sync.Mutex
	lastID uint64
	signer RequestSigner
	notify NotificationHandler

	now func() time.Time
}

// NewClient creates a client for the node at url. Nothing is dialled until
// Connect.
func NewClient(url string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "clearnode"))

	c := &Client{
		transport: NewTransport(url, logger),
		table:     NewCorrelation(logger),
		logger:    logger,
		now:       time.Now,
	}
	c.transport.OnMessage(c.handleFrame)
	c.transport.OnClose(func(err error) {
		if n := c.table.FailAll(err); n > 0 {
			c.logger.Warn("clearnode: failed outstanding requests", slog.Int("count", n), slog.String("error", err.Error()))
		}
	})
	return c
}

// Connect dials the node.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// SetSigner installs the signer applied to requests that carry no
// signatures of their own.
func (c *Client) SetSigner(s RequestSigner) {
	c.mu.Lock()
	c.signer = s
	c.mu.Unlock()
}

// OnNotification installs the handler for server pushes.
func (c *Client) OnNotification(h NotificationHandler) {
	c.mu.Lock()
	c.notify = h
	c.mu.Unlock()
}

// Authorize releases frames queued before authentication completed.
func (c *Client) Authorize() error {
	return c.transport.Authorize()
}

// Close closes the connection; outstanding calls fail with
// domain.ErrConnectionLost.
func (c *Client) Close() error {
	return c.transport.Close()
}

// Queued returns the number of requests held back until Authorize.
func (c *Client) Queued() int { return c.transport.Queued() }

// Done is closed when the underlying connection ends.
func (c *Client) Done() <-chan struct{} { return c.transport.Done() }

// Call sends req and waits for its response. The request id and timestamp
// are assigned here. The wait ends at the first of: the response, timeout,
// ctx ending, or connection loss.
func (c *Client) Call(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}

	c.mu.Lock()
	req.ID = c.nextIDLocked()
	signer := c.signer
	c.mu.Unlock()
	req.Timestamp = c.now().UnixMilli()

	frame, err := EncodeRequest(req, signer)
	if err != nil {
		return nil, err
	}

	pending, err := c.table.Add(req.ID, req.Method, timeout)
	if err != nil {
		return nil, err
	}

	if err := c.transport.Send(ctx, frame, req.Method.Bootstrap()); err != nil {
		c.table.Reject(req.ID, err)
		return nil, fmt.Errorf("clearnode: call %s: %w", req.Method, err)
	}

	c.logger.Debug("clearnode: request sent",
		slog.Uint64("request_id", req.ID),
		slog.String("method", string(req.Method)),
	)

	return pending.Wait(ctx)
}

// nextIDLocked derives the id from the issue time in milliseconds, bumped
// past the previous id when the clock has not advanced. Caller must hold c.mu.
func (c *Client) nextIDLocked() uint64 {
	id := uint64(c.now().UnixMilli())
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return id
}

func (c *Client) handleFrame(data []byte) {
	resp, err := DecodeResponse(data)
	if err != nil {
		var bad *MalformedError
		if errors.As(err, &bad) && c.table.Reject(bad.ID, err) {
			c.logger.Warn("clearnode: malformed reply failed its request",
				slog.Uint64("id", bad.ID),
				slog.String("method", string(bad.Method)),
				slog.String("error", err.Error()),
			)
			return
		}
		c.logger.Warn("clearnode: dropping undecodable frame", slog.String("error", err.Error()))
		return
	}

	if n, ok := resp.(Notification); ok {
		c.logger.Debug("clearnode: notification", slog.String("method", string(n.Method)))
		c.mu.Lock()
		h := c.notify
		c.mu.Unlock()
		if h != nil {
			h(n)
		}
		return
	}

	c.table.Resolve(resp)
}
