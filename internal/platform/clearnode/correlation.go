package clearnode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

// Correlation matches inbound responses to outstanding requests by id.
// Every registered entry completes exactly once: with its response, with a
// timeout, or with the error passed to FailAll.
type Correlation struct {
	mu      sync.Mutex
	pending map[uint64]*Pending
	logger  *slog.Logger
}

// Pending is one outstanding request.
type Pending struct {
	id     uint64
	method Method
	table  *Correlation
	timer  *time.Timer
	done   chan struct{}
	resp   Response
	err    error
}

// NewCorrelation creates an empty correlation table.
func NewCorrelation(logger *slog.Logger) *Correlation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlation{
		pending: make(map[uint64]*Pending),
		logger:  logger,
	}
}

// Add registers request id and arms its timeout. A non-positive timeout
// leaves the entry bounded only by the context passed to Wait.
func (c *Correlation) Add(id uint64, method Method, timeout time.Duration) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; ok {
		return nil, fmt.Errorf("clearnode: register request %d: %w", id, domain.ErrAlreadyExists)
	}

	p := &Pending{
		id:     id,
		method: method,
		table:  c,
		done:   make(chan struct{}),
	}
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			c.Reject(id, fmt.Errorf("clearnode: %s (request %d): no response within %s: %w", method, id, timeout, domain.ErrTimeout))
		})
	}
	c.pending[id] = p
	return p, nil
}

// Resolve completes the entry matching resp. Error responses reject the
// entry with a *ServerError. Responses that match nothing, including
// duplicates and replies arriving after a timeout, are logged and dropped.
func (c *Correlation) Resolve(resp Response) bool {
	c.mu.Lock()
	p, ok := c.pending[resp.RequestID()]
	if ok {
		delete(c.pending, resp.RequestID())
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("clearnode: dropping unmatched response",
			slog.Uint64("request_id", resp.RequestID()),
			slog.String("method", string(resp.ResponseMethod())),
		)
		return false
	}

	if e, isErr := resp.(ErrorResponse); isErr {
		p.complete(nil, &ServerError{RequestID: p.id, Method: p.method, Message: e.Message})
		return true
	}
	p.complete(resp, nil)
	return true
}

// Reject completes entry id with err. It reports false when the entry has
// already completed.
func (c *Correlation) Reject(id uint64, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.complete(nil, err)
	return true
}

// FailAll rejects every outstanding entry with err and returns how many
// were rejected.
func (c *Correlation) FailAll(err error) int {
	c.mu.Lock()
	entries := make([]*Pending, 0, len(c.pending))
	for id, p := range c.pending {
		entries = append(entries, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, p := range entries {
		p.complete(nil, fmt.Errorf("clearnode: %s (request %d): %w", p.method, p.id, err))
	}
	return len(entries)
}

// Len returns the number of outstanding entries.
func (c *Correlation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ID returns the request id of the entry.
func (p *Pending) ID() uint64 { return p.id }

// Done is closed once the entry has completed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the entry completes. If ctx ends first the entry is
// rejected with domain.ErrTimeout; whichever outcome landed first is
// returned.
func (p *Pending) Wait(ctx context.Context) (Response, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.table.Reject(p.id, fmt.Errorf("clearnode: %s (request %d): %w: %v", p.method, p.id, domain.ErrTimeout, ctx.Err()))
		<-p.done
	}
	return p.resp, p.err
}

// complete is only reached by the goroutine that removed p from the table,
// so it runs once per entry.
func (p *Pending) complete(resp Response, err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.resp = resp
	p.err = err
	close(p.done)
}
