package clearnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// MessageHandler receives every inbound text frame.
type MessageHandler func([]byte)

// CloseHandler is called once when the connection ends, for any reason.
type CloseHandler func(error)

// Transport is a single websocket connection to a clearing node. Until
// Authorize is called, only bootstrap frames go out; everything else is
// queued and flushed in order by Authorize. A Transport does not reconnect;
// once closed a new one must be created.
type Transport struct {
	url    string
	logger *slog.Logger

	// mu guards the connection writer, the queue and the flags below.
	mu         sync.Mutex
	conn       *websocket.Conn
	authorized bool
	closed     bool
	queue      [][]byte

	onMessage MessageHandler
	onClose   CloseHandler
	closeOnce sync.Once

	done chan struct{}
}

// NewTransport creates a transport for the websocket endpoint at url.
func NewTransport(url string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		url:    url,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// OnMessage sets the inbound frame handler. Must be called before Connect.
func (t *Transport) OnMessage(h MessageHandler) { t.onMessage = h }

// OnClose sets the handler for connection loss. Must be called before Connect.
func (t *Transport) OnClose(h CloseHandler) { t.onClose = h }

// Connect dials the node and starts the read and ping loops.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("clearnode/ws: connect: %w", domain.ErrConnectionLost)
	}
	if t.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("clearnode/ws: connect %s: %w: %v", t.url, domain.ErrConnectionLost, err)
	}
	t.conn = conn

	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go t.readLoop(conn)
	go t.pingLoop(conn)

	t.logger.Debug("clearnode/ws: connected", slog.String("url", t.url))
	return nil
}

// Send writes frame, or queues it when the transport is not yet authorized
// and bootstrap is false.
func (t *Transport) Send(ctx context.Context, frame []byte, bootstrap bool) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("clearnode/ws: send: %w: %v", domain.ErrTimeout, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.conn == nil {
		return fmt.Errorf("clearnode/ws: send: %w", domain.ErrConnectionLost)
	}
	if !t.authorized && !bootstrap {
		t.queue = append(t.queue, frame)
		t.logger.Debug("clearnode/ws: queued frame until authorized", slog.Int("queued", len(t.queue)))
		return nil
	}
	return t.write(frame)
}

// Authorize marks the transport authorized and flushes the queue in FIFO
// order. Calling it again is a no-op.
func (t *Transport) Authorize() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.authorized {
		return nil
	}
	if t.closed || t.conn == nil {
		return fmt.Errorf("clearnode/ws: authorize: %w", domain.ErrConnectionLost)
	}
	t.authorized = true

	queued := t.queue
	t.queue = nil
	for i, frame := range queued {
		if err := t.write(frame); err != nil {
			return fmt.Errorf("clearnode/ws: flush frame %d of %d: %w", i+1, len(queued), err)
		}
	}
	if len(queued) > 0 {
		t.logger.Debug("clearnode/ws: flushed queue", slog.Int("frames", len(queued)))
	}
	return nil
}

// Authorized reports whether Authorize has been called.
func (t *Transport) Authorized() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authorized
}

// Queued returns the number of frames waiting for authorization.
func (t *Transport) Queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Done is closed when the transport shuts down.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Close shuts down the connection. Queued frames are discarded.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.queue = nil
	close(t.done)

	var err error
	if t.conn != nil {
		t.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = t.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		err = t.conn.Close()
	}
	t.mu.Unlock()

	t.notifyClose(fmt.Errorf("clearnode/ws: closed locally: %w", domain.ErrConnectionLost))
	return err
}

// write sends one text frame. Caller must hold t.mu.
func (t *Transport) write(frame []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("clearnode/ws: write: %w: %v", domain.ErrConnectionLost, err)
	}
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}

			t.logger.Warn("clearnode/ws: connection lost", slog.String("error", err.Error()))
			t.mu.Lock()
			if !t.closed {
				t.closed = true
				t.queue = nil
				close(t.done)
			}
			t.mu.Unlock()
			conn.Close()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || errors.Is(err, websocket.ErrCloseSent) {
				t.notifyClose(fmt.Errorf("clearnode/ws: closed by peer: %w", domain.ErrConnectionLost))
				return
			}
			t.notifyClose(fmt.Errorf("clearnode/ws: read: %w: %v", domain.ErrConnectionLost, err))
			return
		}

		if t.onMessage != nil {
			t.onMessage(message)
		}
	}
}

// pingLoop sends periodic ping messages to keep the WebSocket alive.
func (t *Transport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *Transport) notifyClose(err error) {
	t.closeOnce.Do(func() {
		if t.onClose != nil {
			t.onClose(err)
		}
	})
}
