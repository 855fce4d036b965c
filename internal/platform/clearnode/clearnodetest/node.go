// Package clearnodetest provides an in-process clearing node for tests.
package clearnodetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/platform/clearnode"
	"github.com/gorilla/websocket"
)

// ChannelID is the channel id the default handlers hand out.
const ChannelID = "0x8f3c2a6b1d4e5f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8"

// Received is one request the node has read.
type Received struct {
	ID         uint64
	Method     clearnode.Method
	Params     json.RawMessage
	Signatures []string
}

// Reply is what a handler answers with. A nil *Reply sends nothing.
type Reply struct {
	Method clearnode.Method
	Result any
}

// ErrorReply answers with an error response.
func ErrorReply(msg string) *Reply {
	return &Reply{Method: clearnode.MethodError, Result: map[string]string{"error": msg}}
}

// HandlerFunc answers one request.
type HandlerFunc func(Received) *Reply

// Node is a websocket server speaking the clearing node envelope.
type Node struct {
	srv *httptest.Server

	mu       sync.Mutex
	handlers map[clearnode.Method]HandlerFunc
	received []Received
	conns    []*conn
}

type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// NewNode starts a node whose handlers complete the happy path of the
// session lifecycle.
func NewNode() *Node {
	n := &Node{handlers: make(map[clearnode.Method]HandlerFunc)}
	n.handlers[clearnode.MethodAuthRequest] = func(r Received) *Reply {
		return &Reply{Method: clearnode.MethodAuthChallenge, Result: map[string]string{
			"challenge_message": fmt.Sprintf("challenge-%d", r.ID),
		}}
	}
	n.handlers[clearnode.MethodAuthVerify] = func(r Received) *Reply {
		var p clearnode.AuthVerifyParams
		_ = json.Unmarshal(r.Params, &p)
		return &Reply{Method: clearnode.MethodAuthVerify, Result: map[string]any{
			"success":   p.Challenge != "",
			"jwt_token": "test-jwt",
		}}
	}
	for _, m := range []clearnode.Method{clearnode.MethodCreateChannel, clearnode.MethodResizeChannel, clearnode.MethodCloseChannel} {
		method := m
		n.handlers[method] = func(Received) *Reply {
			return &Reply{Method: method, Result: ChannelReply(ChannelID)}
		}
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &conn{ws: ws}
		n.mu.Lock()
		n.conns = append(n.conns, c)
		n.mu.Unlock()
		n.serve(c)
	}))
	return n
}

// ChannelReply builds a channel result for id.
func ChannelReply(id string) map[string]any {
	return map[string]any{
		"channel_id": id,
		"state": map[string]any{
			"intent":     1,
			"version":    1,
			"state_data": "0x",
			"allocations": []map[string]string{
				{"destination": "0x0000000000000000000000000000000000000001", "token": "0x0000000000000000000000000000000000000002", "amount": "0"},
			},
		},
		"server_signature": "0x" + strings.Repeat("ab", 65),
	}
}

// URL returns the ws:// address of the node.
func (n *Node) URL() string {
	return "ws" + strings.TrimPrefix(n.srv.URL, "http")
}

// Handle replaces the handler for method.
func (n *Node) Handle(method clearnode.Method, h HandlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

// Received returns every request read so far, in arrival order.
func (n *Node) Received() []Received {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Received(nil), n.received...)
}

// Methods returns the methods of every request read so far.
func (n *Node) Methods() []clearnode.Method {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]clearnode.Method, 0, len(n.received))
	for _, r := range n.received {
		out = append(out, r.Method)
	}
	return out
}

// Push sends an unsolicited message to every connected client.
func (n *Node) Push(method clearnode.Method, payload any) error {
	n.mu.Lock()
	conns := append([]*conn(nil), n.conns...)
	n.mu.Unlock()
	for _, c := range conns {
		if err := c.write(frame(0, method, payload)); err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every client connection without a close frame.
func (n *Node) DropConnections() {
	n.mu.Lock()
	conns := n.conns
	n.conns = nil
	n.mu.Unlock()
	for _, c := range conns {
		c.ws.Close()
	}
}

// Close shuts the node down.
func (n *Node) Close() {
	n.DropConnections()
	n.srv.Close()
}

func (n *Node) serve(c *conn) {
	defer c.ws.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env struct {
			Req []json.RawMessage `json:"req"`
			Sig []string          `json:"sig"`
		}
		if err := json.Unmarshal(data, &env); err != nil || len(env.Req) != 4 {
			continue
		}
		var r Received
		if json.Unmarshal(env.Req[0], &r.ID) != nil || json.Unmarshal(env.Req[1], &r.Method) != nil {
			continue
		}
		r.Params = env.Req[2]
		r.Signatures = env.Sig

		n.mu.Lock()
		n.received = append(n.received, r)
		h := n.handlers[r.Method]
		n.mu.Unlock()

		if h == nil {
			_ = c.write(frame(r.ID, clearnode.MethodError, map[string]string{"error": "unsupported method " + string(r.Method)}))
			continue
		}
		if reply := h(r); reply != nil {
			_ = c.write(frame(r.ID, reply.Method, reply.Result))
		}
	}
}

func frame(id uint64, method clearnode.Method, result any) map[string]any {
	return map[string]any{
		"res": []any{id, method, result, time.Now().UnixMilli()},
		"sig": []string{},
	}
}
