package clearnode_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/alanyoungcy/yellowbet/internal/platform/clearnode"
	"github.com/alanyoungcy/yellowbet/internal/platform/clearnode/clearnodetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, node *clearnodetest.Node) *clearnode.Client {
	t.Helper()
	c := clearnode.NewClient(node.URL(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })
	return c
}

type callResult struct {
	resp clearnode.Response
	err  error
}

func callAsync(c *clearnode.Client, req clearnode.Request) <-chan callResult {
	out := make(chan callResult, 1)
	go func() {
		resp, err := c.Call(context.Background(), req, 5*time.Second)
		out <- callResult{resp, err}
	}()
	return out
}

func TestClient_BootstrapRoundTrip(t *testing.T) {
	node := clearnodetest.NewNode()
	defer node.Close()
	c := connect(t, node)

	resp, err := c.Call(context.Background(), clearnode.Request{
		Method: clearnode.MethodAuthRequest,
		Params: clearnode.AuthRequestParams{Address: "0xabc", SessionKey: "0xdef"},
	}, time.Second)
	require.NoError(t, err)

	challenge, ok := resp.(clearnode.AuthChallenge)
	require.True(t, ok)
	assert.Contains(t, challenge.ChallengeMessage, "challenge-")

	received := node.Received()
	require.Len(t, received, 1)
	assert.Equal(t, challenge.RequestID(), received[0].ID)
}

func TestClient_RequestIDsStrictlyIncrease(t *testing.T) {
	node := clearnodetest.NewNode()
	defer node.Close()
	c := connect(t, node)

	for i := 0; i < 5; i++ {
		_, err := c.Call(context.Background(), clearnode.Request{Method: clearnode.MethodAuthRequest}, time.Second)
		require.NoError(t, err)
	}

	received := node.Received()
	require.Len(t, received, 5)
	for i := 1; i < len(received); i++ {
		assert.Greater(t, received[i].ID, received[i-1].ID)
	}
}

func TestClient_QueueFlushedInOrderExactlyOnce(t *testing.T) {
	node := clearnodetest.NewNode()
	defer node.Close()
	c := connect(t, node)

	first := callAsync(c, clearnode.Request{Method: clearnode.MethodCreateChannel, Params: clearnode.CreateChannelParams{ChainID: 1}})
	require.Eventually(t, func() bool { return c.Queued() == 1 }, time.Second, 5*time.Millisecond)
	second := callAsync(c, clearnode.Request{Method: clearnode.MethodResizeChannel, Params: clearnode.ResizeChannelParams{ChannelID: "0x1"}})
	require.Eventually(t, func() bool { return c.Queued() == 2 }, time.Second, 5*time.Millisecond)

	assert.Empty(t, node.Received(), "nothing leaves before authorization")

	require.NoError(t, c.Authorize())
	require.NoError(t, (<-first).err)
	require.NoError(t, (<-second).err)

	require.NoError(t, c.Authorize())
	_, err := c.Call(context.Background(), clearnode.Request{Method: clearnode.MethodAuthRequest}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, []clearnode.Method{
		clearnode.MethodCreateChannel,
		clearnode.MethodResizeChannel,
		clearnode.MethodAuthRequest,
	}, node.Methods())
	assert.Equal(t, 0, c.Queued())
}

func TestClient_SignerAppliedToUnsignedRequests(t *testing.T) {
	node := clearnodetest.NewNode()
	defer node.Close()
	c := connect(t, node)
	c.SetSigner(func(payload []byte) (string, error) { return "0xsession", nil })

	_, err := c.Call(context.Background(), clearnode.Request{
		Method:     clearnode.MethodAuthVerify,
		Params:     clearnode.AuthVerifyParams{Challenge: "c"},
		Signatures: []string{"0xwallet"},
	}, time.Second)
	require.NoError(t, err)
	_, err = c.Call(context.Background(), clearnode.Request{Method: clearnode.MethodAuthRequest}, time.Second)
	require.NoError(t, err)

	received := node.Received()
	require.Len(t, received, 2)
	assert.Equal(t, []string{"0xwallet"}, received[0].Signatures)
	assert.Equal(t, []string{"0xsession"}, received[1].Signatures)
}

func TestClient_ServerErrorIsProtocolError(t *testing.T) {
	node := clearnodetest.NewNode()
	defer node.Close()
	node.Handle(clearnode.MethodAuthVerify, func(clearnodetest.Received) *clearnodetest.Reply {
		return clearnodetest.ErrorReply("invalid signature")
	})
	c := connect(t, node)

	_, err := c.Call(context.Background(), clearnode.Request{Method: clearnode.MethodAuthVerify}, time.Second)
	require.Error(t, err)

	var se *clearnode.ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "invalid signature", se.Message)
	assert.Equal(t, clearnode.MethodAuthVerify, se.Method)
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestClient_MalformedReplyFailsCallImmediately(t *testing.T) {
	node := clearnodetest.NewNode()
	defer node.Close()
	node.Handle(clearnode.MethodCreateChannel, func(clearnodetest.Received) *clearnodetest.Reply {
		return &clearnodetest.Reply{
			Method: clearnode.MethodCreateChannel,
			Result: map[string]any{"channel_id": clearnodetest.ChannelID, "state": "garbage"},
		}
	})
	c := connect(t, node)

	start := time.Now()
	_, err := c.Call(context.Background(), clearnode.Request{Method: clearnode.MethodCreateChannel}, 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProtocol)
	assert.NotErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.KindProtocolError, domain.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_NoReplyTimesOut(t *testing.T) {
	node := clearnodetest.NewNode()
	defer node.Close()
	node.Handle(clearnode.MethodAuthRequest, func(clearnodetest.Received) *clearnodetest.Reply { return nil })
	c := connect(t, node)

	start := time.Now()
	_, err := c.Call(context.Background(), clearnode.Request{Method: clearnode.MethodAuthRequest}, 50*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_ConnectionLossFailsOutstandingCalls(t *testing.T) {
	node := clearnodetest.NewNode()
	defer node.Close()
	node.Handle(clearnode.MethodAuthRequest, func(clearnodetest.Received) *clearnodetest.Reply { return nil })
	c := connect(t, node)

	pending := callAsync(c, clearnode.Request{Method: clearnode.MethodAuthRequest})
	require.Eventually(t, func() bool { return len(node.Received()) == 1 }, time.Second, 5*time.Millisecond)

	node.DropConnections()

	select {
	case res := <-pending:
		assert.ErrorIs(t, res.err, domain.ErrConnectionLost)
	case <-time.After(3 * time.Second):
		t.Fatal("call did not fail after connection loss")
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not marked done")
	}

	_, err := c.Call(context.Background(), clearnode.Request{Method: clearnode.MethodAuthRequest}, time.Second)
	assert.ErrorIs(t, err, domain.ErrConnectionLost)
}

func TestClient_NotificationsRouted(t *testing.T) {
	node := clearnodetest.NewNode()
	defer node.Close()
	c := connect(t, node)

	got := make(chan clearnode.Notification, 1)
	c.OnNotification(func(n clearnode.Notification) { got <- n })

	// Round trip first so the server side connection is registered.
	_, err := c.Call(context.Background(), clearnode.Request{Method: clearnode.MethodAuthRequest}, time.Second)
	require.NoError(t, err)
	require.NoError(t, node.Push(clearnode.MethodBalanceUpdate, map[string]any{"balance_updates": []any{}}))

	select {
	case n := <-got:
		assert.Equal(t, clearnode.MethodBalanceUpdate, n.Method)
		var payload map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(n.Payload, &payload))
		assert.Contains(t, payload, "balance_updates")
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}
