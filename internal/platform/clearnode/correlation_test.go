package clearnode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelation_ResolveMatchesByID(t *testing.T) {
	c := NewCorrelation(nil)

	p1, err := c.Add(1, MethodAuthRequest, time.Second)
	require.NoError(t, err)
	p2, err := c.Add(2, MethodAuthVerify, time.Second)
	require.NoError(t, err)

	require.True(t, c.Resolve(AuthVerifyResult{Header: Header{ID: 2, Method: MethodAuthVerify}, Success: true}))

	resp, err := p2.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.(AuthVerifyResult).Success)

	select {
	case <-p1.Done():
		t.Fatal("entry 1 must still be pending")
	default:
	}
	assert.Equal(t, 1, c.Len())
}

func TestCorrelation_DuplicateIDRejected(t *testing.T) {
	c := NewCorrelation(nil)
	_, err := c.Add(5, MethodCreateChannel, time.Second)
	require.NoError(t, err)

	_, err = c.Add(5, MethodCreateChannel, time.Second)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestCorrelation_ErrorResponseBecomesServerError(t *testing.T) {
	c := NewCorrelation(nil)
	p, err := c.Add(3, MethodCreateChannel, time.Second)
	require.NoError(t, err)

	c.Resolve(ErrorResponse{Header: Header{ID: 3, Method: MethodError}, Message: "chain not supported"})

	_, err = p.Wait(context.Background())
	var se *ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, MethodCreateChannel, se.Method)
	assert.Equal(t, "chain not supported", se.Message)
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestCorrelation_TimeoutThenLateResponseIgnored(t *testing.T) {
	c := NewCorrelation(nil)
	p, err := c.Add(4, MethodResizeChannel, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = p.Wait(context.Background())
	require.ErrorIs(t, err, domain.ErrTimeout)

	assert.False(t, c.Resolve(ChannelResult{Header: Header{ID: 4, Method: MethodResizeChannel}}))
	assert.Equal(t, 0, c.Len())
}

func TestCorrelation_ContextDeadlineIsTimeout(t *testing.T) {
	c := NewCorrelation(nil)
	p, err := c.Add(6, MethodCloseChannel, time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, 0, c.Len())
}

func TestCorrelation_FailAllRejectsEveryEntryOnce(t *testing.T) {
	c := NewCorrelation(nil)

	var entries []*Pending
	for id := uint64(10); id < 15; id++ {
		p, err := c.Add(id, MethodCreateChannel, time.Second)
		require.NoError(t, err)
		entries = append(entries, p)
	}

	assert.Equal(t, 5, c.FailAll(domain.ErrConnectionLost))
	assert.Equal(t, 0, c.FailAll(domain.ErrConnectionLost))

	for _, p := range entries {
		_, err := p.Wait(context.Background())
		assert.ErrorIs(t, err, domain.ErrConnectionLost)
	}
}

func TestCorrelation_ConcurrentCompletionsSingleOutcome(t *testing.T) {
	c := NewCorrelation(nil)
	p, err := c.Add(20, MethodAuthVerify, time.Second)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if c.Resolve(AuthVerifyResult{Header: Header{ID: 20}, Success: true}) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			if c.Reject(20, domain.ErrConnectionLost) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	<-p.Done()
}
