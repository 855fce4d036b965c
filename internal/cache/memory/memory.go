// Package memory provides in-process implementations of the cache
// interfaces for single-instance deployments without Redis.
package memory

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/yellowbet/internal/domain"
)

const (
	subscriberBuffer = 128
	streamMaxLen     = 10000
)

// Bus implements domain.SignalBus. Slow subscribers drop messages rather
// than block publishers.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]subscription
	nextID int
	stream map[string][]domain.StreamMessage
	seq    int64
}

type subscription struct {
	pattern string
	ch      chan []byte
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscription), stream: make(map[string][]domain.StreamMessage)}
}

// Publish delivers payload to every matching subscriber.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe listens on channel or a glob pattern until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("memory: subscribe %s: %w", channel, err)
	}
	ch := make(chan []byte, subscriberBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscription{pattern: channel, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// StreamAppend appends payload to stream, trimming the oldest entries.
func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.stream[stream], domain.StreamMessage{
		ID:      strconv.FormatInt(b.seq, 10) + "-0",
		Payload: payload,
	})
	if len(msgs) > streamMaxLen {
		msgs = msgs[len(msgs)-streamMaxLen:]
	}
	b.stream[stream] = msgs
	return nil
}

// StreamRead returns up to count entries after lastID.
func (b *Bus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := parseID(lastID)
	if err != nil {
		return nil, fmt.Errorf("memory: stream read %s: %w", stream, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.stream[stream] {
		id, _ := parseID(m.ID)
		if id <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func parseID(id string) (int64, error) {
	if id == "" || id == "0" || id == "0-0" {
		return 0, nil
	}
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			id = id[:i]
			break
		}
	}
	return strconv.ParseInt(id, 10, 64)
}

// Locks implements domain.LockManager within one process.
type Locks struct {
	mu    sync.Mutex
	held  map[string]lockEntry
	token uint64
	now   func() time.Time
}

type lockEntry struct {
	token   uint64
	expires time.Time
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]lockEntry), now: time.Now}
}

// Acquire takes key for ttl or fails with domain.ErrLockHeld.
func (l *Locks) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, fmt.Errorf("memory: acquire lock %s: %w", key, domain.ErrLockHeld)
	}
	l.token++
	token := l.token
	l.held[key] = lockEntry{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if e, ok := l.held[key]; ok && e.token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

// Limiter implements domain.RateLimiter as a sliding window log.
type Limiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewLimiter creates an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{hits: make(map[string][]time.Time), now: time.Now}
}

// Allow counts a request against key if it fits in limit per window.
func (l *Limiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-window)
	hits := l.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= limit {
		l.hits[key] = hits
		return false, nil
	}
	l.hits[key] = append(hits, now)
	return true, nil
}

// MarketCache implements domain.MarketCache with a map.
type MarketCache struct {
	mu      sync.RWMutex
	markets map[string]domain.Market
}

// NewMarketCache creates an empty MarketCache.
func NewMarketCache() *MarketCache {
	return &MarketCache{markets: make(map[string]domain.Market)}
}

// Set stores a snapshot.
func (c *MarketCache) Set(_ context.Context, m domain.Market) error {
	c.mu.Lock()
	c.markets[m.ID] = m
	c.mu.Unlock()
	return nil
}

// Get returns a snapshot or domain.ErrNotFound.
func (c *MarketCache) Get(_ context.Context, id string) (domain.Market, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

// Invalidate drops a snapshot.
func (c *MarketCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	delete(c.markets, id)
	c.mu.Unlock()
	return nil
}

var (
	_ domain.SignalBus   = (*Bus)(nil)
	_ domain.LockManager = (*Locks)(nil)
	_ domain.RateLimiter = (*Limiter)(nil)
	_ domain.MarketCache = (*MarketCache)(nil)
)
