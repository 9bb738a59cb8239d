package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/infermesh/infermesh/internal/logx"
)

// Limiter enforces a per-client request budget over a fixed window.
type Limiter interface {
	// Allow reports whether clientID may make another request now.
	Allow(ctx context.Context, clientID string) (bool, error)
	Close()
}

type windowEntry struct {
	count       int
	windowStart time.Time
}

// MemoryLimiter counts requests per client in process memory. A client's
// window resets once it expires; entries idle for more than two windows are
// garbage collected.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*windowEntry
	window  time.Duration
	max     int
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryLimiter starts the limiter and its GC loop.
func NewMemoryLimiter(window time.Duration, max int) *MemoryLimiter {
	l := &MemoryLimiter{
		entries: make(map[string]*windowEntry),
		window:  window,
		max:     max,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.gcLoop()
	return l
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, clientID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.entries[clientID]
	if !ok || now.Sub(e.windowStart) >= l.window {
		l.entries[clientID] = &windowEntry{count: 1, windowStart: now}
		return true, nil
	}
	if e.count >= l.max {
		return false, nil
	}
	e.count++
	return true, nil
}

func (l *MemoryLimiter) gcLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.gc()
		}
	}
}

// gc drops entries whose window started more than two windows ago.
func (l *MemoryLimiter) gc() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-2 * l.window)
	for id, e := range l.entries {
		if e.windowStart.Before(cutoff) {
			delete(l.entries, id)
		}
	}
}

// Close stops the GC loop.
func (l *MemoryLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

// Tracked returns the number of live entries. Used by tests to pin GC.
func (l *MemoryLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RedisLimiter shares the budget across gateway replicas. Each client's
// window is one Redis counter that expires with the window.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
	max    int
}

// NewRedisLimiter connects to addr, accepting either a bare host:port or a
// redis:// URL.
func NewRedisLimiter(addr string, window time.Duration, max int) (*RedisLimiter, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisLimiter{client: client, window: window, max: max}, nil
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, clientID string) (bool, error) {
	key := "ratelimit:" + clientID
	n, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, err
		}
	}
	return n <= int64(l.max), nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() {
	if err := l.client.Close(); err != nil {
		logx.Log.Warn().Err(err).Msg("redis close")
	}
}
