package limiter

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	failCount    int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory is an in-process limiter with sliding window and lockout. State is
// per (username, ip) and lost on restart, which is acceptable for a single
// terminal process.
type Memory struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	window   time.Duration
	maxFails int
	blockFor time.Duration

	now func() time.Time
}

// NewMemory constructs an in-memory limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{
		buckets:  make(map[string]*bucket),
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
	}
}

func key(username string, ipHash []byte) string {
	return username + "\x00" + string(ipHash)
}

// Allow reports whether login is currently allowed and a retry-after duration.
func (l *Memory) Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key(username, ipHash)]
	if !ok {
		return true, 0, nil
	}
	if now := l.now(); b.blockedUntil.After(now) {
		return false, b.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success resets counters for (username, ip).
func (l *Memory) Success(ctx context.Context, username string, ipHash []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key(username, ipHash))
	return nil
}

// Failure records a failed attempt; may set a block until a future time.
func (l *Memory) Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := key(username, ipHash)
	b, ok := l.buckets[k]
	if !ok || now.Sub(b.updatedAt) > l.window {
		b = &bucket{}
		l.buckets[k] = b
	}
	b.failCount++
	b.updatedAt = now

	if b.failCount >= l.maxFails {
		b.blockedUntil = now.Add(l.blockFor)
		return true, l.blockFor, nil
	}
	return false, 0, nil
}

var _ Limiter = (*Memory)(nil)
