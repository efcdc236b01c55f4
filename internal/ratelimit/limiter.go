// Package ratelimit bounds request rates per client key with token buckets.
//
// Buckets live in a fixed number of shards keyed by FNV-1a hash so that
// requests for different clients rarely share a lock. Each bucket is a
// rate.Limiter, which serializes concurrent takes from the same client.
package ratelimit

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const shardCount = 32

// ErrLimited is reported when a client has exhausted its budget.
var ErrLimited = errors.New("rate limit exceeded")

type Config struct {
	// Rate is the sustained refill in tokens per second.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
	// IdleTTL is how long a bucket may go unused before Sweep evicts it.
	// Zero means five windows, and never less than a minute.
	IdleTTL time.Duration
}

// Window is the time an empty bucket needs to refill completely.
func (c Config) Window() time.Duration {
	if c.Rate <= 0 {
		return 0
	}
	return time.Duration(float64(c.Burst) / c.Rate * float64(time.Second))
}

type bucket struct {
	lim *rate.Limiter
	// lastSeen is unix nanos; it only moves forward.
	lastSeen atomic.Int64
}

func (b *bucket) touch(nanos int64) {
	for {
		old := b.lastSeen.Load()
		if nanos <= old || b.lastSeen.CompareAndSwap(old, nanos) {
			return
		}
	}
}

type shard struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// Limiter holds one bucket per key.
type Limiter struct {
	cfg    Config
	clock  func() time.Time
	shards [shardCount]shard
}

type Option func(*Limiter)

func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.clock = fn
		}
	}
}

func New(cfg Config, opts ...Option) (*Limiter, error) {
	if cfg.Rate <= 0 || math.IsInf(cfg.Rate, 0) || math.IsNaN(cfg.Rate) {
		return nil, errors.New("ratelimit: rate must be a positive number")
	}
	if cfg.Burst < 1 {
		return nil, errors.New("ratelimit: burst must be at least 1")
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * cfg.Window()
		if cfg.IdleTTL < time.Minute {
			cfg.IdleTTL = time.Minute
		}
	}
	l := &Limiter{cfg: cfg, clock: time.Now}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*bucket)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Limiter) Config() Config { return l.cfg }

// Allow takes one token for key at the current time.
func (l *Limiter) Allow(key string) bool {
	return l.AllowAt(key, l.clock())
}

// AllowAt takes one token for key as of now.
func (l *Limiter) AllowAt(key string, now time.Time) bool {
	b := l.bucketFor(key, now)
	return b.lim.AllowN(now, 1)
}

// RetryAfter estimates how long key must wait for one token, rounded up to a
// whole second for the Retry-After header.
func (l *Limiter) RetryAfter(key string) time.Duration {
	now := l.clock()
	b := l.bucketFor(key, now)
	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return l.cfg.Window()
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	secs := time.Duration(math.Ceil(d.Seconds())) * time.Second
	if secs < time.Second {
		secs = time.Second
	}
	return secs
}

func (l *Limiter) bucketFor(key string, now time.Time) *bucket {
	s := &l.shards[shardIndex(key)]
	nanos := now.UnixNano()

	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		b.touch(nanos)
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; ok {
		b.touch(nanos)
		return b
	}
	b = &bucket{lim: rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)}
	b.lastSeen.Store(nanos)
	s.buckets[key] = b
	return b
}

// Sweep evicts buckets idle for longer than IdleTTL and returns the number left.
func (l *Limiter) Sweep(now time.Time) int {
	cutoff := now.Add(-l.cfg.IdleTTL).UnixNano()
	live := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for k, b := range s.buckets {
			if b.lastSeen.Load() < cutoff {
				delete(s.buckets, k)
			}
		}
		live += len(s.buckets)
		s.mu.Unlock()
	}
	return live
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.RLock()
		n += len(s.buckets)
		s.mu.RUnlock()
	}
	return n
}

// Run sweeps every interval until ctx is done. onSweep, when set, receives
// the live bucket count.
func (l *Limiter) Run(ctx context.Context, interval time.Duration, onSweep func(int)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := l.Sweep(l.clock())
			if onSweep != nil {
				onSweep(n)
			}
		}
	}
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
