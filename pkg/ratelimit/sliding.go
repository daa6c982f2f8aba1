package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
)

// SlidingWindow is an in-process sliding-window limiter. State is split
// across shards chosen by key hash; each shard has its own lock, so
// requests for unrelated keys rarely contend.
//
// SlidingWindow is safe for concurrent use by multiple goroutines.
type SlidingWindow struct {
	limit  int
	window time.Duration
	clock  clockwork.Clock
	shards []*shard
}

type shard struct {
	mu   sync.Mutex
	keys *simplelru.LRU[string, *window]
}

// window holds accepted request times in ascending order.
type window struct {
	hits []time.Time
}

// Option configures a [SlidingWindow].
type Option func(*SlidingWindow)

// WithClock sets the clock requests are timed with.
func WithClock(c clockwork.Clock) Option {
	return func(sw *SlidingWindow) { sw.clock = c }
}

// Compile-time assertion that SlidingWindow implements Limiter.
var _ Limiter = (*SlidingWindow)(nil)

// NewSlidingWindow returns an empty limiter for cfg.
func NewSlidingWindow(cfg Config, opts ...Option) (*SlidingWindow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sw := &SlidingWindow{
		limit:  cfg.Limit,
		window: cfg.Window,
		clock:  clockwork.NewRealClock(),
		shards: make([]*shard, cfg.Shards),
	}
	for _, opt := range opts {
		opt(sw)
	}
	for i := range sw.shards {
		lru, err := simplelru.NewLRU[string, *window](cfg.MaxKeysPerShard, nil)
		if err != nil {
			return nil, err
		}
		sw.shards[i] = &shard{keys: lru}
	}
	return sw, nil
}

// Allow reports whether key may make another request now, and records it
// if so.
func (sw *SlidingWindow) Allow(key string) bool {
	return sw.Check(key).Allowed
}

// Check is Allow with the full decision.
func (sw *SlidingWindow) Check(key string) Decision {
	now := sw.clock.Now()
	s := sw.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.keys.Get(key)
	if !ok {
		w = &window{}
		s.keys.Add(key, w)
	}
	w.prune(now.Add(-sw.window))

	if len(w.hits) >= sw.limit {
		return Decision{
			Limit:      sw.limit,
			RetryAfter: w.hits[0].Add(sw.window).Sub(now),
		}
	}
	w.hits = append(w.hits, now)
	return Decision{
		Allowed:   true,
		Limit:     sw.limit,
		Remaining: sw.limit - len(w.hits),
	}
}

// Take implements [Limiter]. It never returns an error.
func (sw *SlidingWindow) Take(_ context.Context, key string) (Decision, error) {
	return sw.Check(key), nil
}

// Remaining returns how many requests key may make now without recording
// anything.
func (sw *SlidingWindow) Remaining(key string) int {
	now := sw.clock.Now()
	s := sw.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.keys.Peek(key)
	if !ok {
		return sw.limit
	}
	w.prune(now.Add(-sw.window))
	return sw.limit - len(w.hits)
}

// Sweep forgets every key with no requests left in the window and returns
// how many were removed. Shards are swept one at a time.
func (sw *SlidingWindow) Sweep() int {
	cutoff := sw.clock.Now().Add(-sw.window)
	removed := 0
	for _, s := range sw.shards {
		s.mu.Lock()
		for _, key := range s.keys.Keys() {
			w, ok := s.keys.Peek(key)
			if !ok {
				continue
			}
			w.prune(cutoff)
			if len(w.hits) == 0 {
				s.keys.Remove(key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (sw *SlidingWindow) Len() int {
	n := 0
	for _, s := range sw.shards {
		s.mu.Lock()
		n += s.keys.Len()
		s.mu.Unlock()
	}
	return n
}

func (sw *SlidingWindow) shardFor(key string) *shard {
	return sw.shards[xxhash.Sum64String(key)%uint64(len(sw.shards))]
}

// prune drops hits at or before cutoff.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.hits, w.hits[i:])
	w.hits = w.hits[:n]
}
