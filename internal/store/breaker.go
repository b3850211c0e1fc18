package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit state of a BreakerStore.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation, calls pass through
	BreakerOpen                         // backend considered down, calls fail fast
	BreakerHalfOpen                     // probing whether the backend recovered
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrBreakerOpen reports a call that was rejected without reaching the
// backend. Callers see it as an ordinary store fault.
var ErrBreakerOpen = errors.New("store: circuit open")

// BreakerConfig tunes a BreakerStore. Zero values take defaults.
type BreakerConfig struct {
	// MaxProbes is how many calls may pass while half-open; that many
	// consecutive successes close the circuit again.
	MaxProbes uint32

	// Interval is the closed-state period after which counts reset, so
	// sporadic faults spread over hours never accumulate into a trip.
	Interval time.Duration

	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration

	// ReadyToTrip decides, on each fault while closed, whether to open
	// the circuit. The default trips on 5 consecutive faults.
	ReadyToTrip func(Counts) bool

	// OnStateChange is called outside the breaker's lock on every
	// transition.
	OnStateChange func(from, to BreakerState)
}

// Counts carries the call statistics of the current generation.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns the fraction of failed calls in this generation.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Failures) / float64(c.Requests)
}

func (c *Counts) clear() {
	*c = Counts{}
}

// Requests is counted once per call in before; onSuccess and onFailure
// only record the outcome.
func (c *Counts) onSuccess() {
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// BreakerStore wraps a Store with a circuit breaker so a dead backend
// fails fast instead of stalling every websocket handler on timeouts.
// Only request/response operations are guarded; Subscribe is a stream
// and Ping must always reach the backend so health checks report the
// real state.
//
// ErrNotFound is a negative answer, not a fault, and never counts
// against the circuit.
type BreakerStore struct {
	inner Store
	cfg   BreakerConfig

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	counts     Counts
	expiry     time.Time
}

// WithBreaker wraps inner with a circuit breaker.
func WithBreaker(inner Store, cfg BreakerConfig) *BreakerStore {
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 3
	}
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = func(c Counts) bool {
			return c.ConsecutiveFailures >= 5
		}
	}
	return &BreakerStore{inner: inner, cfg: cfg}
}

// State returns the current circuit state.
func (b *BreakerStore) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

// isFault reports whether an error means the backend misbehaved rather
// than answered negatively.
func isFault(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}

func (b *BreakerStore) do(op func() error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}
	opErr := op()
	b.after(generation, !isFault(opErr))
	return opErr
}

func (b *BreakerStore) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == BreakerOpen {
		return generation, ErrBreakerOpen
	}
	if state == BreakerHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return generation, ErrBreakerOpen
	}
	b.counts.Requests++
	return generation, nil
}

func (b *BreakerStore) after(generation uint64, success bool) {
	b.mu.Lock()
	now := time.Now()
	state, current := b.currentState(now)
	if generation != current {
		// Result from a previous generation; the circuit already moved on.
		b.mu.Unlock()
		return
	}

	var transition func()
	if success {
		transition = b.onSuccess(state, now)
	} else {
		transition = b.onFailure(state, now)
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

func (b *BreakerStore) onSuccess(state BreakerState, now time.Time) func() {
	switch state {
	case BreakerClosed:
		b.counts.onSuccess()
	case BreakerHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			return b.setState(BreakerClosed, now)
		}
	}
	return nil
}

func (b *BreakerStore) onFailure(state BreakerState, now time.Time) func() {
	switch state {
	case BreakerClosed:
		b.counts.onFailure()
		if b.cfg.ReadyToTrip(b.counts) {
			return b.setState(BreakerOpen, now)
		}
	case BreakerHalfOpen:
		return b.setState(BreakerOpen, now)
	}
	return nil
}

// currentState advances expired states before reporting. Callers hold
// b.mu.
func (b *BreakerStore) currentState(now time.Time) (BreakerState, uint64) {
	switch b.state {
	case BreakerClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case BreakerOpen:
		if b.expiry.Before(now) {
			if fn := b.setState(BreakerHalfOpen, now); fn != nil {
				// Transitions discovered during state reads still notify.
				go fn()
			}
		}
	}
	return b.state, b.generation
}

// setState returns the notification callback to run after releasing
// b.mu, or nil.
func (b *BreakerStore) setState(state BreakerState, now time.Time) func() {
	if b.state == state {
		return nil
	}
	from := b.state
	b.state = state
	b.newGeneration(now)

	if b.cfg.OnStateChange == nil {
		return nil
	}
	notify := b.cfg.OnStateChange
	return func() { notify(from, state) }
}

func (b *BreakerStore) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	switch b.state {
	case BreakerClosed:
		b.expiry = now.Add(b.cfg.Interval)
	case BreakerOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}

func (b *BreakerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.do(func() error { return b.inner.Set(ctx, key, value, ttl) })
}

func (b *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.do(func() error {
		var err error
		out, err = b.inner.Get(ctx, key)
		return err
	})
	return out, err
}

func (b *BreakerStore) Del(ctx context.Context, keys ...string) error {
	return b.do(func() error { return b.inner.Del(ctx, keys...) })
}

func (b *BreakerStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := b.do(func() error {
		var err error
		ok, err = b.inner.Expire(ctx, key, ttl)
		return err
	})
	return ok, err
}

func (b *BreakerStore) Persist(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := b.do(func() error {
		var err error
		ok, err = b.inner.Persist(ctx, key)
		return err
	})
	return ok, err
}

func (b *BreakerStore) HSetNX(ctx context.Context, key, field, value string) (bool, error) {
	var won bool
	err := b.do(func() error {
		var err error
		won, err = b.inner.HSetNX(ctx, key, field, value)
		return err
	})
	return won, err
}

func (b *BreakerStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	return b.do(func() error { return b.inner.HSet(ctx, key, fields) })
}

func (b *BreakerStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := b.do(func() error {
		var err error
		out, err = b.inner.HGetAll(ctx, key)
		return err
	})
	return out, err
}

func (b *BreakerStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	var n int64
	err := b.do(func() error {
		var err error
		n, err = b.inner.HIncrBy(ctx, key, field, delta)
		return err
	})
	return n, err
}

func (b *BreakerStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return b.do(func() error { return b.inner.ZAdd(ctx, key, score, member) })
}

func (b *BreakerStore) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return b.do(func() error { return b.inner.ZRemRangeByScore(ctx, key, min, max) })
}

func (b *BreakerStore) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := b.do(func() error {
		var err error
		n, err = b.inner.ZCard(ctx, key)
		return err
	})
	return n, err
}

func (b *BreakerStore) SAdd(ctx context.Context, key string, members ...string) error {
	return b.do(func() error { return b.inner.SAdd(ctx, key, members...) })
}

func (b *BreakerStore) SRem(ctx context.Context, key string, members ...string) error {
	return b.do(func() error { return b.inner.SRem(ctx, key, members...) })
}

func (b *BreakerStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := b.do(func() error {
		var err error
		out, err = b.inner.SMembers(ctx, key)
		return err
	})
	return out, err
}

func (b *BreakerStore) LPushTrim(ctx context.Context, key string, value []byte, maxLen int64) error {
	return b.do(func() error { return b.inner.LPushTrim(ctx, key, value, maxLen) })
}

func (b *BreakerStore) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	var out [][]byte
	err := b.do(func() error {
		var err error
		out, err = b.inner.LRange(ctx, key, start, stop)
		return err
	})
	return out, err
}

func (b *BreakerStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.do(func() error { return b.inner.Publish(ctx, channel, payload) })
}

func (b *BreakerStore) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	return b.inner.Subscribe(ctx, channel, handler)
}

func (b *BreakerStore) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}

func (b *BreakerStore) Close() error {
	return b.inner.Close()
}
