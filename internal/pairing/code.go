package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/termlink/broker/internal/store"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Code entry hash fields.
const (
	fieldRunnerID  = "runner_id"
	fieldCreatedAt = "created_at"
	fieldExpiresAt = "expires_at"
	fieldUsedCount = "used_count"
	fieldIsActive  = "is_active"
)

const (
	// DefaultCodeTTL bounds how long an unused code stays claimable.
	DefaultCodeTTL = 24 * time.Hour
	// DefaultRegisterAttempts bounds generate-and-claim rounds before the
	// allocator gives up.
	DefaultRegisterAttempts = 3
)

// CodeEntry is one advertised pairing code as stored.
type CodeEntry struct {
	Code      string
	RunnerID  string
	CreatedAt int64 // epoch ms
	ExpiresAt int64 // epoch ms; 0 once the code has been used
	UsedCount int64
	IsActive  bool // soft-retirement flag; inactive entries read as not found
}

// AllocatorConfig tunes the Allocator. Zero values take the defaults.
type AllocatorConfig struct {
	TTL         time.Duration
	MaxAttempts int
}

// Allocator owns the pairing code registry: generating codes, claiming
// them for a Runner, validating App-submitted codes and retiring them.
//
// A claim is a single conditional write of the owner field, so two brokers
// (or two Runners) racing for one code resolve without coordination: the
// store picks exactly one winner.
type Allocator struct {
	store       store.Store
	ttl         time.Duration
	maxAttempts int
	now         func() time.Time
}

func NewAllocator(s store.Store, cfg AllocatorConfig) *Allocator {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultCodeTTL
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultRegisterAttempts
	}
	return &Allocator{
		store:       s,
		ttl:         cfg.TTL,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
	}
}

// generateCode returns a random XXX-XXX-XXX code.
func generateCode() (string, error) {
	chars := make([]byte, 0, 9)
	var buf [16]byte
	for len(chars) < 9 {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if len(chars) == 9 {
				break
			}
			// 252 is the highest multiple of 36 below 256; rejecting
			// bytes above it keeps the draw uniform.
			if b >= 252 {
				continue
			}
			chars = append(chars, codeAlphabet[int(b)%len(codeAlphabet)])
		}
	}
	return string(chars[0:3]) + "-" + string(chars[3:6]) + "-" + string(chars[6:9]), nil
}

// Register claims a specific code for a Runner. An active claim by another
// Runner yields ErrDuplicateCode; re-registering the Runner's own code
// refreshes it. Any previously advertised code of the Runner is retired
// once the new claim lands.
func (a *Allocator) Register(ctx context.Context, runnerID, code string) error {
	prev, err := a.CodeOf(ctx, runnerID)
	if err != nil && !errors.Is(err, ErrCodeNotFound) {
		return err
	}

	// Two rounds: the second retries after sweeping an expired or
	// half-written claim found by the first.
	for attempt := 0; attempt < 2; attempt++ {
		won, err := a.store.HSetNX(ctx, codeKey(code), fieldRunnerID, runnerID)
		if err != nil {
			return fmt.Errorf("claim code: %w", err)
		}
		if won {
			if err := a.finishClaim(ctx, runnerID, code); err != nil {
				return err
			}
			if prev != "" && prev != code {
				_ = a.store.Del(ctx, codeKey(prev))
			}
			return nil
		}

		entry, err := a.load(ctx, code)
		if errors.Is(err, ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if entry.RunnerID == runnerID {
			return a.refresh(ctx, runnerID, entry)
		}
		if entry.ExpiresAt > 0 && a.now().UnixMilli() >= entry.ExpiresAt {
			a.remove(ctx, code, entry.RunnerID)
			continue
		}
		return ErrDuplicateCode
	}
	return ErrDuplicateCode
}

// RegisterNew generates and claims a fresh code for a Runner, retrying on
// collision up to the attempt budget before reporting ErrExhausted.
func (a *Allocator) RegisterNew(ctx context.Context, runnerID string) (string, error) {
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		switch err := a.Register(ctx, runnerID, code); {
		case errors.Is(err, ErrDuplicateCode):
			continue
		case err != nil:
			return "", err
		}
		return code, nil
	}
	return "", ErrExhausted
}

// Validate resolves a well-formed code to its entry. Expired entries are
// swept on sight and reported as ErrCodeExpired; missing ones as
// ErrCodeNotFound.
func (a *Allocator) Validate(ctx context.Context, code string) (*CodeEntry, error) {
	entry, err := a.load(ctx, code)
	if err != nil {
		return nil, err
	}
	if entry.ExpiresAt > 0 && a.now().UnixMilli() >= entry.ExpiresAt {
		a.remove(ctx, code, entry.RunnerID)
		return nil, ErrCodeExpired
	}
	return entry, nil
}

// MarkUsed counts a successful pair against the code. The first use pins
// the code and the Runner index for the binding's lifetime by dropping
// their TTLs.
func (a *Allocator) MarkUsed(ctx context.Context, code, runnerID string) (int64, error) {
	used, err := a.store.HIncrBy(ctx, codeKey(code), fieldUsedCount, 1)
	if err != nil {
		return 0, fmt.Errorf("count code use: %w", err)
	}
	if used == 1 {
		if err := a.store.HSet(ctx, codeKey(code), map[string]string{fieldExpiresAt: "0"}); err != nil {
			return used, fmt.Errorf("pin code entry: %w", err)
		}
		if _, err := a.store.Persist(ctx, codeKey(code)); err != nil {
			return used, fmt.Errorf("pin code entry: %w", err)
		}
		if _, err := a.store.Persist(ctx, runnerCodeKey(runnerID)); err != nil {
			return used, fmt.Errorf("pin runner index: %w", err)
		}
	}
	return used, nil
}

// Invalidate retires a code regardless of state. Idempotent.
func (a *Allocator) Invalidate(ctx context.Context, code string) error {
	entry, err := a.load(ctx, code)
	if errors.Is(err, ErrCodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	a.remove(ctx, code, entry.RunnerID)
	return nil
}

// ReleaseRunner retires whatever code the Runner currently advertises and
// returns it. No code registered is not an error.
func (a *Allocator) ReleaseRunner(ctx context.Context, runnerID string) (string, error) {
	raw, err := a.store.Get(ctx, runnerCodeKey(runnerID))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load runner index: %w", err)
	}
	code := string(raw)
	if err := a.store.Del(ctx, codeKey(code), runnerCodeKey(runnerID)); err != nil {
		return code, fmt.Errorf("release code: %w", err)
	}
	return code, nil
}

// CodeOf returns the code a Runner currently advertises.
func (a *Allocator) CodeOf(ctx context.Context, runnerID string) (string, error) {
	raw, err := a.store.Get(ctx, runnerCodeKey(runnerID))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrCodeNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load runner index: %w", err)
	}
	return string(raw), nil
}

func (a *Allocator) load(ctx context.Context, code string) (*CodeEntry, error) {
	fields, err := a.store.HGetAll(ctx, codeKey(code))
	if err != nil {
		return nil, fmt.Errorf("load code entry: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrCodeNotFound
	}
	runnerID := fields[fieldRunnerID]
	expiresAt, expErr := strconv.ParseInt(fields[fieldExpiresAt], 10, 64)
	if runnerID == "" || expErr != nil {
		// Half-written claim from a crashed register; sweep it.
		_ = a.store.Del(ctx, codeKey(code))
		return nil, ErrCodeNotFound
	}
	if fields[fieldIsActive] == "0" {
		// Soft-retired; the store TTL collects it.
		return nil, ErrCodeNotFound
	}
	createdAt, _ := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	usedCount, _ := strconv.ParseInt(fields[fieldUsedCount], 10, 64)
	return &CodeEntry{
		Code:      code,
		RunnerID:  runnerID,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		UsedCount: usedCount,
		IsActive:  true,
	}, nil
}

// storeTTL is the physical expiry backstop, one full logical TTL past
// expires_at. A pair attempt in that window still reads the entry and
// reports the code as expired rather than unknown.
func (a *Allocator) storeTTL() time.Duration { return 2 * a.ttl }

func (a *Allocator) finishClaim(ctx context.Context, runnerID, code string) error {
	nowMs := a.now().UnixMilli()
	fields := map[string]string{
		fieldCreatedAt: strconv.FormatInt(nowMs, 10),
		fieldExpiresAt: strconv.FormatInt(nowMs+a.ttl.Milliseconds(), 10),
		fieldUsedCount: "0",
		fieldIsActive:  "1",
	}
	if err := a.store.HSet(ctx, codeKey(code), fields); err != nil {
		_ = a.store.Del(ctx, codeKey(code))
		return fmt.Errorf("write code entry: %w", err)
	}
	if _, err := a.store.Expire(ctx, codeKey(code), a.storeTTL()); err != nil {
		_ = a.store.Del(ctx, codeKey(code))
		return fmt.Errorf("set code ttl: %w", err)
	}
	if err := a.store.Set(ctx, runnerCodeKey(runnerID), []byte(code), a.storeTTL()); err != nil {
		return fmt.Errorf("write runner index: %w", err)
	}
	return nil
}

// refresh re-arms the Runner's existing claim on a reconnect.
func (a *Allocator) refresh(ctx context.Context, runnerID string, entry *CodeEntry) error {
	if entry.UsedCount > 0 {
		// Already pinned by a binding; keep it pinned.
		return a.store.Set(ctx, runnerCodeKey(runnerID), []byte(entry.Code), 0)
	}
	nowMs := a.now().UnixMilli()
	expires := strconv.FormatInt(nowMs+a.ttl.Milliseconds(), 10)
	if err := a.store.HSet(ctx, codeKey(entry.Code), map[string]string{fieldExpiresAt: expires}); err != nil {
		return fmt.Errorf("refresh code entry: %w", err)
	}
	if _, err := a.store.Expire(ctx, codeKey(entry.Code), a.storeTTL()); err != nil {
		return fmt.Errorf("refresh code ttl: %w", err)
	}
	return a.store.Set(ctx, runnerCodeKey(runnerID), []byte(entry.Code), a.storeTTL())
}

// remove deletes a code entry and, when it still points here, the owning
// Runner's index.
func (a *Allocator) remove(ctx context.Context, code, runnerID string) {
	keys := []string{codeKey(code)}
	if runnerID != "" {
		if cur, err := a.store.Get(ctx, runnerCodeKey(runnerID)); err == nil && string(cur) == code {
			keys = append(keys, runnerCodeKey(runnerID))
		}
	}
	_ = a.store.Del(ctx, keys...)
}
