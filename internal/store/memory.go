package store

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. It emulates the Redis
// contracts the pairing subsystem relies on, TTLs included, so a broker
// without Redis configured behaves identically on a single instance.
// Pub/sub stays local to the process.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	strings map[string][]byte
	hashes  map[string]map[string]string
	zsets   map[string]map[string]float64
	sets    map[string]map[string]struct{}
	lists   map[string][][]byte
	expiry  map[string]time.Time

	subMu  sync.RWMutex
	subs   map[string]map[int]func([]byte)
	nextID int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		strings: make(map[string][]byte),
		hashes:  make(map[string]map[string]string),
		zsets:   make(map[string]map[string]float64),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][][]byte),
		expiry:  make(map[string]time.Time),
		subs:    make(map[string]map[int]func([]byte)),
	}
}

// evictExpired drops a key whose TTL has passed. Caller holds mu.
func (m *MemoryStore) evictExpired(key string) {
	if exp, ok := m.expiry[key]; ok && !exp.After(m.now()) {
		m.deleteKey(key)
	}
}

// deleteKey removes a key from every container. Caller holds mu.
func (m *MemoryStore) deleteKey(key string) {
	delete(m.strings, key)
	delete(m.hashes, key)
	delete(m.zsets, key)
	delete(m.sets, key)
	delete(m.lists, key)
	delete(m.expiry, key)
}

// exists reports whether the key lives in any container. Caller holds mu.
func (m *MemoryStore) exists(key string) bool {
	if _, ok := m.strings[key]; ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.zsets[key]; ok {
		return true
	}
	if _, ok := m.sets[key]; ok {
		return true
	}
	_, ok := m.lists[key]
	return ok
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = append([]byte(nil), value...)
	// Plain SET replaces any previous TTL.
	if ttl > 0 {
		m.expiry[key] = m.now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	val, ok := m.strings[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), val...), nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.deleteKey(key)
	}
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	if !m.exists(key) {
		return false, nil
	}
	m.expiry[key] = m.now().Add(ttl)
	return true, nil
}

func (m *MemoryStore) Persist(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	if _, ok := m.expiry[key]; !ok {
		return false, nil
	}
	delete(m.expiry, key)
	return true, nil
}

func (m *MemoryStore) HSetNX(_ context.Context, key, field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	if _, taken := h[field]; taken {
		return false, nil
	}
	h[field] = value
	return true, nil
}

func (m *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	cur, err := strconv.ParseInt(h[field], 10, 64)
	if h[field] != "" && err != nil {
		return 0, fmt.Errorf("hincrby %s %s: not an integer", key, field)
	}
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *MemoryStore) ZRemRangeByScore(_ context.Context, key, min, max string) error {
	lo, loExcl, err := parseZBound(min, math.Inf(-1))
	if err != nil {
		return err
	}
	hi, hiExcl, err := parseZBound(max, math.Inf(1))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	z := m.zsets[key]
	for member, score := range z {
		if score < lo || (loExcl && score == lo) {
			continue
		}
		if score > hi || (hiExcl && score == hi) {
			continue
		}
		delete(z, member)
	}
	if len(z) == 0 {
		delete(m.zsets, key)
	}
	return nil
}

func (m *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	return int64(len(m.zsets[key])), nil
}

// parseZBound understands the Redis range syntax: "-inf", "+inf", a
// number, or "(number" for an exclusive bound.
func parseZBound(s string, inf float64) (float64, bool, error) {
	switch s {
	case "-inf", "+inf", "inf":
		return inf, false, nil
	}
	exclusive := strings.HasPrefix(s, "(")
	v, err := strconv.ParseFloat(strings.TrimPrefix(s, "("), 64)
	if err != nil {
		return 0, false, fmt.Errorf("bad zset bound %q: %w", s, err)
	}
	return v, exclusive, nil
}

func (m *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	set := m.sets[key]
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	return out, nil
}

func (m *MemoryStore) LPushTrim(_ context.Context, key string, value []byte, maxLen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	list := append([][]byte{append([]byte(nil), value...)}, m.lists[key]...)
	if int64(len(list)) > maxLen {
		list = list[:maxLen]
	}
	m.lists[key] = list
	return nil
}

func (m *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictExpired(key)
	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (m *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	m.subMu.RLock()
	handlers := make([]func([]byte), 0, len(m.subs[channel]))
	for _, h := range m.subs[channel] {
		handlers = append(handlers, h)
	}
	m.subMu.RUnlock()

	msg := append([]byte(nil), payload...)
	for _, h := range handlers {
		// Async like Redis delivery; handlers must not assume ordering
		// against the publisher.
		go h(msg)
	}
	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextID
	m.nextID++
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]func([]byte))
	}
	m.subs[channel][id] = handler

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs[channel], id)
	}, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
