package cachestore

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is the mutex-guarded in-process Store implementation. Expired keys
// are reaped lazily on access.
type Memory struct {
	mu     sync.RWMutex
	values map[string]memoryEntry
	sets   map[string]map[string]struct{}
	lists  map[string][]string
	clock  func() time.Time
	closed bool
}

// MemoryConfig configures the in-memory store.
type MemoryConfig struct {
	Clock func() time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory(cfg MemoryConfig) *Memory {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		values: make(map[string]memoryEntry),
		sets:   make(map[string]map[string]struct{}),
		lists:  make(map[string][]string),
		clock:  clock,
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	entry, ok := m.values[key]
	if !ok {
		return "", false, nil
	}
	if entry.expired(m.clock()) {
		delete(m.values, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.setLocked(key, value, ttl)
	return nil
}

func (m *Memory) setLocked(key, value string, ttl time.Duration) {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.clock().Add(ttl)
	}
	m.values[key] = entry
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, key := range keys {
		m.deleteLocked(key)
	}
	return nil
}

func (m *Memory) deleteLocked(key string) {
	delete(m.values, key)
	delete(m.sets, key)
	delete(m.lists, key)
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.saddLocked(key, members)
	return nil
}

func (m *Memory) saddLocked(key string, members []string) {
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.sremLocked(key, members)
	return nil
}

func (m *Memory) sremLocked(key string, members []string) {
	set, ok := m.sets[key]
	if !ok {
		return
	}
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	set := m.sets[key]
	if len(set) == 0 {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.sets[key])), nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.lpushLocked(key, values)
	return nil
}

func (m *Memory) lpushLocked(key string, values []string) {
	list := m.lists[key]
	for _, value := range values {
		list = append([]string{value}, list...)
	}
	m.lists[key] = list
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	list := m.lists[key]
	length := int64(len(list))
	if length == 0 {
		return nil, nil
	}
	if start < 0 {
		start = length + start
	}
	if stop < 0 {
		stop = length + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop {
		return nil, nil
	}
	result := make([]string, stop-start+1)
	copy(result, list[start:stop+1])
	return result, nil
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.lists[key])), nil
}

func (m *Memory) Apply(_ context.Context, batch *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, op := range batch.ops {
		switch op.kind {
		case opSet:
			m.setLocked(op.key, op.value, op.ttl)
		case opDelete:
			m.deleteLocked(op.key)
		case opSAdd:
			m.saddLocked(op.key, op.members)
		case opSRem:
			m.sremLocked(op.key, op.members)
		case opLPush:
			m.lpushLocked(op.key, op.members)
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.values = nil
	m.sets = nil
	m.lists = nil
	return nil
}
