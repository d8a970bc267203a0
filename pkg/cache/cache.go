// Package cache holds values derived from a subject's memberships. The API
// read endpoints fill it, membership recomputation invalidates it. Keys are
// namespaced by subject single id so that every entry derived from a
// subject's memberships can be dropped by prefix.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Cache stores derived values that must be dropped when a subject's
// memberships change.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)
}

// SubjectKey builds the key of a value derived from subject's memberships.
func SubjectKey(subject string, parts ...string) string {
	return SubjectPrefix(subject) + strings.Join(parts, ":")
}

// SubjectPrefix is the prefix shared by every key of subject.
func SubjectPrefix(subject string) string {
	return "circles:" + subject + ":"
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || (!e.expires.IsZero() && m.now().After(e.expires)) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) InvalidatePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.entries {
		if strings.HasPrefix(k, prefix) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
