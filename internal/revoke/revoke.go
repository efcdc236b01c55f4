// Package revoke holds deny-lists of revoked session token ids. Entries live
// until the token would have expired, after which they are dropped.
package revoke

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var errEmptyID = errors.New("token id is required")

// Memory is a process-local deny-list.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	clock   func() time.Time
}

func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{entries: make(map[string]time.Time), clock: clock}
}

func (m *Memory) Revoke(_ context.Context, tokenID string, until time.Time) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return errEmptyID
	}
	if !until.After(m.clock()) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.entries[tokenID]; !ok || until.After(prev) {
		m.entries[tokenID] = until
	}
	return nil
}

func (m *Memory) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.RLock()
	until, ok := m.entries[tokenID]
	m.mu.RUnlock()
	return ok && m.clock().Before(until), nil
}

// Sweep drops expired entries and returns how many remain.
func (m *Memory) Sweep() int {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, until := range m.entries {
		if !now.Before(until) {
			delete(m.entries, id)
		}
	}
	return len(m.entries)
}

// Run sweeps every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
