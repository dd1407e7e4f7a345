package learningstore

import (
	"context"
	"sort"
	"sync"

	"github.com/codeready-toolchain/agentctl/internal/learning"
)

var (
	_ learning.Persister = (*MemoryStore)(nil)
	_ learning.Loader    = (*MemoryStore)(nil)
)

// MemoryStore is the fallback Persister used when no Postgres DSN is
// configured (archiving is optional). It keeps every
// saved learning in process memory for the life of the run.
type MemoryStore struct {
	mu    sync.Mutex
	saved []learning.Learning
}

// NewMemoryStore returns an empty in-memory archive.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save implements learning.Persister.
func (m *MemoryStore) Save(l learning.Learning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, l)
	return nil
}

// Recent implements learning.Loader for callers that don't care which
// backend is active, newest first, capped at limit.
func (m *MemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]learning.Learning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []learning.Learning
	for _, l := range m.saved {
		if l.SessionID == sessionID {
			matched = append(matched, l)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}
