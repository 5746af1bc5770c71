package session

import (
	"context"
	"sync"
)

// Store persists the clientID -> sessionID map.
type Store interface {
	// Get returns the session id for clientID, with found=false if none.
	Get(ctx context.Context, clientID string) (sessionID string, found bool, err error)
	// PutIfAbsent stores sessionID unless an entry exists, and returns the
	// entry that is stored afterwards.
	PutIfAbsent(ctx context.Context, clientID, sessionID string) (string, error)
	// Put stores sessionID, replacing any existing entry.
	Put(ctx context.Context, clientID, sessionID string) error
	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore is an in-process store. Entries live as long as the process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]string
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]string),
	}
}

func (m *MemoryStore) Get(_ context.Context, clientID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessions[clientID]
	return id, ok, nil
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, clientID, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.sessions[clientID]; ok {
		return id, nil
	}
	m.sessions[clientID] = sessionID
	return sessionID, nil
}

func (m *MemoryStore) Put(_ context.Context, clientID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[clientID] = sessionID
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// Len reports the number of entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
