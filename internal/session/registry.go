// Package session maps HTTP caller ids to stable gateway chat sessions.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// SuffixLength is the length of the random part of a session id.
const SuffixLength = 8

// Registry hands out session ids of the form "<clientID>:<suffix>". The id
// for a client is created on first use and only changes on Renew.
type Registry struct {
	// mu serializes read-modify-write so a concurrent create cannot clobber
	// a renewal for the same client.
	mu     sync.Mutex
	store  Store
	random func(n int) string
	logger zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithRandom replaces the suffix generator.
func WithRandom(fn func(n int) string) Option {
	return func(r *Registry) { r.random = fn }
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store Store, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		random: RandomString,
		logger: logger.With().Str("component", "session-registry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the session id for clientID, creating one if needed.
func (r *Registry) GetOrCreate(ctx context.Context, clientID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, found, err := r.store.Get(ctx, clientID)
	if err != nil {
		return "", fmt.Errorf("looking up session for %q: %w", clientID, err)
	}
	if found {
		return id, nil
	}

	id, err = r.store.PutIfAbsent(ctx, clientID, r.newID(clientID))
	if err != nil {
		return "", fmt.Errorf("creating session for %q: %w", clientID, err)
	}
	r.logger.Debug().Str("client_id", clientID).Str("session_id", id).Msg("session created")
	return id, nil
}

// Renew replaces the session id for clientID with a fresh one.
func (r *Registry) Renew(ctx context.Context, clientID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID(clientID)
	if err := r.store.Put(ctx, clientID, id); err != nil {
		return "", fmt.Errorf("renewing session for %q: %w", clientID, err)
	}
	r.logger.Info().Str("client_id", clientID).Str("session_id", id).Msg("session renewed")
	return id, nil
}

// Ping checks the backing store.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func (r *Registry) newID(clientID string) string {
	return clientID + ":" + r.random(SuffixLength)
}
