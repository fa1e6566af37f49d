// KFRelay - WeCom customer-service to gateway relay
// Binding state: pending tokens and permanent user-to-gateway bindings

package binding

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"sync"
	"time"
)

// DefaultPendingTTL is how long a pending token stays resolvable unless
// the caller picks its own TTL.
const DefaultPendingTTL = 15 * time.Minute

const tokenBytes = 10 // 16 base32 characters

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Store maps external users to gateways and hands out short-lived pending
// tokens that promote to bindings on first match.
type Store interface {
	// CreatePending issues a fresh single-use token for gatewayID.
	CreatePending(gatewayID string, ttl time.Duration) (string, error)
	// ResolvePending consumes candidate if it matches an unexpired pending
	// token and returns the owning gateway id.
	ResolvePending(candidate string) (string, bool)
	// Bind upserts the binding, replacing any prior gateway for the user.
	Bind(externalUserID, gatewayID string) error
	// Lookup returns the gateway bound to the user, if any.
	Lookup(externalUserID string) (string, bool)
	// UnbindAll removes every binding targeting gatewayID and reports how
	// many were removed.
	UnbindAll(gatewayID string) (int, error)
	Close() error
}

type pendingEntry struct {
	gatewayID string
	expiresAt time.Time
}

// MemoryStore keeps both indices in process memory under one mutex.
// Pending tokens are pruned lazily on each access.
type MemoryStore struct {
	mu       sync.Mutex
	pending  map[string]pendingEntry
	bindings map[string]string
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending:  make(map[string]pendingEntry),
		bindings: make(map[string]string),
		now:      time.Now,
	}
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate binding token: %w", err)
	}
	return tokenEncoding.EncodeToString(buf), nil
}

func (s *MemoryStore) CreatePending(gatewayID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	for i := 0; i < 5; i++ {
		token, err := newToken()
		if err != nil {
			return "", err
		}
		if _, exists := s.pending[token]; exists {
			continue
		}
		s.pending[token] = pendingEntry{gatewayID: gatewayID, expiresAt: s.now().Add(ttl)}
		return token, nil
	}
	return "", fmt.Errorf("could not generate a unique binding token")
}

func (s *MemoryStore) ResolvePending(candidate string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	entry, ok := s.pending[candidate]
	if !ok {
		return "", false
	}
	delete(s.pending, candidate)
	return entry.gatewayID, true
}

func (s *MemoryStore) Bind(externalUserID, gatewayID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[externalUserID] = gatewayID
	return nil
}

func (s *MemoryStore) Lookup(externalUserID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gw, ok := s.bindings[externalUserID]
	return gw, ok
}

func (s *MemoryStore) UnbindAll(gatewayID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for user, gw := range s.bindings {
		if gw == gatewayID {
			delete(s.bindings, user)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) pruneLocked() {
	now := s.now()
	for token, entry := range s.pending {
		if now.After(entry.expiresAt) {
			delete(s.pending, token)
		}
	}
}
