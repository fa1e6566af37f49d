package binding

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const bindingsSchema = `
CREATE TABLE IF NOT EXISTS bindings (
	external_user_id TEXT PRIMARY KEY,
	gateway_id       TEXT NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bindings_gateway ON bindings(gateway_id);
`

// SQLiteStore persists permanent bindings so gateways keep their users
// across relay restarts. Pending tokens are ephemeral by design and stay
// in memory.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	mu      sync.Mutex
	pending map[string]pendingEntry
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open bindings database: %w", err)
	}
	// modernc.org/sqlite serializes writes itself; a single connection
	// avoids SQLITE_BUSY on concurrent binds.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(bindingsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create bindings schema: %w", err)
	}

	return &SQLiteStore{
		db:      db,
		now:     time.Now,
		pending: make(map[string]pendingEntry),
	}, nil
}

func (s *SQLiteStore) CreatePending(gatewayID string, ttl time.Duration) (string, error) {
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

func (s *SQLiteStore) ResolvePending(candidate string) (string, bool) {
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

func (s *SQLiteStore) Bind(externalUserID, gatewayID string) error {
	_, err := s.db.Exec(
		`INSERT INTO bindings(external_user_id, gateway_id, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(external_user_id) DO UPDATE SET gateway_id = excluded.gateway_id, created_at = excluded.created_at`,
		externalUserID, gatewayID, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("persist binding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Lookup(externalUserID string) (string, bool) {
	var gw string
	err := s.db.QueryRow(`SELECT gateway_id FROM bindings WHERE external_user_id = ?`, externalUserID).Scan(&gw)
	if err != nil {
		return "", false
	}
	return gw, true
}

func (s *SQLiteStore) UnbindAll(gatewayID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM bindings WHERE gateway_id = ?`, gatewayID)
	if err != nil {
		return 0, fmt.Errorf("remove bindings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) pruneLocked() {
	now := s.now()
	for token, entry := range s.pending {
		if now.After(entry.expiresAt) {
			delete(s.pending, token)
		}
	}
}
