// Package store is the per-agent persistent store (§4.D): one SQLite
// database per agent namespace, opened lazily and cached for the life
// of the node. Grounded on pkg/store/receipt_store_sqlite.go's
// constructor-does-migration idiom, generalized to the six tables of
// §3 plus schema_migrations, and on airgap.go's 0600-permission
// file-creation discipline.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tap-rsvp/tapnode/pkg/tapcore"

	_ "modernc.org/sqlite"
)

// Manager owns one *sql.DB per agent namespace under root, keyed by the
// agent's sanitized DID (§3 Ownership: "{root}/{sanitized_did}/").
type Manager struct {
	root string

	mu    sync.Mutex
	stores map[string]*AgentStore
}

// NewManager returns a Manager rooted at dir. The directory is created
// if absent; each agent's subdirectory and database file are created
// lazily on first Open.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("store: create root: %w", err)
	}
	return &Manager{root: root, stores: make(map[string]*AgentStore)}, nil
}

// Open returns the AgentStore for did, opening and migrating its
// database file on first access. Subsequent calls for the same agent
// return the cached handle.
func (m *Manager) Open(did string) (*AgentStore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sanitized, err := tapcore.SanitizeDID(did)
	if err != nil {
		return nil, err
	}
	if s, ok := m.stores[sanitized]; ok {
		return s, nil
	}

	agentDir := filepath.Join(m.root, sanitized)
	if err := os.MkdirAll(agentDir, 0o750); err != nil {
		return nil, fmt.Errorf("store: create agent dir: %w", err)
	}
	dbPath := filepath.Join(agentDir, "tapnode.db")

	firstOpen := false
	if _, statErr := os.Stat(dbPath); os.IsNotExist(statErr) {
		firstOpen = true
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // one writer per agent namespace (§4.D Concurrency)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set pragmas: %w", err)
	}

	if firstOpen {
		if err := os.Chmod(dbPath, 0o600); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: chmod db file: %w", err)
		}
	}

	s := &AgentStore{db: db, did: did}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate %s: %w", did, err)
	}
	m.stores[sanitized] = s
	return s, nil
}

// Close closes every open agent database.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, s := range m.stores {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
