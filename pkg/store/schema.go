package store

import "context"

// schemaVersion is bumped whenever migrations below gain a new entry.
const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS received (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	raw BLOB NOT NULL,
	source_type TEXT NOT NULL,
	source_id TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	processed_message_id TEXT,
	error TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	message_id TEXT PRIMARY KEY,
	direction TEXT NOT NULL,
	plaintext BLOB NOT NULL,
	raw_envelope BLOB,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transactions (
	transaction_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	initiator_did TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'Pending',
	body_json BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transaction_agents (
	transaction_id TEXT NOT NULL,
	agent_did TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'other',
	status TEXT NOT NULL DEFAULT 'Pending',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (transaction_id, agent_did)
);

CREATE TABLE IF NOT EXISTS deliveries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	text BLOB NOT NULL,
	recipient TEXT NOT NULL,
	url TEXT,
	delivery_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_status_code INTEGER,
	error TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	delivered_at DATETIME
);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_id TEXT NOT NULL,
	agent_did TEXT NOT NULL,
	decision_type TEXT NOT NULL,
	context BLOB,
	status TEXT NOT NULL DEFAULT 'pending',
	resolution TEXT,
	resolution_detail TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TRIGGER IF NOT EXISTS trg_received_updated_at
AFTER UPDATE ON received BEGIN
	UPDATE received SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
END;

CREATE TRIGGER IF NOT EXISTS trg_transactions_updated_at
AFTER UPDATE ON transactions BEGIN
	UPDATE transactions SET updated_at = CURRENT_TIMESTAMP WHERE transaction_id = NEW.transaction_id;
END;

CREATE TRIGGER IF NOT EXISTS trg_transaction_agents_updated_at
AFTER UPDATE ON transaction_agents BEGIN
	UPDATE transaction_agents SET updated_at = CURRENT_TIMESTAMP
	WHERE transaction_id = NEW.transaction_id AND agent_did = NEW.agent_did;
END;

CREATE TRIGGER IF NOT EXISTS trg_deliveries_updated_at
AFTER UPDATE ON deliveries BEGIN
	UPDATE deliveries SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
END;

CREATE TRIGGER IF NOT EXISTS trg_decision_log_updated_at
AFTER UPDATE ON decision_log BEGIN
	UPDATE decision_log SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
END;
`

// migrate applies schemaDDL and records schemaVersion, following the
// teacher's constructor-does-migration pattern (NewSQLiteReceiptStore
// calling migrate() before returning).
func (s *AgentStore) migrate() error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_migrations (version) VALUES (?)`, schemaVersion); err != nil {
		return err
	}
	return tx.Commit()
}
