package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

// AgentStore is the database handle for one agent namespace (§4.D).
// Every query, read or write, is serialized through the underlying
// *sql.DB's single connection (Manager.Open sets SetMaxOpenConns(1));
// WAL journaling is enabled at open time.
type AgentStore struct {
	db  *sql.DB
	did string
}

// CreateReceived stages a raw inbound payload (§4.D create_received).
// Always succeeds; idempotency on (raw, source_id) is NOT required.
func (s *AgentStore) CreateReceived(ctx context.Context, raw []byte, sourceType, sourceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO received (raw, source_type, source_id, status) VALUES (?, ?, ?, ?)`,
		raw, sourceType, nullableString(sourceID), ReceivedPending)
	if err != nil {
		return 0, fmt.Errorf("store: create_received: %w", err)
	}
	return res.LastInsertId()
}

// UpdateReceivedStatus implements §4.D update_received_status.
func (s *AgentStore) UpdateReceivedStatus(ctx context.Context, id int64, status ReceivedStatus, processedMessageID, errText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE received SET status = ?, processed_message_id = ?, error = ? WHERE id = ?`,
		status, nullableString(processedMessageID), nullableString(errText), id)
	if err != nil {
		return fmt.Errorf("store: update_received_status: %w", err)
	}
	return nil
}

// AppendMessage implements §4.D append_message: fails with
// ErrDuplicateMessage if message_id already exists in this agent's
// store, a failure the router treats as benign (already logged).
func (s *AgentStore) AppendMessage(ctx context.Context, messageID string, direction Direction, plaintext, rawEnvelope []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (message_id, direction, plaintext, raw_envelope) VALUES (?, ?, ?, ?)`,
		messageID, direction, plaintext, rawEnvelope)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: append_message %s: %w", messageID, tapcore.ErrDuplicateMessage)
		}
		return fmt.Errorf("store: append_message: %w", err)
	}
	return nil
}

// HasMessage reports whether message_id has already been appended, the
// check behind FSM acceptance precondition 3 (§4.E).
func (s *AgentStore) HasMessage(ctx context.Context, messageID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE message_id = ?`, messageID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: has_message: %w", err)
	}
	return true, nil
}

// UpsertTransaction implements §4.D upsert_transaction: first writer
// wins on (agent_did, transaction_id) — the agent_did half of that key
// is implicit, since each AgentStore is already scoped to one agent.
func (s *AgentStore) UpsertTransaction(ctx context.Context, transactionID, kind, initiatorDID string, bodyJSON []byte) (*Transaction, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (transaction_id, kind, initiator_did, status, body_json)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (transaction_id) DO NOTHING`,
		transactionID, kind, initiatorDID, TxPending, bodyJSON)
	if err != nil {
		return nil, fmt.Errorf("store: upsert_transaction: %w", err)
	}
	return s.GetTransaction(ctx, transactionID)
}

// GetTransaction fetches one transaction row, or ErrNotFound.
func (s *AgentStore) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	var t Transaction
	var created, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT transaction_id, kind, initiator_did, status, body_json, created_at, updated_at
		 FROM transactions WHERE transaction_id = ?`, transactionID).
		Scan(&t.TransactionID, &t.Kind, &t.InitiatorDID, &t.Status, &t.BodyJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: get_transaction %s: %w", transactionID, tapcore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get_transaction: %w", err)
	}
	t.CreatedAt = parseTimestamp(created)
	t.UpdatedAt = parseTimestamp(updated)
	return &t, nil
}

// UpsertTransactionAgent implements §4.D upsert_transaction_agent —
// default status Pending.
func (s *AgentStore) UpsertTransactionAgent(ctx context.Context, transactionID, agentDID string, role AgentRole) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transaction_agents (transaction_id, agent_did, role, status)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (transaction_id, agent_did) DO NOTHING`,
		transactionID, agentDID, role, AgentPending)
	if err != nil {
		return fmt.Errorf("store: upsert_transaction_agent: %w", err)
	}
	return nil
}

// ListTransactionAgents returns every transaction_agents row for
// transactionID, the quorum ledger the FSM reads to decide Authorized.
func (s *AgentStore) ListTransactionAgents(ctx context.Context, transactionID string) ([]TransactionAgent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT transaction_id, agent_did, role, status, created_at, updated_at
		 FROM transaction_agents WHERE transaction_id = ?`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("store: list_transaction_agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TransactionAgent
	for rows.Next() {
		var ta TransactionAgent
		var created, updated string
		if err := rows.Scan(&ta.TransactionID, &ta.AgentDID, &ta.Role, &ta.Status, &created, &updated); err != nil {
			return nil, fmt.Errorf("store: list_transaction_agents scan: %w", err)
		}
		ta.CreatedAt = parseTimestamp(created)
		ta.UpdatedAt = parseTimestamp(updated)
		out = append(out, ta)
	}
	return out, rows.Err()
}

// IsMember reports whether agentDID is a known transaction_agents row
// for transactionID, the check behind FSM acceptance precondition 2.
func (s *AgentStore) IsMember(ctx context.Context, transactionID, agentDID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM transaction_agents WHERE transaction_id = ? AND agent_did = ?`,
		transactionID, agentDID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: is_member: %w", err)
	}
	return true, nil
}

// SetTransactionAgentStatus implements §4.D set_transaction_agent_status:
// monotonic transitions only; illegal transitions (including attempts
// to leave an already-terminal status) are no-ops.
func (s *AgentStore) SetTransactionAgentStatus(ctx context.Context, transactionID, agentDID string, status AgentStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: set_transaction_agent_status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current AgentStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM transaction_agents WHERE transaction_id = ? AND agent_did = ?`,
		transactionID, agentDID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: set_transaction_agent_status %s/%s: %w", transactionID, agentDID, tapcore.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: set_transaction_agent_status: %w", err)
	}

	if terminalAgentStatus(current) || !legalAgentTransition(current, status) {
		return tx.Commit() // already-terminal wins; illegal transition is a no-op
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE transaction_agents SET status = ? WHERE transaction_id = ? AND agent_did = ?`,
		status, transactionID, agentDID); err != nil {
		return fmt.Errorf("store: set_transaction_agent_status update: %w", err)
	}
	return tx.Commit()
}

// SetTransactionStatus implements §4.D set_transaction_status: the same
// monotonic discipline as agent status, with terminal statuses sticky,
// except that a Settled transaction may move to Reverted (the reverting
// Settle that follows an accepted Revert).
func (s *AgentStore) SetTransactionStatus(ctx context.Context, transactionID string, status TransactionStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: set_transaction_status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current TransactionStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM transactions WHERE transaction_id = ?`, transactionID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: set_transaction_status %s: %w", transactionID, tapcore.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: set_transaction_status: %w", err)
	}

	if terminalTxStatus(current) && !(current == TxSettled && status == TxReverted) {
		return tx.Commit() // sticky
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = ? WHERE transaction_id = ?`, status, transactionID); err != nil {
		return fmt.Errorf("store: set_transaction_status update: %w", err)
	}
	if terminalTxStatus(status) {
		if err := s.expireDecisionsTx(ctx, tx, transactionID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpdateTransactionBody overwrites the cached body_json without
// touching status, the effect of UpdatePolicies/UpdateParty/UpdateAgent
// (§4.E State transitions).
func (s *AgentStore) UpdateTransactionBody(ctx context.Context, transactionID string, bodyJSON []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET body_json = ? WHERE transaction_id = ?`, bodyJSON, transactionID)
	if err != nil {
		return fmt.Errorf("store: update_transaction_body: %w", err)
	}
	return nil
}

// CreateDelivery implements §4.D create_delivery.
func (s *AgentStore) CreateDelivery(ctx context.Context, messageID string, text []byte, recipient, url string, deliveryType DeliveryType) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (message_id, text, recipient, url, delivery_type, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		messageID, text, recipient, nullableString(url), deliveryType, DeliveryPendingStatus)
	if err != nil {
		return 0, fmt.Errorf("store: create_delivery: %w", err)
	}
	return res.LastInsertId()
}

// GetDelivery reads back one deliveries row, used by the router for
// post-dispatch bookkeeping and by operator tooling to inspect a
// delivery's current attempt/backoff state.
func (s *AgentStore) GetDelivery(ctx context.Context, id int64) (*Delivery, error) {
	var d Delivery
	var url, errText sql.NullString
	var lastCode sql.NullInt64
	var deliveredAt sql.NullString
	var createdAt, updatedAt string
	row := s.db.QueryRowContext(ctx,
		`SELECT id, message_id, text, recipient, url, delivery_type, status,
		        retry_count, last_status_code, error, delivered_at, created_at, updated_at
		 FROM deliveries WHERE id = ?`, id)
	if err := row.Scan(&d.ID, &d.MessageID, &d.Text, &d.Recipient, &url, &d.DeliveryType, &d.Status,
		&d.RetryCount, &lastCode, &errText, &deliveredAt, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tapcore.ErrNotFound
		}
		return nil, fmt.Errorf("store: get_delivery: %w", err)
	}
	d.URL = url.String
	d.LastStatusCode = int(lastCode.Int64)
	d.Error = errText.String
	d.CreatedAt = parseTimestamp(createdAt)
	d.UpdatedAt = parseTimestamp(updatedAt)
	if deliveredAt.Valid {
		t := parseTimestamp(deliveredAt.String)
		d.DeliveredAt = &t
	}
	return &d, nil
}

// UpdateDeliveryStatus implements §4.D update_delivery_status: every
// call records the outcome of one delivery attempt, so retry_count is
// incremented on every call that resolves the row out of pending
// (§4.F: "The retry_count is incremented on every attempt"), not just
// the first.
func (s *AgentStore) UpdateDeliveryStatus(ctx context.Context, id int64, status DeliveryStatus, httpCode int, errText string) error {
	var deliveredAt interface{}
	if status == DeliverySuccess {
		deliveredAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries
		 SET status = ?, last_status_code = ?, error = ?, delivered_at = ?,
		     retry_count = retry_count + CASE WHEN ? != 'pending' THEN 1 ELSE 0 END
		 WHERE id = ?`,
		status, nullableInt(httpCode), nullableString(errText), deliveredAt, status, id)
	if err != nil {
		return fmt.Errorf("store: update_delivery_status: %w", err)
	}
	return nil
}

// InsertDecision implements §4.D insert_decision, status pending.
func (s *AgentStore) InsertDecision(ctx context.Context, transactionID, agentDID string, decisionType DecisionType, context []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_log (transaction_id, agent_did, decision_type, context, status)
		 VALUES (?, ?, ?, ?, ?)`,
		transactionID, agentDID, decisionType, context, DecisionPending)
	if err != nil {
		return 0, fmt.Errorf("store: insert_decision: %w", err)
	}
	return res.LastInsertId()
}

// GetDecision reads back a single decision_log row, regardless of
// status, for callers (the external decision bridge's live dispatch
// path, operator tooling) that already hold a decision id.
func (s *AgentStore) GetDecision(ctx context.Context, id int64) (*DecisionLogEntry, error) {
	var d DecisionLogEntry
	var resolution, resolutionDetail sql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, transaction_id, agent_did, decision_type, context, status,
		        resolution, resolution_detail, created_at, updated_at
		 FROM decision_log WHERE id = ?`, id).
		Scan(&d.ID, &d.TransactionID, &d.AgentDID, &d.DecisionType, &d.Context, &d.Status,
			&resolution, &resolutionDetail, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, tapcore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get_decision: %w", err)
	}
	d.Resolution = resolution.String
	d.ResolutionDetail = resolutionDetail.String
	d.CreatedAt = parseTimestamp(createdAt)
	d.UpdatedAt = parseTimestamp(updatedAt)
	return &d, nil
}

// ListPendingDecisions returns every decision_log row with status
// pending or delivered, in id order, for the external decision bridge's
// replay-on-reconnect step (§4.G Durability: "A crashed child will
// observe every decision it missed on next start through the replay
// step").
func (s *AgentStore) ListPendingDecisions(ctx context.Context) ([]DecisionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, transaction_id, agent_did, decision_type, context, status,
		        resolution, resolution_detail, created_at, updated_at
		 FROM decision_log WHERE status IN (?, ?) ORDER BY id ASC`,
		DecisionPending, DecisionDelivered)
	if err != nil {
		return nil, fmt.Errorf("store: list_pending_decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionLogEntry
	for rows.Next() {
		var d DecisionLogEntry
		var resolution, resolutionDetail sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&d.ID, &d.TransactionID, &d.AgentDID, &d.DecisionType, &d.Context, &d.Status,
			&resolution, &resolutionDetail, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: list_pending_decisions: scan: %w", err)
		}
		d.Resolution = resolution.String
		d.ResolutionDetail = resolutionDetail.String
		d.CreatedAt = parseTimestamp(createdAt)
		d.UpdatedAt = parseTimestamp(updatedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateDecisionStatus implements §4.D update_decision_status.
func (s *AgentStore) UpdateDecisionStatus(ctx context.Context, id int64, status DecisionStatus, resolution, resolutionDetail string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE decision_log SET status = ?, resolution = ?, resolution_detail = ? WHERE id = ?`,
		status, nullableString(resolution), nullableString(resolutionDetail), id)
	if err != nil {
		return fmt.Errorf("store: update_decision_status: %w", err)
	}
	return nil
}

// ExpireDecisionsForTransaction implements §4.D
// expire_decisions_for_transaction, called directly (e.g. by the FSM
// outside of a SetTransactionStatus call) or internally when a
// transaction reaches a terminal status.
func (s *AgentStore) ExpireDecisionsForTransaction(ctx context.Context, transactionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.expireDecisionsTx(ctx, tx, transactionID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *AgentStore) expireDecisionsTx(ctx context.Context, tx *sql.Tx, transactionID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE decision_log SET status = ?
		 WHERE transaction_id = ? AND status NOT IN (?, ?)`,
		DecisionExpired, transactionID, DecisionResolved, DecisionExpired)
	if err != nil {
		return fmt.Errorf("store: expire_decisions_for_transaction: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i int) interface{} {
	if i == 0 {
		return nil
	}
	return i
}

func parseTimestamp(v string) time.Time {
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02 15:04:05.999999999"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// isUniqueViolation detects SQLite's UNIQUE constraint failure message,
// modernc.org/sqlite does not export a typed error for this.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
