package store

import (
	"context"
	"errors"
	"testing"

	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

func newTestStore(t *testing.T) *AgentStore {
	t.Helper()
	mgr, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	s, err := mgr.Open("did:example:agent-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestAppendMessage_DuplicateRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.AppendMessage(ctx, "msg-1", DirectionIncoming, []byte(`{}`), nil); err != nil {
		t.Fatalf("first append: %v", err)
	}
	err := s.AppendMessage(ctx, "msg-1", DirectionIncoming, []byte(`{}`), nil)
	if !errors.Is(err, tapcore.ErrDuplicateMessage) {
		t.Fatalf("expected ErrDuplicateMessage, got %v", err)
	}
}

func TestUpsertTransaction_FirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx1, err := s.UpsertTransaction(ctx, "txn-1", "transfer", "did:example:alice", []byte(`{"amount":"1"}`))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	tx2, err := s.UpsertTransaction(ctx, "txn-1", "transfer", "did:example:mallory", []byte(`{"amount":"999"}`))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if tx2.InitiatorDID != tx1.InitiatorDID {
		t.Errorf("expected first writer to win, got initiator %q", tx2.InitiatorDID)
	}
}

func TestSetTransactionAgentStatus_MonotonicTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.UpsertTransaction(ctx, "txn-1", "transfer", "did:example:alice", []byte(`{}`)); err != nil {
		t.Fatalf("upsert transaction: %v", err)
	}
	if err := s.UpsertTransactionAgent(ctx, "txn-1", "did:example:bob", RoleReceiver); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}

	if err := s.SetTransactionAgentStatus(ctx, "txn-1", "did:example:bob", AgentAuthorized); err != nil {
		t.Fatalf("set status: %v", err)
	}

	// Illegal transition from a terminal status must be a no-op, not an error.
	if err := s.SetTransactionAgentStatus(ctx, "txn-1", "did:example:bob", AgentRejected); err != nil {
		t.Fatalf("no-op transition errored: %v", err)
	}

	agents, err := s.ListTransactionAgents(ctx, "txn-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 1 || agents[0].Status != AgentAuthorized {
		t.Fatalf("expected status to stay Authorized, got %+v", agents)
	}
}

func TestSetTransactionStatus_TerminalIsSticky(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.UpsertTransaction(ctx, "txn-1", "transfer", "did:example:alice", []byte(`{}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetTransactionStatus(ctx, "txn-1", TxRejected); err != nil {
		t.Fatalf("set rejected: %v", err)
	}
	if err := s.SetTransactionStatus(ctx, "txn-1", TxSettled); err != nil {
		t.Fatalf("set settled: %v", err)
	}
	got, err := s.GetTransaction(ctx, "txn-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TxRejected {
		t.Fatalf("expected sticky Rejected, got %v", got.Status)
	}
}

func TestSetTransactionStatus_TerminalExpiresDecisions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.UpsertTransaction(ctx, "txn-1", "transfer", "did:example:alice", []byte(`{}`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	decisionID, err := s.InsertDecision(ctx, "txn-1", "did:example:bob", DecisionAuthorizationRequired, nil)
	if err != nil {
		t.Fatalf("insert decision: %v", err)
	}
	if err := s.SetTransactionStatus(ctx, "txn-1", TxSettled); err != nil {
		t.Fatalf("set settled: %v", err)
	}

	var status DecisionStatus
	err = s.db.QueryRowContext(ctx, `SELECT status FROM decision_log WHERE id = ?`, decisionID).Scan(&status)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != DecisionExpired {
		t.Fatalf("expected decision expired, got %v", status)
	}
}

func TestCreateDelivery_RetryCountIncrementsOnFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateDelivery(ctx, "msg-1", []byte("payload"), "did:example:bob", "https://bob.example/tap", DeliveryHTTPS)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpdateDeliveryStatus(ctx, id, DeliveryFailed, 503, "service unavailable"); err != nil {
		t.Fatalf("update: %v", err)
	}

	var retryCount int
	err = s.db.QueryRowContext(ctx, `SELECT retry_count FROM deliveries WHERE id = ?`, id).Scan(&retryCount)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if retryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", retryCount)
	}
}

func TestGetTransaction_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.GetTransaction(ctx, "does-not-exist")
	if !errors.Is(err, tapcore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
