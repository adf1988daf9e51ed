package fsm

import (
	"context"
	"testing"

	"github.com/tap-rsvp/tapnode/pkg/message"
	"github.com/tap-rsvp/tapnode/pkg/store"
)

func newTestAgentStore(t *testing.T, did string) *store.AgentStore {
	t.Helper()
	mgr, err := store.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	s, err := mgr.Open(did)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func transferMsg(id, from string, to ...string) *message.Message {
	return &message.Message{
		ID:   id,
		Type: message.TypeURI(message.KindTransfer),
		From: from,
		To:   to,
	}
}

func responseMsg(thid, kind message.Kind, from string) *message.Message {
	return &message.Message{
		ID:   thid + "-" + string(kind),
		Type: message.TypeURI(kind),
		From: from,
		ThID: thid,
	}
}

func TestApply_InitiatorCreatesTransactionWithAgents(t *testing.T) {
	s := newTestAgentStore(t, "did:example:beneficiary-vasp")
	f := New(Config{LocalDID: "did:example:beneficiary-vasp", Policy: AllowAllPredicate{}})

	body := message.TransferBody{Asset: "eip155:1/slip44:60", Amount: "10.0"}
	msg := transferMsg("txn-1", "did:example:originator-vasp", "did:example:beneficiary-vasp")

	out, err := f.Apply(context.Background(), s, msg, body)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !out.Accepted {
		t.Fatalf("expected accepted, got reason %q", out.Reason)
	}
	if out.TransactionStatus != store.TxPending {
		t.Fatalf("expected TxPending, got %v", out.TransactionStatus)
	}
	if !out.AutoAuthorize {
		t.Fatalf("expected AutoAuthorize with AllowAllPredicate")
	}

	member, err := s.IsMember(context.Background(), "txn-1", "did:example:originator-vasp")
	if err != nil || !member {
		t.Fatalf("expected originator to be a member: member=%v err=%v", member, err)
	}

	agents, err := s.ListTransactionAgents(context.Background(), "txn-1")
	if err != nil {
		t.Fatalf("ListTransactionAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
}

func TestApply_InitiatorWithoutPolicyInsertsDecision(t *testing.T) {
	s := newTestAgentStore(t, "did:example:beneficiary-vasp")
	f := New(Config{LocalDID: "did:example:beneficiary-vasp"}) // defaults to DenyAllPredicate

	body := message.TransferBody{Asset: "eip155:1/slip44:60", Amount: "10.0"}
	msg := transferMsg("txn-1", "did:example:originator-vasp", "did:example:beneficiary-vasp")

	out, err := f.Apply(context.Background(), s, msg, body)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.AutoAuthorize {
		t.Fatalf("expected no auto-authorize under fail-closed default policy")
	}
	if len(out.DecisionLogIDs) != 1 {
		t.Fatalf("expected one decision log entry, got %d", len(out.DecisionLogIDs))
	}
}

// TestApply_InitiatorRowStartsPending confirms the initiator's own
// transaction_agents row is seeded Pending like every other party
// (§4.E Concrete scenario 1: "Pending for B, Pending for A") — sending
// the initiator message opens the transaction, it does not itself
// authorize it.
func TestApply_InitiatorRowStartsPending(t *testing.T) {
	s := newTestAgentStore(t, "did:example:beneficiary-vasp")
	f := New(Config{LocalDID: "did:example:beneficiary-vasp", Policy: AllowAllPredicate{}})

	body := message.TransferBody{Asset: "eip155:1/slip44:60", Amount: "10.0"}
	msg := transferMsg("txn-1", "did:example:originator-vasp", "did:example:beneficiary-vasp")
	if _, err := f.Apply(context.Background(), s, msg, body); err != nil {
		t.Fatalf("initiator Apply: %v", err)
	}

	agents, err := s.ListTransactionAgents(context.Background(), "txn-1")
	if err != nil {
		t.Fatalf("ListTransactionAgents: %v", err)
	}
	for _, a := range agents {
		if a.Status != store.AgentPending {
			t.Fatalf("expected agent %s Pending at creation, got %v", a.AgentDID, a.Status)
		}
	}
}

// TestApply_AuthorizeReachesQuorum reproduces §4.E Concrete scenario 1:
// quorum requires an Authorize from EVERY party, including the
// initiator's own — a single counterparty Authorize is not enough.
func TestApply_AuthorizeReachesQuorum(t *testing.T) {
	s := newTestAgentStore(t, "did:example:beneficiary-vasp")
	f := New(Config{LocalDID: "did:example:beneficiary-vasp", Policy: AllowAllPredicate{}})

	body := message.TransferBody{Asset: "eip155:1/slip44:60", Amount: "10.0"}
	msg := transferMsg("txn-1", "did:example:originator-vasp", "did:example:beneficiary-vasp")
	if _, err := f.Apply(context.Background(), s, msg, body); err != nil {
		t.Fatalf("initiator Apply: %v", err)
	}

	beneficiaryAuth := responseMsg("txn-1", message.KindAuthorize, "did:example:beneficiary-vasp")
	out, err := f.Apply(context.Background(), s, beneficiaryAuth, message.AuthorizeBody{})
	if err != nil {
		t.Fatalf("beneficiary Authorize Apply: %v", err)
	}
	if !out.Accepted {
		t.Fatalf("expected accepted, got reason %q", out.Reason)
	}
	if out.TransactionStatus != store.TxPending {
		t.Fatalf("expected transaction still Pending after only one of two parties authorized, got %v", out.TransactionStatus)
	}

	originatorAuth := responseMsg("txn-1", message.KindAuthorize, "did:example:originator-vasp")
	out2, err := f.Apply(context.Background(), s, originatorAuth, message.AuthorizeBody{})
	if err != nil {
		t.Fatalf("originator Authorize Apply: %v", err)
	}
	if !out2.Accepted {
		t.Fatalf("expected accepted, got reason %q", out2.Reason)
	}
	if out2.TransactionStatus != store.TxAuthorized {
		t.Fatalf("expected TxAuthorized once every party authorized, got %v", out2.TransactionStatus)
	}
}

// TestApply_AutoSettleOnQuorumForOriginatorSideAgent reproduces the
// second half of §4.E's Quorum rule: once every party is Authorized,
// the originator-side settling agent's own FSM logs a
// settlement_required decision and signals AutoSettle.
func TestApply_AutoSettleOnQuorumForOriginatorSideAgent(t *testing.T) {
	s := newTestAgentStore(t, "did:example:originator-vasp")
	f := New(Config{LocalDID: "did:example:originator-vasp", Policy: AllowAllPredicate{}})

	body := message.TransferBody{Asset: "eip155:1/slip44:60", Amount: "10.0"}
	msg := transferMsg("txn-1", "did:example:originator-vasp", "did:example:beneficiary-vasp")
	if _, err := f.Apply(context.Background(), s, msg, body); err != nil {
		t.Fatalf("initiator Apply: %v", err)
	}

	beneficiaryAuth := responseMsg("txn-1", message.KindAuthorize, "did:example:beneficiary-vasp")
	if _, err := f.Apply(context.Background(), s, beneficiaryAuth, message.AuthorizeBody{}); err != nil {
		t.Fatalf("beneficiary Authorize Apply: %v", err)
	}

	originatorAuth := responseMsg("txn-1", message.KindAuthorize, "did:example:originator-vasp")
	out, err := f.Apply(context.Background(), s, originatorAuth, message.AuthorizeBody{})
	if err != nil {
		t.Fatalf("originator Authorize Apply: %v", err)
	}
	if out.TransactionStatus != store.TxAuthorized {
		t.Fatalf("expected TxAuthorized, got %v", out.TransactionStatus)
	}
	if !out.AutoSettle {
		t.Fatalf("expected AutoSettle for the originator-side settling agent on quorum")
	}
	if len(out.DecisionLogIDs) != 1 {
		t.Fatalf("expected one settlement_required decision, got %d", len(out.DecisionLogIDs))
	}
}

func TestApply_RejectVetoesImmediately(t *testing.T) {
	s := newTestAgentStore(t, "did:example:beneficiary-vasp")
	f := New(Config{LocalDID: "did:example:beneficiary-vasp", Policy: AllowAllPredicate{}})

	body := message.TransferBody{Asset: "eip155:1/slip44:60", Amount: "10.0"}
	msg := transferMsg("txn-1", "did:example:originator-vasp", "did:example:beneficiary-vasp")
	if _, err := f.Apply(context.Background(), s, msg, body); err != nil {
		t.Fatalf("initiator Apply: %v", err)
	}

	rejectMsg := responseMsg("txn-1", message.KindReject, "did:example:beneficiary-vasp")
	out, err := f.Apply(context.Background(), s, rejectMsg, message.RejectBody{Reason: "compliance hold"})
	if err != nil {
		t.Fatalf("Reject Apply: %v", err)
	}
	if out.TransactionStatus != store.TxRejected {
		t.Fatalf("expected TxRejected, got %v", out.TransactionStatus)
	}

	// A subsequent Authorize must not move a terminal transaction.
	authMsg := responseMsg("txn-1", message.KindAuthorize, "did:example:originator-vasp")
	out2, err := f.Apply(context.Background(), s, authMsg, message.AuthorizeBody{})
	if err != nil {
		t.Fatalf("post-terminal Authorize Apply: %v", err)
	}
	if out2.TransactionStatus != store.TxRejected {
		t.Fatalf("expected terminal TxRejected to stick, got %v", out2.TransactionStatus)
	}
}

func TestApply_SettleThenRevertThenSettleReverts(t *testing.T) {
	s := newTestAgentStore(t, "did:example:beneficiary-vasp")
	f := New(Config{LocalDID: "did:example:beneficiary-vasp", Policy: AllowAllPredicate{}})

	body := message.TransferBody{Asset: "eip155:1/slip44:60", Amount: "10.0"}
	msg := transferMsg("txn-1", "did:example:originator-vasp", "did:example:beneficiary-vasp")
	if _, err := f.Apply(context.Background(), s, msg, body); err != nil {
		t.Fatalf("initiator Apply: %v", err)
	}
	authMsg := responseMsg("txn-1", message.KindAuthorize, "did:example:beneficiary-vasp")
	if _, err := f.Apply(context.Background(), s, authMsg, message.AuthorizeBody{}); err != nil {
		t.Fatalf("Authorize Apply: %v", err)
	}

	settleMsg := responseMsg("txn-1", message.KindSettle, "did:example:originator-vasp")
	settleBody := message.SettleBody{SettlementID: "eip155:1:0xabc", Amount: "10.0"}
	out, err := f.Apply(context.Background(), s, settleMsg, settleBody)
	if err != nil {
		t.Fatalf("Settle Apply: %v", err)
	}
	if out.TransactionStatus != store.TxSettled {
		t.Fatalf("expected TxSettled, got %v", out.TransactionStatus)
	}
	if len(out.DecisionLogIDs) != 1 {
		t.Fatalf("expected a settlement decision log entry, got %d", len(out.DecisionLogIDs))
	}

	revertMsg := responseMsg("txn-1", message.KindRevert, "did:example:beneficiary-vasp")
	revertOut, err := f.Apply(context.Background(), s, revertMsg, message.RevertBody{SettlementID: "eip155:1:0xabc", Reason: "chargeback"})
	if err != nil {
		t.Fatalf("Revert Apply: %v", err)
	}
	if !revertOut.Accepted {
		t.Fatalf("expected Revert accepted on a settled transaction, got reason %q", revertOut.Reason)
	}

	secondSettle := responseMsg("txn-1", message.KindSettle, "did:example:originator-vasp")
	secondSettle.ID = "txn-1-settle-2"
	out2, err := f.Apply(context.Background(), s, secondSettle, settleBody)
	if err != nil {
		t.Fatalf("second Settle Apply: %v", err)
	}
	if out2.TransactionStatus != store.TxReverted {
		t.Fatalf("expected TxReverted after revert-flagged Settle, got %v", out2.TransactionStatus)
	}
}

func TestApply_UpdatePoliciesMutatesBodyNotStatus(t *testing.T) {
	s := newTestAgentStore(t, "did:example:beneficiary-vasp")
	f := New(Config{LocalDID: "did:example:beneficiary-vasp", Policy: AllowAllPredicate{}})

	body := message.TransferBody{Asset: "eip155:1/slip44:60", Amount: "10.0"}
	msg := transferMsg("txn-1", "did:example:originator-vasp", "did:example:beneficiary-vasp")
	if _, err := f.Apply(context.Background(), s, msg, body); err != nil {
		t.Fatalf("initiator Apply: %v", err)
	}

	updMsg := responseMsg("txn-1", message.KindUpdatePolicies, "did:example:originator-vasp")
	updBody := message.UpdatePoliciesBody{Policies: []message.Policy{{Kind: "RequireAuthorization"}}}
	out, err := f.Apply(context.Background(), s, updMsg, updBody)
	if err != nil {
		t.Fatalf("UpdatePolicies Apply: %v", err)
	}
	if !out.Accepted {
		t.Fatalf("expected accepted, got reason %q", out.Reason)
	}
	if out.TransactionStatus != store.TxPending {
		t.Fatalf("expected status unchanged by a body mutation, got %v", out.TransactionStatus)
	}

	txn, err := s.GetTransaction(context.Background(), "txn-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if !containsSubstr(string(txn.BodyJSON), "RequireAuthorization") {
		t.Fatalf("expected merged body to contain policy update, got %s", txn.BodyJSON)
	}
}

func TestApply_MembershipMutationGatedByPolicy(t *testing.T) {
	s := newTestAgentStore(t, "did:example:beneficiary-vasp")

	body := message.TransferBody{Asset: "eip155:1/slip44:60", Amount: "10.0"}
	msg := transferMsg("txn-1", "did:example:originator-vasp", "did:example:beneficiary-vasp")

	denyFSM := New(Config{LocalDID: "did:example:beneficiary-vasp", Policy: DenyAllPredicate{}})
	if _, err := denyFSM.Apply(context.Background(), s, msg, body); err != nil {
		t.Fatalf("initiator Apply: %v", err)
	}

	addMsg := responseMsg("txn-1", message.KindAddAgents, "did:example:originator-vasp")
	addBody := message.AddAgentsBody{Agents: []message.AgentRef{{DID: "did:example:new-agent", Role: "compliance"}}}

	out, err := denyFSM.Apply(context.Background(), s, addMsg, addBody)
	if err != nil {
		t.Fatalf("AddAgents Apply (deny): %v", err)
	}
	if out.Accepted {
		t.Fatalf("expected AddAgents denied under DenyAllPredicate")
	}

	allowFSM := New(Config{LocalDID: "did:example:beneficiary-vasp", Policy: AllowAllPredicate{}})
	out2, err := allowFSM.Apply(context.Background(), s, addMsg, addBody)
	if err != nil {
		t.Fatalf("AddAgents Apply (allow): %v", err)
	}
	if !out2.Accepted {
		t.Fatalf("expected AddAgents accepted under AllowAllPredicate, got reason %q", out2.Reason)
	}
	member, err := s.IsMember(context.Background(), "txn-1", "did:example:new-agent")
	if err != nil || !member {
		t.Fatalf("expected new agent to be a member: member=%v err=%v", member, err)
	}
}

func TestApply_UnknownTransactionRejectedWithoutError(t *testing.T) {
	s := newTestAgentStore(t, "did:example:beneficiary-vasp")
	f := New(Config{LocalDID: "did:example:beneficiary-vasp", Policy: AllowAllPredicate{}})

	authMsg := responseMsg("does-not-exist", message.KindAuthorize, "did:example:beneficiary-vasp")
	out, err := f.Apply(context.Background(), s, authMsg, message.AuthorizeBody{})
	if err != nil {
		t.Fatalf("expected no error for an unknown transaction, got %v", err)
	}
	if out.Accepted {
		t.Fatalf("expected not accepted for an unknown transaction")
	}
}

func TestApply_NonMemberSenderRejectedWithoutError(t *testing.T) {
	s := newTestAgentStore(t, "did:example:beneficiary-vasp")
	f := New(Config{LocalDID: "did:example:beneficiary-vasp", Policy: AllowAllPredicate{}})

	body := message.TransferBody{Asset: "eip155:1/slip44:60", Amount: "10.0"}
	msg := transferMsg("txn-1", "did:example:originator-vasp", "did:example:beneficiary-vasp")
	if _, err := f.Apply(context.Background(), s, msg, body); err != nil {
		t.Fatalf("initiator Apply: %v", err)
	}

	authMsg := responseMsg("txn-1", message.KindAuthorize, "did:example:stranger")
	out, err := f.Apply(context.Background(), s, authMsg, message.AuthorizeBody{})
	if err != nil {
		t.Fatalf("expected no error for a non-member sender, got %v", err)
	}
	if out.Accepted {
		t.Fatalf("expected not accepted for a non-member sender")
	}
}

func containsSubstr(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
