package fsm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tap-rsvp/tapnode/pkg/message"
	"github.com/tap-rsvp/tapnode/pkg/store"
)

func (f *FSM) applyAuthorize(ctx context.Context, s *store.AgentStore, txn *store.Transaction, msg *message.Message) (*Outcome, error) {
	if err := s.SetTransactionAgentStatus(ctx, txn.TransactionID, msg.From, store.AgentAuthorized); err != nil {
		return nil, err
	}
	return f.checkQuorum(ctx, s, txn, store.AgentAuthorized)
}

// applyTerminalVeto implements Reject and Cancel: a single sender's
// veto immediately resolves the whole transaction (§4.E State
// transitions: "one veto suffices").
func (f *FSM) applyTerminalVeto(ctx context.Context, s *store.AgentStore, txn *store.Transaction, msg *message.Message, agentStatus store.AgentStatus, txStatus store.TransactionStatus) (*Outcome, error) {
	if err := s.SetTransactionAgentStatus(ctx, txn.TransactionID, msg.From, agentStatus); err != nil {
		return nil, err
	}
	if err := s.SetTransactionStatus(ctx, txn.TransactionID, txStatus); err != nil {
		return nil, err
	}
	return &Outcome{
		Accepted: true, TransactionID: txn.TransactionID,
		TransactionStatus: txStatus, AgentStatus: agentStatus,
	}, nil
}

func (f *FSM) applySettle(ctx context.Context, s *store.AgentStore, txn *store.Transaction, msg *message.Message, body interface{}) (*Outcome, error) {
	if err := s.SetTransactionAgentStatus(ctx, txn.TransactionID, msg.From, store.AgentAuthorized); err != nil {
		return nil, err
	}

	revertRequested, err := bodyFlag(txn.BodyJSON, "revert_requested")
	if err != nil {
		return nil, err
	}

	settlingTxStatus := store.TxSettled
	if revertRequested {
		settlingTxStatus = store.TxReverted
	}

	out := &Outcome{Accepted: true, TransactionID: txn.TransactionID, AgentStatus: store.AgentAuthorized}
	if f.isOriginatorSideSettlingAgent(txn, msg.From) {
		if err := s.SetTransactionStatus(ctx, txn.TransactionID, settlingTxStatus); err != nil {
			return nil, err
		}
		out.TransactionStatus = settlingTxStatus

		if sb, ok := body.(message.SettleBody); ok {
			ctxJSON, _ := json.Marshal(sb)
			id, err := s.InsertDecision(ctx, txn.TransactionID, f.cfg.LocalDID, store.DecisionSettlementRequired, ctxJSON)
			if err != nil {
				return nil, err
			}
			out.DecisionLogIDs = append(out.DecisionLogIDs, id)
		}
		return out, nil
	}

	return f.checkQuorum(ctx, s, txn, store.AgentAuthorized)
}

// isOriginatorSideSettlingAgent reports whether sender is the agent
// responsible for flipping the transaction terminal on Settle: the
// transaction's own initiator only; other agents registered with role
// sender do not qualify (§4.E: "if sender is the originator-side settling agent").
func (f *FSM) isOriginatorSideSettlingAgent(txn *store.Transaction, sender string) bool {
	return sender == txn.InitiatorDID
}

// applyRevert marks the transaction as awaiting a reverting Settle: per
// §4.E, "if transaction is Settled, a follow-up Authorize by the
// counterparty causes a further Settle whose acceptance transitions the
// transaction to Reverted." The flag is carried in the cached body_json
// since TransactionStatus has no intermediate "pending revert" state of
// its own (a DESIGN.md-recorded implementation choice).
func (f *FSM) applyRevert(ctx context.Context, s *store.AgentStore, txn *store.Transaction, msg *message.Message) (*Outcome, error) {
	if txn.Status != store.TxSettled {
		return &Outcome{Accepted: false, Reason: "revert requires a settled transaction", TransactionID: txn.TransactionID}, nil
	}
	merged, err := mergeBodyJSON(txn.BodyJSON, map[string]interface{}{"revert_requested": true})
	if err != nil {
		return nil, err
	}
	if err := s.UpdateTransactionBody(ctx, txn.TransactionID, merged); err != nil {
		return nil, err
	}
	return &Outcome{Accepted: true, TransactionID: txn.TransactionID, TransactionStatus: txn.Status}, nil
}

// applyBodyMutation implements UpdatePolicies/UpdateParty/UpdateAgent:
// the cached body is mutated, never the status (§4.E).
func (f *FSM) applyBodyMutation(ctx context.Context, s *store.AgentStore, txn *store.Transaction, kind message.Kind, body interface{}) (*Outcome, error) {
	var key string
	switch kind {
	case message.KindUpdatePolicies:
		key = "policies"
	case message.KindUpdateParty:
		key = "party"
	case message.KindUpdateAgent:
		key = "agent_update"
	}
	merged, err := mergeBodyJSON(txn.BodyJSON, map[string]interface{}{key: body})
	if err != nil {
		return nil, err
	}
	if err := s.UpdateTransactionBody(ctx, txn.TransactionID, merged); err != nil {
		return nil, err
	}
	return &Outcome{Accepted: true, TransactionID: txn.TransactionID, TransactionStatus: txn.Status}, nil
}

// applyMembershipMutation implements AddAgents/ReplaceAgent/RemoveAgent,
// gated by the policy predicate since "policies determine which senders
// may issue these" (§4.E). The store has no delete operation for
// transaction_agents (append-only discipline, §3 Lifecycle), so
// ReplaceAgent/RemoveAgent exclude an agent from future quorum by
// driving its status to the terminal Cancelled rather than removing the
// row — a DESIGN.md-recorded implementation choice.
func (f *FSM) applyMembershipMutation(ctx context.Context, s *store.AgentStore, txn *store.Transaction, msg *message.Message, kind message.Kind, body interface{}) (*Outcome, error) {
	allow, err := f.cfg.Policy.Allow(ctx, PolicyContext{
		Kind: kind, TransactionID: txn.TransactionID, From: msg.From, LocalDID: f.cfg.LocalDID, Body: body,
	})
	if err != nil {
		return nil, fmt.Errorf("fsm: policy evaluation: %w", err)
	}
	if !allow {
		return &Outcome{Accepted: false, Reason: "membership mutation denied by policy", TransactionID: txn.TransactionID}, nil
	}

	switch kind {
	case message.KindAddAgents:
		ab, ok := body.(message.AddAgentsBody)
		if !ok {
			return nil, fmt.Errorf("fsm: AddAgents: unexpected body type %T", body)
		}
		for _, ref := range ab.Agents {
			role := store.AgentRole(ref.Role)
			if role == "" {
				role = store.RoleOther
			}
			if err := s.UpsertTransactionAgent(ctx, txn.TransactionID, ref.DID, role); err != nil {
				return nil, err
			}
		}
	case message.KindReplaceAgent:
		rb, ok := body.(message.ReplaceAgentBody)
		if !ok {
			return nil, fmt.Errorf("fsm: ReplaceAgent: unexpected body type %T", body)
		}
		if err := s.SetTransactionAgentStatus(ctx, txn.TransactionID, rb.Original, store.AgentCancelled); err != nil {
			return nil, err
		}
		role := store.AgentRole(rb.Replacement.Role)
		if role == "" {
			role = store.RoleOther
		}
		if err := s.UpsertTransactionAgent(ctx, txn.TransactionID, rb.Replacement.DID, role); err != nil {
			return nil, err
		}
	case message.KindRemoveAgent:
		rb, ok := body.(message.RemoveAgentBody)
		if !ok {
			return nil, fmt.Errorf("fsm: RemoveAgent: unexpected body type %T", body)
		}
		if err := s.SetTransactionAgentStatus(ctx, txn.TransactionID, rb.DID, store.AgentCancelled); err != nil {
			return nil, err
		}
	}

	return f.checkQuorum(ctx, s, txn, "")
}

// checkQuorum implements §4.E's quorum rule: after any status mutation
// on transaction_agents, if the transaction is not already terminal and
// every row is Authorized, the transaction transitions to Authorized. If
// the local agent is the originator-side settling agent, reaching
// quorum also logs a settlement_required decision and signals the
// caller to send the resulting Settle once the decision layer supplies
// a settlement_id (AutoSettle, mirroring AutoAuthorize).
func (f *FSM) checkQuorum(ctx context.Context, s *store.AgentStore, txn *store.Transaction, agentStatus store.AgentStatus) (*Outcome, error) {
	current, err := s.GetTransaction(ctx, txn.TransactionID)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Accepted: true, TransactionID: txn.TransactionID, TransactionStatus: current.Status, AgentStatus: agentStatus}
	if current.Status == store.TxPending {
		agents, err := s.ListTransactionAgents(ctx, txn.TransactionID)
		if err != nil {
			return nil, err
		}
		allAuthorized := len(agents) > 0
		for _, a := range agents {
			if a.Status != store.AgentAuthorized {
				allAuthorized = false
				break
			}
		}
		if allAuthorized {
			if err := s.SetTransactionStatus(ctx, txn.TransactionID, store.TxAuthorized); err != nil {
				return nil, err
			}
			out.TransactionStatus = store.TxAuthorized

			if f.isOriginatorSideSettlingAgent(current, f.cfg.LocalDID) {
				id, err := s.InsertDecision(ctx, txn.TransactionID, f.cfg.LocalDID, store.DecisionSettlementRequired, current.BodyJSON)
				if err != nil {
					return nil, err
				}
				out.DecisionLogIDs = append(out.DecisionLogIDs, id)
				out.AutoSettle = true
			}
		}
	}
	return out, nil
}

func bodyFlag(bodyJSON []byte, key string) (bool, error) {
	var m map[string]interface{}
	if len(bodyJSON) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(bodyJSON, &m); err != nil {
		return false, fmt.Errorf("fsm: decode cached body: %w", err)
	}
	v, _ := m[key].(bool)
	return v, nil
}

func mergeBodyJSON(existing []byte, patch map[string]interface{}) ([]byte, error) {
	m := map[string]interface{}{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &m); err != nil {
			return nil, fmt.Errorf("fsm: decode cached body: %w", err)
		}
	}
	for k, v := range patch {
		m[k] = v
	}
	return json.Marshal(m)
}
