// Package fsm implements the per-(agent_did, transaction_id) Transaction
// Finite State Machine (§4.E): acceptance preconditions, monotonic state
// transitions, multi-agent authorization quorum, and decision handoff to
// an external bridge. The ordered-checks-building-a-typed-decision shape
// (one fail-closed pass producing an Outcome) is grounding-by-analogy on
// the teacher's core/pkg/envelope/gate.go (EnvelopeGate.CheckEffect) — a
// runtime autonomy-envelope gate, not a transaction ledger; the pattern
// was read and reworked from scratch, not copied or relocated.
package fsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tap-rsvp/tapnode/pkg/message"
	"github.com/tap-rsvp/tapnode/pkg/store"
	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

// Config parameterizes one agent's FSM instance.
type Config struct {
	// LocalDID is the agent this FSM instance acts on behalf of.
	LocalDID string
	// Policy gates membership-mutating messages (AddAgents, ReplaceAgent,
	// RemoveAgent — "policies determine which senders may issue these",
	// §4.E) and decides whether the local agent auto-authorizes a
	// transaction it has been added to as a party.
	Policy PolicyPredicate
	// EnforceSettleAmountCeiling and SettleAmountCeiling hold the opt-in
	// settle-amount ceiling recorded in DESIGN.md. Apply does not read
	// either field: a Settle is accepted whatever its amount, and no
	// decision handoff is made on amount.
	EnforceSettleAmountCeiling bool
	SettleAmountCeiling        string
}

// FSM applies accepted messages to one agent's transaction ledger.
type FSM struct {
	cfg Config
}

// New returns an FSM for the given configuration. A nil Policy defaults
// to DenyAllPredicate (fail-closed on every membership mutation and
// auto-authorize decision).
func New(cfg Config) *FSM {
	if cfg.Policy == nil {
		cfg.Policy = DenyAllPredicate{}
	}
	return &FSM{cfg: cfg}
}

// Outcome reports what Apply did, for the caller (pkg/node) to act on:
// schedule outbound messages, or leave a decision_log row for the
// bridge to pick up.
type Outcome struct {
	Accepted          bool
	Reason            string
	TransactionID     string
	TransactionStatus store.TransactionStatus
	AgentStatus       store.AgentStatus
	DecisionLogIDs    []int64
	AutoAuthorize     bool // caller should author and send an Authorize
	AutoSettle        bool // quorum reached; a settlement_required decision was logged for the originator-side settling agent
}

// Apply implements §4.E. msg must already have passed envelope
// authentication (§4.B) and message-model validation and freshness
// checks (§4.C) — Apply assumes AppendMessage has already accepted msg
// into s (precondition 3, §4.E, is therefore the caller's
// responsibility via store.AgentStore.AppendMessage's duplicate check).
func (f *FSM) Apply(ctx context.Context, s *store.AgentStore, msg *message.Message, body interface{}) (*Outcome, error) {
	kind, ok := msg.Kind()
	if !ok {
		return nil, fmt.Errorf("fsm: %w: %q", tapcore.ErrUnknownMessageType, msg.Type)
	}

	if message.IsInitiator(kind) {
		return f.applyInitiator(ctx, s, msg, kind, body)
	}
	return f.applyResponse(ctx, s, msg, kind, body)
}

func (f *FSM) applyInitiator(ctx context.Context, s *store.AgentStore, msg *message.Message, kind message.Kind, body interface{}) (*Outcome, error) {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("fsm: marshal initiator body: %w", err)
	}

	txn, err := s.UpsertTransaction(ctx, msg.ID, string(kind), msg.From, bodyJSON)
	if err != nil {
		return nil, err
	}

	// The sender row starts Pending like every other party: sending the
	// initiator message only opens the transaction, it is not itself an
	// authorization. The initiator reaches quorum the same way every
	// other party does, by separately sending its own Authorize.
	if err := s.UpsertTransactionAgent(ctx, msg.ID, msg.From, store.RoleSender); err != nil {
		return nil, err
	}
	for _, to := range msg.To {
		if to == msg.From {
			continue
		}
		if err := s.UpsertTransactionAgent(ctx, msg.ID, to, store.RoleReceiver); err != nil {
			return nil, err
		}
	}

	out := &Outcome{
		Accepted:          true,
		TransactionID:     msg.ID,
		TransactionStatus: txn.Status,
		AgentStatus:       store.AgentPending,
	}

	// If the local agent is a named recipient (not the initiator), it
	// must eventually decide whether to authorize — this is the first
	// decision point of the transaction's life (§4.E Decision handoff).
	if f.localIsRecipient(msg) {
		allow, err := f.cfg.Policy.Allow(ctx, PolicyContext{
			Kind: message.KindAuthorize, TransactionID: msg.ID, From: msg.From,
			LocalDID: f.cfg.LocalDID, Body: body,
		})
		if err != nil {
			return nil, fmt.Errorf("fsm: policy evaluation: %w", err)
		}
		if allow {
			out.AutoAuthorize = true
		} else {
			ctxJSON, _ := json.Marshal(body)
			id, err := s.InsertDecision(ctx, msg.ID, f.cfg.LocalDID, store.DecisionAuthorizationRequired, ctxJSON)
			if err != nil {
				return nil, err
			}
			out.DecisionLogIDs = append(out.DecisionLogIDs, id)
		}
	}

	return out, nil
}

func (f *FSM) localIsRecipient(msg *message.Message) bool {
	if f.cfg.LocalDID == "" || f.cfg.LocalDID == msg.From {
		return false
	}
	for _, to := range msg.To {
		if to == f.cfg.LocalDID {
			return true
		}
	}
	return false
}

var membershipMutationKinds = map[message.Kind]bool{
	message.KindAddAgents:    true,
	message.KindReplaceAgent: true,
	message.KindRemoveAgent:  true,
}

func (f *FSM) applyResponse(ctx context.Context, s *store.AgentStore, msg *message.Message, kind message.Kind, body interface{}) (*Outcome, error) {
	// Acceptance precondition 1: referenced transaction must exist.
	txn, err := s.GetTransaction(ctx, msg.ThID)
	if errors.Is(err, tapcore.ErrNotFound) {
		return &Outcome{Accepted: false, Reason: "unknown transaction", TransactionID: msg.ThID}, nil
	}
	if err != nil {
		return nil, err
	}

	// Acceptance precondition 2: sender must be a known party, unless
	// this message itself mutates the membership set.
	if !membershipMutationKinds[kind] {
		member, err := s.IsMember(ctx, msg.ThID, msg.From)
		if err != nil {
			return nil, err
		}
		if !member {
			return &Outcome{Accepted: false, Reason: "sender not a transaction party", TransactionID: msg.ThID}, nil
		}
	}

	switch kind {
	case message.KindAuthorize:
		return f.applyAuthorize(ctx, s, txn, msg)
	case message.KindReject:
		return f.applyTerminalVeto(ctx, s, txn, msg, store.AgentRejected, store.TxRejected)
	case message.KindCancel:
		return f.applyTerminalVeto(ctx, s, txn, msg, store.AgentCancelled, store.TxCancelled)
	case message.KindSettle:
		return f.applySettle(ctx, s, txn, msg, body)
	case message.KindRevert:
		return f.applyRevert(ctx, s, txn, msg)
	case message.KindUpdatePolicies, message.KindUpdateParty, message.KindUpdateAgent:
		return f.applyBodyMutation(ctx, s, txn, kind, body)
	case message.KindAddAgents, message.KindReplaceAgent, message.KindRemoveAgent:
		return f.applyMembershipMutation(ctx, s, txn, msg, kind, body)
	default:
		// Thin protocol kinds (Complete, Capture, Presentation, ...)
		// carry no state-machine effect of their own.
		return &Outcome{Accepted: true, TransactionID: txn.TransactionID, TransactionStatus: txn.Status}, nil
	}
}
