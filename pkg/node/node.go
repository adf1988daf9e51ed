// Package node is the composition layer (§5.1 expansion): it wires the
// Key Manager, Secure Envelope Codec, Message Model, Per-Agent Store,
// Transaction FSM, Delivery Router and optional External Decision
// Bridge into one per-agent pipeline, and hosts the event bus multiple
// such pipelines publish to. Grounded on cmd/helm/main.go's top-level
// subsystem wiring (construct each collaborator, hand pointers to the
// next), generalized from a single global server to one composition per
// local agent DID sharing a process-wide Router and Bus.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tap-rsvp/tapnode/pkg/bridge"
	"github.com/tap-rsvp/tapnode/pkg/envelope"
	"github.com/tap-rsvp/tapnode/pkg/fsm"
	"github.com/tap-rsvp/tapnode/pkg/keymanager"
	"github.com/tap-rsvp/tapnode/pkg/message"
	"github.com/tap-rsvp/tapnode/pkg/router"
	"github.com/tap-rsvp/tapnode/pkg/store"
)

// AgentConfig parameterizes one local agent's pipeline.
type AgentConfig struct {
	DID       string
	Keys      *keymanager.Manager
	Resolver  envelope.Resolver
	PackMode  envelope.Mode
	SignerKid string // required when PackMode is ModeSigned
	FSM       fsm.Config
	Bridge    *bridge.Config // nil disables the external decision bridge for this agent
	EventBuffer int
}

// Agent is one local agent's fully wired pipeline: it can unpack and
// apply inbound envelopes (ReceiveLocal implements router.LocalIngress)
// and pack and hand off outbound plaintext to a Router.
type Agent struct {
	did       string
	keys      *keymanager.Manager
	resolver  envelope.Resolver
	packMode  envelope.Mode
	signerKid string

	envCodec *envelope.Codec
	msgCodec *message.Codec
	store    *store.AgentStore
	fsm      *fsm.FSM
	bus      *Bus
	bridge   *bridge.Bridge

	router *router.Router
}

// NewAgent constructs one agent's pipeline against an already-opened
// AgentStore. The caller wires the resulting Agent into a Host (or
// directly into a router.Config.LocalAgents map) before traffic arrives.
func NewAgent(cfg AgentConfig, s *store.AgentStore, clock message.Clock) (*Agent, error) {
	if cfg.DID == "" {
		return nil, fmt.Errorf("node: agent config requires a DID")
	}
	cfg.FSM.LocalDID = cfg.DID

	if cfg.PackMode == envelope.ModeSigned && cfg.SignerKid == "" {
		return nil, fmt.Errorf("node: agent %s: SignerKid required for ModeSigned", cfg.DID)
	}
	if cfg.PackMode == envelope.ModeAnoncrypt || cfg.PackMode == envelope.ModeAuthcrypt {
		// Recipient JWK resolution by DID (rather than by kid, which is
		// all envelope.Resolver exposes) is not wired at this layer yet;
		// encrypted outbound packing is left to a direct pkg/envelope
		// caller that already has the recipient's JWK in hand.
		return nil, fmt.Errorf("node: agent %s: PackMode %s not supported by Agent.Send yet", cfg.DID, cfg.PackMode)
	}

	a := &Agent{
		did:       cfg.DID,
		keys:      cfg.Keys,
		resolver:  cfg.Resolver,
		packMode:  cfg.PackMode,
		signerKid: cfg.SignerKid,
		envCodec:  envelope.New(cfg.Keys),
		msgCodec:  message.New(clock),
		store:     s,
		fsm:       fsm.New(cfg.FSM),
		bus:       NewBus(cfg.EventBuffer),
	}

	if cfg.Bridge != nil {
		br, err := bridge.New(*cfg.Bridge)
		if err != nil {
			return nil, fmt.Errorf("node: build bridge for %s: %w", cfg.DID, err)
		}
		a.bridge = br
	}
	return a, nil
}

// Bus returns the agent's event publisher/subscriber.
func (a *Agent) Bus() *Bus { return a.bus }

// Bridge returns the agent's external decision bridge, or nil if none
// was configured.
func (a *Agent) Bridge() *bridge.Bridge { return a.bridge }

// AttachRouter lets the agent dispatch outbound deliveries once a Host
// has built the shared Router (construction order: agents, then Router,
// then AttachRouter on each agent — the Router needs every agent's
// ReceiveLocal to resolve internal recipients).
func (a *Agent) AttachRouter(r *router.Router) { a.router = r }

// ReceiveLocal implements router.LocalIngress: a sibling agent in the
// same process handed this agent plaintext-free canonical envelope
// bytes directly, skipping the network.
func (a *Agent) ReceiveLocal(ctx context.Context, fromDID string, envelopeBytes []byte) error {
	_, err := a.Ingest(ctx, envelopeBytes, "internal", fromDID)
	return err
}

// Ingest implements the receive path common to every transport: stage
// the raw bytes, unpack the envelope, parse and validate the plaintext,
// append it to the message log, apply it to the Transaction FSM, and
// publish the resulting events. sourceType/sourceID are recorded on the
// staged `received` row only (§4.D).
func (a *Agent) Ingest(ctx context.Context, raw []byte, sourceType, sourceID string) (*fsm.Outcome, error) {
	receivedID, err := a.store.CreateReceived(ctx, raw, sourceType, sourceID)
	if err != nil {
		return nil, err
	}

	plaintext, _, err := a.envCodec.Unpack(raw, a.resolver)
	if err != nil {
		_ = a.store.UpdateReceivedStatus(ctx, receivedID, store.ReceivedFailed, "", err.Error())
		return nil, err
	}

	msg, body, err := a.msgCodec.FromPlain(plaintext)
	if err != nil {
		_ = a.store.UpdateReceivedStatus(ctx, receivedID, store.ReceivedFailed, "", err.Error())
		return nil, err
	}

	if exists, err := a.store.HasMessage(ctx, msg.ID); err != nil {
		return nil, err
	} else if exists {
		_ = a.store.UpdateReceivedStatus(ctx, receivedID, store.ReceivedProcessed, msg.ID, "duplicate")
		return nil, nil
	}

	if err := a.store.AppendMessage(ctx, msg.ID, store.DirectionIncoming, plaintext, raw); err != nil {
		_ = a.store.UpdateReceivedStatus(ctx, receivedID, store.ReceivedFailed, msg.ID, err.Error())
		return nil, err
	}

	outcome, err := a.fsm.Apply(ctx, a.store, msg, body)
	if err != nil {
		_ = a.store.UpdateReceivedStatus(ctx, receivedID, store.ReceivedFailed, msg.ID, err.Error())
		return nil, err
	}
	if err := a.store.UpdateReceivedStatus(ctx, receivedID, store.ReceivedProcessed, msg.ID, ""); err != nil {
		return nil, err
	}

	a.bus.Publish(Event{Kind: EventMessageReceived, AgentDID: a.did, TransactionID: outcome.TransactionID, Data: msg})
	a.reactToOutcome(ctx, outcome)
	return outcome, nil
}

// reactToOutcome drives every side effect an Outcome can demand,
// whichever side (sender or receiver) produced it — a transaction's
// status is shared across every involved agent's own store, so the
// sender of a message applies the FSM to its own copy exactly as the
// receiver does (§4.E Concrete scenarios: "both agents have..." after
// either party sends).
func (a *Agent) reactToOutcome(ctx context.Context, outcome *fsm.Outcome) {
	if outcome == nil {
		return
	}
	if outcome.TransactionID != "" {
		a.bus.Publish(Event{Kind: EventTransactionStateChanged, AgentDID: a.did, TransactionID: outcome.TransactionID, Data: outcome})
	}

	a.dispatchDecisions(ctx, outcome)
	if outcome.AutoAuthorize {
		if err := a.sendAutoAuthorize(ctx, outcome.TransactionID); err != nil {
			slog.Warn("node: auto-authorize send failed", "agent", a.did, "transaction_id", outcome.TransactionID, "error", err)
		}
	}
	if outcome.AutoSettle && a.bridge == nil {
		slog.Info("node: quorum reached, settlement_required decision logged, no bridge configured to resolve a settlement_id", "agent", a.did, "transaction_id", outcome.TransactionID)
	}
}

// sendAutoAuthorize implements the other half of the FSM's
// AutoAuthorize signal (§4.E): the local agent has policy-approved
// standing authorization for a transaction it was just named in, so it
// sends Authorize to every other known party without waiting for an
// application call. Recipient classification (internal/https/pickup) is
// left entirely to the Router.
func (a *Agent) sendAutoAuthorize(ctx context.Context, transactionID string) error {
	agents, err := a.store.ListTransactionAgents(ctx, transactionID)
	if err != nil {
		return err
	}
	var to []string
	var recipients []router.Recipient
	for _, ta := range agents {
		if ta.AgentDID == a.did {
			continue
		}
		to = append(to, ta.AgentDID)
		recipients = append(recipients, router.Recipient{DID: ta.AgentDID})
	}
	if len(to) == 0 {
		return nil
	}
	return a.Send(ctx, message.KindAuthorize, message.AuthorizeBody{}, to, transactionID, recipients)
}

// dispatchDecisions forwards every decision_log row Apply just created
// to the external decision bridge, when one is configured, and records
// whether it was delivered or only logged for the operator to resolve
// out of band (§4.G: a configured bridge gets every decision; without
// one, decisions sit in decision_log until resolved through some other
// collaborator-specific path). A resolved settlement_required decision
// whose action is settle carries the settlement_id the decision layer
// minted (§4.E Quorum rule), and is turned into an outbound Settle here.
func (a *Agent) dispatchDecisions(ctx context.Context, outcome *fsm.Outcome) {
	if outcome == nil || len(outcome.DecisionLogIDs) == 0 {
		return
	}
	for _, id := range outcome.DecisionLogIDs {
		a.bus.Publish(Event{Kind: EventDecisionCreated, AgentDID: a.did, TransactionID: outcome.TransactionID, Data: id})
		if a.bridge == nil {
			continue
		}
		entry, err := a.store.GetDecision(ctx, id)
		if err != nil {
			slog.Error("node: load decision for bridge dispatch", "agent", a.did, "decision_id", id, "error", err)
			continue
		}
		result, err := a.bridge.SendDecision(ctx, *entry)
		if err != nil {
			slog.Warn("node: decision bridge dispatch failed, left pending for replay", "agent", a.did, "decision_id", id, "error", err)
			continue
		}
		a.bus.Publish(Event{Kind: EventDecisionResolved, AgentDID: a.did, TransactionID: outcome.TransactionID, Data: result.Action})

		if entry.DecisionType == store.DecisionSettlementRequired && result.Action == "settle" {
			if err := a.sendResolvedSettle(ctx, outcome.TransactionID, result.SettlementID); err != nil {
				slog.Warn("node: auto-settle send failed", "agent", a.did, "transaction_id", outcome.TransactionID, "error", err)
			}
		}
	}
}

// sendResolvedSettle sends the Settle the decision layer authorized for
// a transaction that just reached quorum under this agent as the
// originator-side settling agent (§4.E Quorum rule).
func (a *Agent) sendResolvedSettle(ctx context.Context, transactionID, settlementID string) error {
	agents, err := a.store.ListTransactionAgents(ctx, transactionID)
	if err != nil {
		return err
	}
	var to []string
	var recipients []router.Recipient
	for _, ta := range agents {
		if ta.AgentDID == a.did {
			continue
		}
		to = append(to, ta.AgentDID)
		recipients = append(recipients, router.Recipient{DID: ta.AgentDID})
	}
	if len(to) == 0 {
		return nil
	}
	return a.Send(ctx, message.KindSettle, message.SettleBody{SettlementID: settlementID}, to, transactionID, recipients)
}

// Send packs plaintext built from kind/body, applies it to the local
// agent's own Transaction FSM (the sender's own store must reflect its
// own Authorize/Settle/etc. exactly as a receiving agent's store would,
// §4.E Concrete scenarios), and hands it to the Router for delivery to
// recipients (§4.B Pack, §4.F Dispatch). The caller supplies recipients
// explicitly since only application-level context (or a prior FSM
// Outcome) knows who the transaction's current parties are.
func (a *Agent) Send(ctx context.Context, kind message.Kind, body interface{}, to []string, thid string, recipients []router.Recipient) error {
	if a.router == nil {
		return fmt.Errorf("node: agent %s has no router attached", a.did)
	}
	msg, err := a.msgCodec.ToPlain(kind, body, a.did, to, thid)
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("node: marshal outbound plaintext: %w", err)
	}

	envelopeBytes, err := a.envCodec.Pack(envelope.PackRequest{
		Plaintext: plaintext,
		Mode:      a.packMode,
		SignerKid: a.signerKid,
	})
	if err != nil {
		return err
	}

	if err := a.store.AppendMessage(ctx, msg.ID, store.DirectionOutgoing, plaintext, []byte(envelopeBytes)); err != nil {
		return err
	}

	outcome, err := a.fsm.Apply(ctx, a.store, msg, body)
	if err != nil {
		return fmt.Errorf("node: apply outbound message to local FSM: %w", err)
	}
	a.reactToOutcome(ctx, outcome)

	if err := a.router.Dispatch(ctx, a.store, msg.ID, []byte(envelopeBytes), recipients); err != nil {
		return err
	}
	a.bus.Publish(Event{Kind: EventMessageSent, AgentDID: a.did, TransactionID: thid, Data: msg})
	return nil
}
