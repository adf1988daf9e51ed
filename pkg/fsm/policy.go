package fsm

import (
	"context"

	"github.com/tap-rsvp/tapnode/pkg/message"
)

// PolicyContext carries everything a PolicyPredicate needs to decide
// whether to allow a membership mutation or an automatic action.
type PolicyContext struct {
	Kind          message.Kind
	TransactionID string
	From          string
	LocalDID      string
	Body          interface{}
}

// PolicyPredicate resolves the Open Question "policy predicate
// resolution" (DESIGN.md): a pluggable boolean decision the FSM
// consults before a membership mutation (AddAgents/ReplaceAgent/
// RemoveAgent) or an auto-authorize decision takes effect.
type PolicyPredicate interface {
	Allow(ctx context.Context, pc PolicyContext) (bool, error)
}

// DenyAllPredicate is the fail-closed default: every policy-gated
// action is denied (and therefore routed to decision handoff, §4.E)
// until an operator supplies a real predicate.
type DenyAllPredicate struct{}

func (DenyAllPredicate) Allow(context.Context, PolicyContext) (bool, error) { return false, nil }

// AllowAllPredicate permits everything; useful in tests and for
// single-operator deployments with no multi-tenant policy concerns.
type AllowAllPredicate struct{}

func (AllowAllPredicate) Allow(context.Context, PolicyContext) (bool, error) { return true, nil }
