package message

import "github.com/tap-rsvp/tapnode/pkg/tapcore"

// TransferBody is the body of a Transfer initiator (§3 Message Kinds).
// Amount is a non-empty decimal string per §4.B Algorithm selection /
// §4.C semantic validators — never a float, to avoid precision loss
// across chains with different native decimal places.
type TransferBody struct {
	Asset       string            `json:"asset"`
	Amount      string            `json:"amount"`
	Originator  Party             `json:"originator"`
	Beneficiary Party             `json:"beneficiary"`
	Memo        string            `json:"memo,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// PaymentBody is the body of a Payment initiator.
type PaymentBody struct {
	Asset    string            `json:"asset"`
	Amount   string            `json:"amount"`
	Merchant Party             `json:"merchant"`
	Customer Party             `json:"customer"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ConnectBody is the body of a Connect initiator (relationship setup).
type ConnectBody struct {
	Principal   Party    `json:"principal"`
	RequestedCaps []string `json:"requested_capabilities,omitempty"`
}

// EscrowBody is the body of an Escrow initiator.
type EscrowBody struct {
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	Originator Party  `json:"originator"`
	Agent      Party  `json:"agent"`
	Expiry     int64  `json:"expiry,omitempty"`
}

// Party is a counterparty reference carried in initiator bodies.
type Party struct {
	ID          string            `json:"@id,omitempty"`
	DID         string            `json:"did,omitempty"`
	Name        string            `json:"name,omitempty"`
	LEI         string            `json:"lei,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AuthorizeBody is the body of an Authorize response.
type AuthorizeBody struct {
	Reason string `json:"reason,omitempty"`
}

// RejectBody is the body of a Reject response.
type RejectBody struct {
	Reason string `json:"reason"`
}

// CancelBody is the body of a Cancel response.
type CancelBody struct {
	Reason string `json:"reason,omitempty"`
	ByWhom string `json:"by_whom,omitempty"`
}

// SettleBody is the body of a Settle response. SettlementID must reference
// a known settlement transaction id in a chain-agnostic format (e.g. a
// CAIP-220-style `chain_id:tx_hash`) — §4.C semantic validators.
type SettleBody struct {
	SettlementID string `json:"settlement_id"`
	Amount       string `json:"amount,omitempty"`
}

// RevertBody is the body of a Revert response.
type RevertBody struct {
	SettlementID string `json:"settlement_id"`
	Reason       string `json:"reason"`
}

// UpdatePoliciesBody is the body of an UpdatePolicies response.
type UpdatePoliciesBody struct {
	Policies []Policy `json:"policies"`
}

// Policy is one policy document understood by the FSM's policy predicate
// (§4.E, §9 Open Question: policy predicate resolution).
type Policy struct {
	Kind string                 `json:"@type"`
	Spec map[string]interface{} `json:"spec,omitempty"`
}

// AddAgentsBody is the body of an AddAgents response.
type AddAgentsBody struct {
	Agents []AgentRef `json:"agents"`
}

// AgentRef names an agent to add/replace/remove in transaction_agents.
type AgentRef struct {
	DID  string `json:"@id"`
	Role string `json:"role"`
}

// ReplaceAgentBody is the body of a ReplaceAgent response.
type ReplaceAgentBody struct {
	Original    string   `json:"original"`
	Replacement AgentRef `json:"replacement"`
}

// RemoveAgentBody is the body of a RemoveAgent response.
type RemoveAgentBody struct {
	DID string `json:"@id"`
}

// UpdateAgentBody / UpdatePartyBody carry partial updates to an existing
// agent's or party's metadata.
type UpdateAgentBody struct {
	DID      string            `json:"@id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type UpdatePartyBody struct {
	Party Party `json:"party"`
}

// simpleBody covers the remaining response kinds (Complete, Capture,
// ConfirmRelationship, Presentation, AuthorizationRequired, BasicMessage,
// TrustPing, Error) whose protocol role the core only needs to dispatch
// on, not deeply validate — their semantic content is an external
// collaborator concern (§1 Non-goals: "the specific set of message
// bodies ... for those we specify only the interfaces the core
// consumes").
type simpleBody map[string]interface{}

func validateNonEmptyDecimal(s string) error {
	if s == "" {
		return tapcore.ErrMessageMalformed
	}
	sawDigit := false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			sawDigit = true
		case r == '.' && i > 0:
		case r == '-' && i == 0:
		default:
			return tapcore.ErrMessageMalformed
		}
	}
	if !sawDigit {
		return tapcore.ErrMessageMalformed
	}
	return nil
}
