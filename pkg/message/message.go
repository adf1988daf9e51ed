// Package message defines the canonical TAP plaintext envelope and the
// typed per-kind bodies it carries (§4.C). Grounded on pkg/contracts'
// typed-kind-constant pattern (Action/ActionType) generalized to a closed
// set of DIDComm message kinds, with schema validation and semver
// negotiation layered on top.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Kind names a TAP message type under the protocol's namespace.
type Kind string

const (
	KindTransfer             Kind = "Transfer"
	KindPayment              Kind = "Payment"
	KindConnect              Kind = "Connect"
	KindEscrow               Kind = "Escrow"
	KindAuthorize            Kind = "Authorize"
	KindReject               Kind = "Reject"
	KindCancel               Kind = "Cancel"
	KindSettle               Kind = "Settle"
	KindRevert               Kind = "Revert"
	KindComplete             Kind = "Complete"
	KindCapture              Kind = "Capture"
	KindUpdateAgent          Kind = "UpdateAgent"
	KindUpdateParty          Kind = "UpdateParty"
	KindAddAgents            Kind = "AddAgents"
	KindReplaceAgent         Kind = "ReplaceAgent"
	KindRemoveAgent          Kind = "RemoveAgent"
	KindUpdatePolicies       Kind = "UpdatePolicies"
	KindConfirmRelationship  Kind = "ConfirmRelationship"
	KindPresentation         Kind = "Presentation"
	KindAuthorizationRequired Kind = "AuthorizationRequired"
	KindBasicMessage         Kind = "BasicMessage"
	KindTrustPing            Kind = "TrustPing"
	KindError                Kind = "Error"
)

// Namespace is the TAP schema namespace message `type` URIs are built
// under (§6 Wire format).
const Namespace = "https://tap.rsvp/schema/1.0"

// SchemaVersion is the namespace version this build negotiates, checked
// against an incoming message's declared version via Masterminds/semver
// (§3.1 expansion: schema_version negotiation).
const SchemaVersion = "1.0.0"

// initiatorKinds create a new transaction thread; their id also becomes
// the transaction_id (§3 Message Kinds).
var initiatorKinds = map[Kind]bool{
	KindTransfer: true,
	KindPayment:  true,
	KindConnect:  true,
	KindEscrow:   true,
}

// IsInitiator reports whether k starts a new transaction thread.
func IsInitiator(k Kind) bool { return initiatorKinds[k] }

// Attachment is an optional media-typed blob (§3 Plaintext Message). Large
// payloads may be referenced by hash/external_url instead of inlined
// (§3.1 expansion), in which case Data is empty and ExternalURL/Hash are
// set — the attachment content then lives in the optional S3 blob
// backend (SPEC_FULL.md §2.2 domain stack).
type Attachment struct {
	ID          string `json:"id"`
	MediaType   string `json:"media_type"`
	Data        []byte `json:"data,omitempty"`
	ExternalURL string `json:"external_url,omitempty"`
	Hash        string `json:"hash,omitempty"` // sha256 hex, required when ExternalURL is set
}

// Message is the canonical plaintext envelope (§3 Plaintext Message).
type Message struct {
	ID            string       `json:"id"`
	Type          string       `json:"type"`
	From          string       `json:"from"`
	To            []string     `json:"to"`
	ThID          string       `json:"thid,omitempty"`
	PThID         string       `json:"pthid,omitempty"`
	CreatedTime   int64        `json:"created_time"`
	ExpiresTime   int64        `json:"expires_time,omitempty"`
	SchemaVersion string       `json:"schema_version,omitempty"`
	Body          interface{}  `json:"body"`
	Attachments   []Attachment `json:"attachments,omitempty"`
}

// Kind extracts the message kind from the Type URI, e.g.
// "https://tap.rsvp/schema/1.0#Transfer" -> KindTransfer.
func (m *Message) Kind() (Kind, bool) {
	return kindFromType(m.Type)
}

func kindFromType(typ string) (Kind, bool) {
	const sep = "#"
	idx := -1
	for i := len(typ) - 1; i >= 0; i-- {
		if typ[i] == '#' {
			idx = i
			break
		}
	}
	if idx < 0 || idx == len(typ)-1 {
		return "", false
	}
	candidate := Kind(typ[idx+len(sep):])
	if _, ok := allKinds[candidate]; !ok {
		return "", false
	}
	return candidate, true
}

var allKinds = map[Kind]struct{}{
	KindTransfer: {}, KindPayment: {}, KindConnect: {}, KindEscrow: {},
	KindAuthorize: {}, KindReject: {}, KindCancel: {}, KindSettle: {}, KindRevert: {},
	KindComplete: {}, KindCapture: {}, KindUpdateAgent: {}, KindUpdateParty: {},
	KindAddAgents: {}, KindReplaceAgent: {}, KindRemoveAgent: {}, KindUpdatePolicies: {},
	KindConfirmRelationship: {}, KindPresentation: {}, KindAuthorizationRequired: {},
	KindBasicMessage: {}, KindTrustPing: {}, KindError: {},
}

// TypeURI builds the `type` field for a kind under the TAP namespace.
func TypeURI(k Kind) string { return Namespace + "#" + string(k) }

// Clock provides wall-clock time to to_plain, overridden in tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// newID generates a fresh message identifier.
func newID() string { return uuid.NewString() }
