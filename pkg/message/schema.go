package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

// kindSchema pairs a compiled JSON Schema (structural validation) with a
// semantic validator (business-rule validation, e.g. a Settle's
// settlement_id format) for one message kind. Schemas are compiled once
// at registration, not per message (the teacher's compile-once-at-
// registration discipline, generalized from pkg/manifest/schema.go).
type kindSchema struct {
	jsonSchema *jsonschema.Schema
	parse      func(raw []byte) (interface{}, error)
	validate   func(body interface{}) error
}

func compileSchema(kind Kind, schemaJSON string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	url := "mem://tap/" + string(kind) + ".json"
	if err := compiler.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("message: invalid built-in schema for %s: %v", kind, err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("message: schema for %s fails to compile: %v", kind, err))
	}
	return schema
}

// structParser returns a parse func that structurally validates raw
// against schema, then decodes it into a fresh value of type T (a body
// type declared in bodies.go).
func structParser[T any](schema *jsonschema.Schema) func(raw []byte) (interface{}, error) {
	return func(raw []byte) (interface{}, error) {
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("%w: %v", tapcore.ErrMessageMalformed, err)
		}
		if err := schema.Validate(generic); err != nil {
			return nil, fmt.Errorf("%w: %v", tapcore.ErrMessageMalformed, err)
		}
		var typed T
		if err := json.Unmarshal(raw, &typed); err != nil {
			return nil, fmt.Errorf("%w: %v", tapcore.ErrMessageMalformed, err)
		}
		return typed, nil
	}
}

const schemaParty = `{
  "type": "object",
  "properties": { "did": {"type": "string"}, "@id": {"type": "string"} }
}`

var (
	schemaTransfer = `{
  "type": "object",
  "required": ["asset", "amount", "originator", "beneficiary"],
  "properties": {
    "asset": {"type": "string", "minLength": 1},
    "amount": {"type": "string", "minLength": 1},
    "originator": ` + schemaParty + `,
    "beneficiary": ` + schemaParty + `
  }
}`
	schemaPayment = `{
  "type": "object",
  "required": ["asset", "amount", "merchant", "customer"],
  "properties": {
    "asset": {"type": "string", "minLength": 1},
    "amount": {"type": "string", "minLength": 1}
  }
}`
	schemaConnect = `{"type": "object"}`
	schemaEscrow  = `{
  "type": "object",
  "required": ["asset", "amount", "originator", "agent"],
  "properties": {
    "asset": {"type": "string", "minLength": 1},
    "amount": {"type": "string", "minLength": 1}
  }
}`
	schemaAuthorize = `{"type": "object"}`
	schemaReject    = `{"type": "object", "required": ["reason"], "properties": {"reason": {"type": "string", "minLength": 1}}}`
	schemaCancel    = `{"type": "object"}`
	schemaSettle    = `{"type": "object", "required": ["settlement_id"], "properties": {"settlement_id": {"type": "string", "minLength": 1}}}`
	schemaRevert    = `{"type": "object", "required": ["settlement_id", "reason"]}`
	schemaUpdatePolicies = `{"type": "object", "required": ["policies"], "properties": {"policies": {"type": "array"}}}`
	schemaAddAgents      = `{"type": "object", "required": ["agents"], "properties": {"agents": {"type": "array", "minItems": 1}}}`
	schemaReplaceAgent   = `{"type": "object", "required": ["original", "replacement"]}`
	schemaRemoveAgent    = `{"type": "object", "required": ["@id"]}`
	schemaUpdateAgent    = `{"type": "object", "required": ["@id"]}`
	schemaUpdateParty    = `{"type": "object", "required": ["party"]}`
	schemaOpenObject     = `{"type": "object"}`
)

// validSettlementID is a loose chain-agnostic check: "namespace:ref",
// matching CAIP-like `chain_id:tx_hash` identifiers without committing
// the core to any one chain's hash format (§1 Non-goals: CAIP parsing is
// an external collaborator concern; the core only checks the shape).
func validSettlementID(id string) bool {
	idx := strings.IndexByte(id, ':')
	return idx > 0 && idx < len(id)-1
}

func registerBuiltinSchemas(c *Codec) {
	reg := func(k Kind, schemaJSON string, parse func([]byte) (interface{}, error), validate func(interface{}) error) {
		c.registry[k] = &kindSchema{
			jsonSchema: compileSchema(k, schemaJSON),
			parse:      parse,
			validate:   validate,
		}
	}

	reg(KindTransfer, schemaTransfer, structParser[TransferBody](compileSchema(KindTransfer, schemaTransfer)), func(b interface{}) error {
		body := b.(TransferBody)
		return validateNonEmptyDecimal(body.Amount)
	})
	reg(KindPayment, schemaPayment, structParser[PaymentBody](compileSchema(KindPayment, schemaPayment)), func(b interface{}) error {
		body := b.(PaymentBody)
		return validateNonEmptyDecimal(body.Amount)
	})
	reg(KindConnect, schemaConnect, structParser[ConnectBody](compileSchema(KindConnect, schemaConnect)), noopValidate)
	reg(KindEscrow, schemaEscrow, structParser[EscrowBody](compileSchema(KindEscrow, schemaEscrow)), func(b interface{}) error {
		body := b.(EscrowBody)
		return validateNonEmptyDecimal(body.Amount)
	})
	reg(KindAuthorize, schemaAuthorize, structParser[AuthorizeBody](compileSchema(KindAuthorize, schemaAuthorize)), noopValidate)
	reg(KindReject, schemaReject, structParser[RejectBody](compileSchema(KindReject, schemaReject)), noopValidate)
	reg(KindCancel, schemaCancel, structParser[CancelBody](compileSchema(KindCancel, schemaCancel)), noopValidate)
	reg(KindSettle, schemaSettle, structParser[SettleBody](compileSchema(KindSettle, schemaSettle)), func(b interface{}) error {
		body := b.(SettleBody)
		if !validSettlementID(body.SettlementID) {
			return fmt.Errorf("%w: settlement_id must be chain-agnostic namespace:ref", tapcore.ErrMessageMalformed)
		}
		return nil
	})
	reg(KindRevert, schemaRevert, structParser[RevertBody](compileSchema(KindRevert, schemaRevert)), func(b interface{}) error {
		body := b.(RevertBody)
		if !validSettlementID(body.SettlementID) {
			return fmt.Errorf("%w: settlement_id must be chain-agnostic namespace:ref", tapcore.ErrMessageMalformed)
		}
		return nil
	})
	reg(KindUpdatePolicies, schemaUpdatePolicies, structParser[UpdatePoliciesBody](compileSchema(KindUpdatePolicies, schemaUpdatePolicies)), noopValidate)
	reg(KindAddAgents, schemaAddAgents, structParser[AddAgentsBody](compileSchema(KindAddAgents, schemaAddAgents)), noopValidate)
	reg(KindReplaceAgent, schemaReplaceAgent, structParser[ReplaceAgentBody](compileSchema(KindReplaceAgent, schemaReplaceAgent)), noopValidate)
	reg(KindRemoveAgent, schemaRemoveAgent, structParser[RemoveAgentBody](compileSchema(KindRemoveAgent, schemaRemoveAgent)), noopValidate)
	reg(KindUpdateAgent, schemaUpdateAgent, structParser[UpdateAgentBody](compileSchema(KindUpdateAgent, schemaUpdateAgent)), noopValidate)
	reg(KindUpdateParty, schemaUpdateParty, structParser[UpdatePartyBody](compileSchema(KindUpdateParty, schemaUpdateParty)), noopValidate)

	for _, k := range []Kind{
		KindComplete, KindCapture, KindConfirmRelationship, KindPresentation,
		KindAuthorizationRequired, KindBasicMessage, KindTrustPing, KindError,
	} {
		reg(k, schemaOpenObject, structParser[simpleBody](compileSchema(k, schemaOpenObject)), noopValidate)
	}
}

func noopValidate(interface{}) error { return nil }
