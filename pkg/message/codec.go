package message

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/tap-rsvp/tapnode/pkg/tapcore"
)

// freshnessWindowSeconds is how far into the future created_time may drift and
// still be accepted (§4.E Acceptance precondition 4).
const freshnessWindowSeconds = 60

// Codec constructs and parses plaintext messages against the schemas
// registered for each kind.
type Codec struct {
	clock    Clock
	registry map[Kind]*kindSchema
}

// New returns a Codec with every built-in kind's schema registered.
func New(clock Clock) *Codec {
	if clock == nil {
		clock = wallClock{}
	}
	c := &Codec{clock: clock, registry: make(map[Kind]*kindSchema)}
	registerBuiltinSchemas(c)
	return c
}

// ToPlain implements §4.C to_plain: constructs the envelope with a
// freshly generated id and current time. For initiators, thid is absent;
// for responses, thid is required.
func (c *Codec) ToPlain(kind Kind, body interface{}, from string, to []string, thid string) (*Message, error) {
	if !tapcore.ValidDID(from) {
		return nil, fmt.Errorf("message: to_plain: %w: from", tapcore.ErrMessageMalformed)
	}
	for _, t := range to {
		if !tapcore.ValidDID(t) {
			return nil, fmt.Errorf("message: to_plain: %w: to", tapcore.ErrMessageMalformed)
		}
	}
	if !IsInitiator(kind) && thid == "" {
		return nil, fmt.Errorf("message: to_plain: %w: thid required for response kind %s", tapcore.ErrMissingThread, kind)
	}
	if IsInitiator(kind) && thid != "" {
		return nil, fmt.Errorf("message: to_plain: %w: thid must be absent for initiator kind %s", tapcore.ErrMessageMalformed, kind)
	}

	m := &Message{
		ID:            newID(),
		Type:          TypeURI(kind),
		From:          from,
		To:            to,
		ThID:          thid,
		CreatedTime:   c.clock.Now().Unix(),
		SchemaVersion: SchemaVersion,
		Body:          body,
	}
	if err := c.validateBody(kind, body); err != nil {
		return nil, err
	}
	return m, nil
}

// FromPlain implements §4.C from_plain: dispatches on type and parses the
// body into its typed representation, returning an error that wraps a
// tapcore input sentinel (ErrMessageMalformed for a body or field
// mismatch) on failure.
func (c *Codec) FromPlain(plaintext []byte) (*Message, interface{}, error) {
	var raw struct {
		Message
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(plaintext, &raw); err != nil {
		return nil, nil, fmt.Errorf("message: from_plain: %w: %v", tapcore.ErrMessageMalformed, err)
	}
	m := raw.Message

	kind, ok := kindFromType(m.Type)
	if !ok {
		return nil, nil, fmt.Errorf("message: from_plain: %w: %q", tapcore.ErrUnknownMessageType, m.Type)
	}
	if m.ID == "" {
		return nil, nil, fmt.Errorf("message: from_plain: %w: id", tapcore.ErrMessageMalformed)
	}
	if !IsInitiator(kind) && m.ThID == "" {
		return nil, nil, fmt.Errorf("message: from_plain: %w: thid required for %s", tapcore.ErrMissingThread, kind)
	}
	if m.ExpiresTime != 0 && m.ExpiresTime <= m.CreatedTime {
		return nil, nil, fmt.Errorf("message: from_plain: %w: expires_time", tapcore.ErrMessageMalformed)
	}
	now := c.clock.Now().Unix()
	if m.CreatedTime > now+freshnessWindowSeconds {
		return nil, nil, fmt.Errorf("message: from_plain: %w", tapcore.ErrFutureTimestamp)
	}
	if m.ExpiresTime != 0 && m.ExpiresTime < now {
		return nil, nil, fmt.Errorf("message: from_plain: %w", tapcore.ErrExpiredMessage)
	}
	if err := c.checkSchemaVersion(m.SchemaVersion); err != nil {
		return nil, nil, err
	}

	schema, ok := c.registry[kind]
	if !ok {
		return nil, nil, fmt.Errorf("message: from_plain: %w: %q", tapcore.ErrUnknownMessageType, kind)
	}
	typedBody, err := schema.parse(raw.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("message: from_plain: body: %w", err)
	}
	if err := schema.validate(typedBody); err != nil {
		return nil, nil, fmt.Errorf("message: from_plain: body: %w", err)
	}
	m.Body = typedBody
	return &m, typedBody, nil
}

// checkSchemaVersion accepts same-major versions only, the namespace
// compatibility rule for https://tap.rsvp/schema/1.0 (§3.1 expansion).
func (c *Codec) checkSchemaVersion(declared string) error {
	if declared == "" {
		return nil // older senders may omit it; treated as the baseline version
	}
	dv, err := semver.NewVersion(declared)
	if err != nil {
		return fmt.Errorf("message: %w: bad schema_version %q", tapcore.ErrMessageMalformed, declared)
	}
	supported := semver.MustParse(SchemaVersion)
	if dv.Major() != supported.Major() {
		return fmt.Errorf("message: %w: schema_version %s incompatible with %s", tapcore.ErrMessageMalformed, declared, SchemaVersion)
	}
	return nil
}

func (c *Codec) validateBody(kind Kind, body interface{}) error {
	schema, ok := c.registry[kind]
	if !ok {
		return fmt.Errorf("message: %w: %q", tapcore.ErrUnknownMessageType, kind)
	}
	return schema.validate(body)
}
