package message

import (
	"encoding/json"
	"testing"
	"time"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func TestToPlainFromPlain_TransferInitiator(t *testing.T) {
	clock := fixedClock{t: time.Unix(1_700_000_000, 0)}
	codec := New(clock)

	body := TransferBody{
		Asset:       "eip155:1/slip44:60",
		Amount:      "12.5",
		Originator:  Party{ID: "originator-1", DID: "did:example:alice"},
		Beneficiary: Party{ID: "beneficiary-1", DID: "did:example:bob"},
	}
	msg, err := codec.ToPlain(KindTransfer, body, "did:example:alice", []string{"did:example:bob"}, "")
	if err != nil {
		t.Fatalf("to_plain: %v", err)
	}
	if msg.ThID != "" {
		t.Errorf("initiator must not carry thid, got %q", msg.ThID)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	parsed, typedBody, err := codec.FromPlain(raw)
	if err != nil {
		t.Fatalf("from_plain: %v", err)
	}
	kind, ok := parsed.Kind()
	if !ok || kind != KindTransfer {
		t.Fatalf("expected KindTransfer, got %v ok=%v", kind, ok)
	}
	tb, ok := typedBody.(TransferBody)
	if !ok {
		t.Fatalf("expected TransferBody, got %T", typedBody)
	}
	if tb.Amount != "12.5" {
		t.Errorf("amount round-trip mismatch: %q", tb.Amount)
	}
}

func TestToPlain_ResponseRequiresThID(t *testing.T) {
	codec := New(fixedClock{t: time.Unix(1_700_000_000, 0)})
	_, err := codec.ToPlain(KindAuthorize, AuthorizeBody{}, "did:example:alice", []string{"did:example:bob"}, "")
	if err == nil {
		t.Fatal("expected error for response kind with empty thid")
	}
}

func TestToPlain_InitiatorRejectsThID(t *testing.T) {
	codec := New(fixedClock{t: time.Unix(1_700_000_000, 0)})
	body := TransferBody{Asset: "x", Amount: "1", Originator: Party{DID: "did:example:alice"}, Beneficiary: Party{DID: "did:example:bob"}}
	_, err := codec.ToPlain(KindTransfer, body, "did:example:alice", []string{"did:example:bob"}, "should-not-be-set")
	if err == nil {
		t.Fatal("expected error for initiator kind with thid set")
	}
}

func TestFromPlain_RejectsFutureTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	codec := New(fixedClock{t: now})

	msg := Message{
		ID:            "11111111-1111-1111-1111-111111111111",
		Type:          TypeURI(KindTransfer),
		From:          "did:example:alice",
		To:            []string{"did:example:bob"},
		CreatedTime:   now.Unix() + 10_000,
		SchemaVersion: SchemaVersion,
		Body: TransferBody{
			Asset: "x", Amount: "1",
			Originator: Party{DID: "did:example:alice"}, Beneficiary: Party{DID: "did:example:bob"},
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, _, err := codec.FromPlain(raw); err == nil {
		t.Fatal("expected error for message timestamped far in the future")
	}
}

func TestFromPlain_RejectsExpiredMessage(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	codec := New(fixedClock{t: now})

	msg := Message{
		ID:            "11111111-1111-1111-1111-111111111111",
		Type:          TypeURI(KindTransfer),
		From:          "did:example:alice",
		To:            []string{"did:example:bob"},
		CreatedTime:   now.Unix() - 1000,
		ExpiresTime:   now.Unix() - 500,
		SchemaVersion: SchemaVersion,
		Body: TransferBody{
			Asset: "x", Amount: "1",
			Originator: Party{DID: "did:example:alice"}, Beneficiary: Party{DID: "did:example:bob"},
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, _, err := codec.FromPlain(raw); err == nil {
		t.Fatal("expected error for expired message")
	}
}

func TestCheckSchemaVersion_MajorMismatchRejected(t *testing.T) {
	codec := New(fixedClock{t: time.Unix(1_700_000_000, 0)})
	if err := codec.checkSchemaVersion("2.0.0"); err == nil {
		t.Fatal("expected major-version mismatch to be rejected")
	}
	if err := codec.checkSchemaVersion("1.3.7"); err != nil {
		t.Fatalf("expected same-major version to be accepted, got %v", err)
	}
	if err := codec.checkSchemaVersion(""); err != nil {
		t.Fatalf("expected empty schema_version to be accepted as baseline, got %v", err)
	}
}

func TestToPlain_RejectsBadAmount(t *testing.T) {
	codec := New(fixedClock{t: time.Unix(1_700_000_000, 0)})
	body := TransferBody{
		Asset: "x", Amount: "",
		Originator: Party{DID: "did:example:alice"}, Beneficiary: Party{DID: "did:example:bob"},
	}
	_, err := codec.ToPlain(KindTransfer, body, "did:example:alice", []string{"did:example:bob"}, "")
	if err == nil {
		t.Fatal("expected error for empty decimal amount")
	}
}

func TestSettle_RejectsNonChainAgnosticID(t *testing.T) {
	codec := New(fixedClock{t: time.Unix(1_700_000_000, 0)})
	_, err := codec.ToPlain(KindSettle, SettleBody{SettlementID: "not-namespaced"}, "did:example:alice", []string{"did:example:bob"}, "11111111-1111-1111-1111-111111111111")
	if err == nil {
		t.Fatal("expected error for settlement_id without namespace:ref shape")
	}
}
