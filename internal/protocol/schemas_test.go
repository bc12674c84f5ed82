package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"autolevel.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	// Round-trip through JSON so the validator sees generic values.
	validate := func(s *jsonschema.Schema, msg any) {
		t.Helper()
		b, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate %s: %v", b, err)
		}
	}

	eventSchema := compile("entity_event.schema.json")
	subSchema := compile("subscribe.schema.json")
	chatSchema := compile("chat.schema.json")

	now := time.Unix(1700000000, 0)
	validate(eventSchema, protocol.NewEntityEvent(protocol.EventDisabled, "Akua", 42, "Patrol", protocol.ReasonUnpowered, 7, now))
	validate(eventSchema, protocol.NewEntityEvent(protocol.EventTracked, "Akua", 42, "", "", 0, now))
	validate(subSchema, protocol.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version, Partitions: []string{"Akua"}})
	validate(chatSchema, protocol.NewChatMsg("Akua", "Patrol has been disabled", now))

	var bad any
	_ = json.Unmarshal([]byte(`{"type":"ENTITY_EVENT","protocol_version":"1.0","event_id":"x","kind":"EXPLODED","partition":"Akua","entity_id":1,"tick":0,"at_ms":0}`), &bad)
	if err := eventSchema.Validate(bad); err == nil {
		t.Fatalf("unknown kind must be rejected")
	}
}

func TestNewEntityEvent_UniqueIDs(t *testing.T) {
	a := protocol.NewEntityEvent(protocol.EventTracked, "Akua", 1, "A", "", 0, time.Now())
	b := protocol.NewEntityEvent(protocol.EventTracked, "Akua", 1, "A", "", 0, time.Now())
	if a.EventID == "" || a.EventID == b.EventID {
		t.Fatalf("event ids must be unique: %q %q", a.EventID, b.EventID)
	}
	if a.Type != protocol.TypeEntityEvent || a.ProtocolVersion != protocol.Version {
		t.Fatalf("header=%q/%q", a.Type, a.ProtocolVersion)
	}
}
