package profile

import "testing"

func TestDefaultRegistryCapabilities(t *testing.T) {
	r := Default()

	tests := []struct {
		name string
		id   ChannelID
		caps Capability
	}{
		{"message", Message, CapRead | CapWriteWithAck | CapNotify},
		{"version", Version, CapRead},
		{"description", Description, CapRead},
		{"handoff-address", Handoff, CapRead | CapWriteWithAck | CapNotify},
		{"bulk-data", Bulk, CapRead | CapWriteNoAck | CapNotify},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, ok := r.Lookup(tt.id)
			if !ok {
				t.Fatalf("channel %s not registered", tt.name)
			}
			if ch.Caps != tt.caps {
				t.Errorf("caps = %s, want %s", ch.Caps, tt.caps)
			}
			if ch.Name != tt.name {
				t.Errorf("name = %q, want %q", ch.Name, tt.name)
			}
			byName, ok := r.ByName(tt.name)
			if !ok || byName.ID != tt.id {
				t.Errorf("ByName(%q) = %v, %v", tt.name, byName.ID, ok)
			}
		})
	}
}

func TestWriteModeSelection(t *testing.T) {
	r := Default()
	msg, _ := r.Lookup(Message)
	bulk, _ := r.Lookup(Bulk)

	if msg.WriteMode() != WriteWithAck {
		t.Errorf("message write mode = %s", msg.WriteMode())
	}
	if bulk.WriteMode() != WriteNoAck {
		t.Errorf("bulk write mode = %s", bulk.WriteMode())
	}
}

func TestMissingMandatory(t *testing.T) {
	r := Default()

	if missing := r.Missing([]ChannelID{Message, Version, Description, Bulk}); len(missing) != 0 {
		t.Errorf("expected no missing channels, got %v", missing)
	}

	missing := r.Missing([]ChannelID{Message, Bulk})
	if len(missing) != 2 || missing[0] != Version || missing[1] != Description {
		t.Errorf("unexpected missing set: %v", missing)
	}
}

func TestParseChannelIDCaseInsensitive(t *testing.T) {
	id, err := ParseChannelID("34df5318-94de-4c1d-af31-31616c7fd9dd")
	if err != nil {
		t.Fatalf("Failed to parse channel id: %v", err)
	}
	if id != Handoff {
		t.Errorf("parsed id %s != %s", id, Handoff)
	}
	if id.String() != HandoffUUID {
		t.Errorf("String() = %s", id.String())
	}

	if _, err := ParseChannelID("not-a-uuid"); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestRegistryIgnoresDuplicates(t *testing.T) {
	r := NewRegistry(Service,
		Channel{ID: Message, Name: "first"},
		Channel{ID: Message, Name: "second"},
	)
	if got := len(r.Channels()); got != 1 {
		t.Fatalf("expected 1 channel, got %d", got)
	}
	if r.Name(Message) != "first" {
		t.Errorf("duplicate overwrote first registration")
	}
	if r.Name(Bulk) != BulkUUID {
		t.Errorf("unknown channel name = %q", r.Name(Bulk))
	}
}
