package profile

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Capability is a bitmask of the operations a channel supports.
// Values follow the GATT characteristic property bits.
type Capability uint8

const (
	CapRead         Capability = 0x02
	CapWriteNoAck   Capability = 0x04
	CapWriteWithAck Capability = 0x08
	CapNotify       Capability = 0x10
)

func (c Capability) String() string {
	var parts []string
	if c&CapRead != 0 {
		parts = append(parts, "read")
	}
	if c&CapWriteWithAck != 0 {
		parts = append(parts, "write")
	}
	if c&CapWriteNoAck != 0 {
		parts = append(parts, "write-no-ack")
	}
	if c&CapNotify != 0 {
		parts = append(parts, "notify")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ChannelID identifies a logical channel on the link
type ChannelID uuid.UUID

func (id ChannelID) String() string {
	return strings.ToUpper(uuid.UUID(id).String())
}

// ParseChannelID parses a 128-bit channel identifier
func ParseChannelID(s string) (ChannelID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ChannelID{}, fmt.Errorf("invalid channel id %q: %w", s, err)
	}
	return ChannelID(u), nil
}

func mustChannelID(s string) ChannelID {
	return ChannelID(uuid.MustParse(s))
}

var (
	Service     = mustChannelID(ServiceUUID)
	Message     = mustChannelID(MessageUUID)
	Version     = mustChannelID(VersionUUID)
	Description = mustChannelID(DescriptionUUID)
	Handoff     = mustChannelID(HandoffUUID)
	Bulk        = mustChannelID(BulkUUID)
)

// Channel is one logical pipe within the service
type Channel struct {
	ID   ChannelID
	Name string
	Caps Capability
}

// Has reports whether the channel supports every capability in c
func (ch Channel) Has(c Capability) bool {
	return ch.Caps&c == c
}

// WriteMode picks acknowledged writes when the channel supports them
func (ch Channel) WriteMode() WriteMode {
	if ch.Has(CapWriteWithAck) {
		return WriteWithAck
	}
	return WriteNoAck
}

// WriteMode selects whether a write expects a peer acknowledgement
type WriteMode int

const (
	WriteWithAck WriteMode = iota
	WriteNoAck
)

func (m WriteMode) String() string {
	if m == WriteNoAck {
		return "no-ack"
	}
	return "with-ack"
}
