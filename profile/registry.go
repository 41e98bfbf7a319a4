package profile

// Registry is the immutable set of channels offered by the service.
// Both roles build the same registry.
type Registry struct {
	service  ChannelID
	channels []Channel
	byID     map[ChannelID]int
}

// NewRegistry builds a registry; later duplicates of an id are ignored
func NewRegistry(service ChannelID, channels ...Channel) *Registry {
	r := &Registry{
		service: service,
		byID:    make(map[ChannelID]int, len(channels)),
	}
	for _, ch := range channels {
		if _, dup := r.byID[ch.ID]; dup {
			continue
		}
		r.byID[ch.ID] = len(r.channels)
		r.channels = append(r.channels, ch)
	}
	return r
}

// Default returns the registry of the chat service
func Default() *Registry {
	return NewRegistry(Service,
		Channel{ID: Message, Name: "message", Caps: CapRead | CapWriteWithAck | CapNotify},
		Channel{ID: Version, Name: "version", Caps: CapRead},
		Channel{ID: Description, Name: "description", Caps: CapRead},
		Channel{ID: Handoff, Name: "handoff-address", Caps: CapRead | CapWriteWithAck | CapNotify},
		Channel{ID: Bulk, Name: "bulk-data", Caps: CapRead | CapWriteNoAck | CapNotify},
	)
}

// Service returns the service identifier used for scan filtering and advertising
func (r *Registry) Service() ChannelID {
	return r.service
}

// Lookup returns the channel with the given id
func (r *Registry) Lookup(id ChannelID) (Channel, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Channel{}, false
	}
	return r.channels[i], true
}

// ByName returns the channel with the given name
func (r *Registry) ByName(name string) (Channel, bool) {
	for _, ch := range r.channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

// Channels returns the channels in registration order
func (r *Registry) Channels() []Channel {
	out := make([]Channel, len(r.channels))
	copy(out, r.channels)
	return out
}

// Mandatory returns the channels a central must complete its handshake on
// before the link counts as active
func (r *Registry) Mandatory() []ChannelID {
	return []ChannelID{Version, Description, Message}
}

// Missing returns the mandatory channels absent from the discovered set
func (r *Registry) Missing(discovered []ChannelID) []ChannelID {
	seen := make(map[ChannelID]bool, len(discovered))
	for _, id := range discovered {
		seen[id] = true
	}
	var missing []ChannelID
	for _, id := range r.Mandatory() {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// Name returns a readable channel name, or the id when unknown
func (r *Registry) Name(id ChannelID) string {
	if ch, ok := r.Lookup(id); ok {
		return ch.Name
	}
	return id.String()
}
