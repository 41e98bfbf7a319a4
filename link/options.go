package link

import (
	"time"

	"github.com/user/bluelink/handoff"
	"github.com/user/bluelink/profile"
	"github.com/user/bluelink/transfer"
)

// DefaultHandshakeTimeout bounds the central's channel handshake
const DefaultHandshakeTimeout = 10 * time.Second

// Options configures a session
type Options struct {
	// DisplayName is advertised by a peripheral and announced with /name
	// by a central once the link is active
	DisplayName string
	Registry    *profile.Registry

	// Values served by a peripheral on the version and description channels
	Version     string
	Description string

	Transfer         transfer.Config
	HandshakeTimeout time.Duration

	// Handoff enables the secondary link; nil disables it
	Handoff              handoff.Network
	HandoffSink          handoff.Sink
	HandoffPayload       func() ([]byte, error)
	HandoffAcceptTimeout time.Duration
}

// DefaultOptions returns options for the chat service
func DefaultOptions() Options {
	return Options{
		Registry:         profile.Default(),
		Version:          profile.DefaultVersion,
		Description:      profile.DefaultDescription,
		Transfer:         transfer.DefaultConfig(),
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Registry == nil {
		o.Registry = def.Registry
	}
	if o.Version == "" {
		o.Version = def.Version
	}
	if o.Description == "" {
		o.Description = def.Description
	}
	if o.Transfer == (transfer.Config{}) {
		o.Transfer = def.Transfer
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	return o
}
