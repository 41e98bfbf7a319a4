// Package transport describes the radio a link session drives.
//
// Calls are non-blocking requests; their outcomes arrive later on the
// handler registered with SetHandler, from an arbitrary goroutine.
// Implementations deliver completions for one channel in the order the
// requests were issued.
package transport

import (
	"github.com/user/bluelink/profile"
)

// PeerEndpoint is a remote device seen by the transport
type PeerEndpoint struct {
	Address string
	Name    string
	RSSI    int
}

// CentralHandler receives the outcomes of Central requests
type CentralHandler interface {
	OnScanResult(peer PeerEndpoint)
	OnAttach(peer PeerEndpoint, status Status)
	OnDetach(peer PeerEndpoint, err error)
	OnChannels(peer PeerEndpoint, channels []profile.ChannelID, err error)
	OnRead(peer PeerEndpoint, ch profile.ChannelID, value []byte, err error)
	OnWrite(peer PeerEndpoint, ch profile.ChannelID, err error)
	OnSubscribe(peer PeerEndpoint, ch profile.ChannelID, err error)
	OnNotify(peer PeerEndpoint, ch profile.ChannelID, value []byte)
	OnUnitSize(peer PeerEndpoint, size int, err error)
}

// Central is the client side of the radio
type Central interface {
	// Available reports whether the radio can be used at all
	Available() error
	SetHandler(h CentralHandler)
	Scan(service profile.ChannelID) error
	StopScan() error
	Attach(address string) error
	Detach(address string) error
	ListChannels(address string) error
	Read(address string, ch profile.ChannelID) error
	Write(address string, ch profile.ChannelID, value []byte, mode profile.WriteMode) error
	Subscribe(address string, ch profile.ChannelID) error
	RequestUnitSize(address string, size int) error
	Close() error
}

// PeripheralHandler receives requests from attached centrals.
// OnWriteRequest runs on the transport's goroutine and returns the status
// sent back when the central asked for an acknowledgement.
type PeripheralHandler interface {
	OnPeerAttach(peer PeerEndpoint)
	OnPeerDetach(peer PeerEndpoint)
	OnSubscribe(peer PeerEndpoint, ch profile.ChannelID)
	OnWriteRequest(peer PeerEndpoint, ch profile.ChannelID, value []byte, withResponse bool) Status
	OnNotifySent(peer PeerEndpoint, ch profile.ChannelID, err error)
	OnUnitSize(peer PeerEndpoint, size int)
}

// Peripheral is the server side of the radio
type Peripheral interface {
	Available() error
	SetHandler(h PeripheralHandler)
	// Serve publishes the channel table; reads are answered from SetValue
	Serve(reg *profile.Registry) error
	SetValue(ch profile.ChannelID, value []byte) error
	Advertise(name string, service profile.ChannelID) error
	StopAdvertising() error
	Notify(address string, ch profile.ChannelID, value []byte) error
	Close() error
}
