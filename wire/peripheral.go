package wire

import (
	"errors"
	"fmt"
	"sync"

	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/profile"
	"github.com/user/bluelink/transport"
)

// ErrLinkLost is the cause reported to a central when its link is dropped
var ErrLinkLost = errors.New("link lost")

// Peripheral is a simulated server radio implementing transport.Peripheral
type Peripheral struct {
	air     *Air
	address string
	q       *eventQueue

	mu          sync.Mutex
	handler     transport.PeripheralHandler
	powered     bool
	reg         *profile.Registry
	hidden      map[profile.ChannelID]bool
	values      map[profile.ChannelID][]byte
	advertising bool
	service     profile.ChannelID
	name        string
	dist        float64
	links       map[string]*connection
	closed      bool
}

// NewPeripheral creates a powered peripheral on air
func NewPeripheral(air *Air, address string) (*Peripheral, error) {
	p := &Peripheral{
		air:     air,
		address: address,
		q:       newEventQueue(air.sim.OperationDelay()),
		powered: true,
		hidden:  make(map[profile.ChannelID]bool),
		values:  make(map[profile.ChannelID][]byte),
		dist:    1.0,
		links:   make(map[string]*connection),
	}
	if err := air.register(p); err != nil {
		p.q.close()
		return nil, err
	}
	return p, nil
}

// Address returns the peripheral's address
func (p *Peripheral) Address() string { return p.address }

// SetPowered simulates the radio being switched on or off
func (p *Peripheral) SetPowered(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.powered = on
}

// SetDistance sets the distance in metres scanners derive RSSI from
func (p *Peripheral) SetDistance(metres float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dist = metres
}

// Hide removes ch from the channel table centrals discover
func (p *Peripheral) Hide(ch profile.ChannelID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hidden[ch] = true
}

// Drop simulates losing the link to the central at address
func (p *Peripheral) Drop(central string) {
	conn, ok := p.remove(central)
	if !ok {
		return
	}
	logger.Debug(p.address, "dropping link to %s", central)
	conn.central.dropped(p.address, ErrLinkLost)
	p.deliverDetach(central)
}

func (p *Peripheral) Available() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.powered || p.closed {
		return transport.ErrUnavailable
	}
	return nil
}

func (p *Peripheral) SetHandler(h transport.PeripheralHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *Peripheral) currentHandler() transport.PeripheralHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

func (p *Peripheral) deliver(fn func(h transport.PeripheralHandler)) {
	p.q.post(func() {
		if h := p.currentHandler(); h != nil {
			fn(h)
		}
	})
}

func (p *Peripheral) Serve(reg *profile.Registry) error {
	if err := p.Available(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reg = reg
	return nil
}

func (p *Peripheral) SetValue(ch profile.ChannelID, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reg == nil {
		return errors.New("no channel table served")
	}
	if _, ok := p.reg.Lookup(ch); !ok {
		return fmt.Errorf("unknown channel %s", ch)
	}
	if len(value) > MaxAttributeSize {
		return fmt.Errorf("value of %d bytes exceeds %d byte limit", len(value), MaxAttributeSize)
	}
	p.values[ch] = append([]byte(nil), value...)
	return nil
}

func (p *Peripheral) Advertise(name string, service profile.ChannelID) error {
	if err := p.Available(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertising = true
	p.name = name
	p.service = service
	logger.Trace(p.address, "advertising %s as %q", service, name)
	return nil
}

func (p *Peripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertising = false
	return nil
}

func (p *Peripheral) advertises(service profile.ChannelID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertising && p.powered && p.service == service
}

func (p *Peripheral) advertisedName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *Peripheral) distance() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dist
}

func (p *Peripheral) accepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.powered && !p.closed && p.reg != nil
}

func (p *Peripheral) attach(conn *connection) {
	p.mu.Lock()
	p.links[conn.central.address] = conn
	p.mu.Unlock()
	peer := conn.central.endpoint()
	p.deliver(func(h transport.PeripheralHandler) { h.OnPeerAttach(peer) })
}

func (p *Peripheral) remove(central string) (*connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, ok := p.links[central]
	delete(p.links, central)
	return conn, ok
}

func (p *Peripheral) deliverDetach(central string) {
	peer := transport.PeerEndpoint{Address: central}
	p.deliver(func(h transport.PeripheralHandler) { h.OnPeerDetach(peer) })
}

// detach is called by a central ending its own connection
func (p *Peripheral) detach(central string) {
	if _, ok := p.remove(central); ok {
		p.deliverDetach(central)
	}
}

func (p *Peripheral) lookup(ch profile.ChannelID) (profile.Channel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reg == nil || p.hidden[ch] {
		return profile.Channel{}, false
	}
	return p.reg.Lookup(ch)
}

func (p *Peripheral) channelIDs() []profile.ChannelID {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reg == nil {
		return nil
	}
	var ids []profile.ChannelID
	for _, ch := range p.reg.Channels() {
		if !p.hidden[ch.ID] {
			ids = append(ids, ch.ID)
		}
	}
	return ids
}

func (p *Peripheral) read(ch profile.ChannelID) ([]byte, error) {
	info, ok := p.lookup(ch)
	if !ok || !info.Has(profile.CapRead) {
		return nil, &transport.StatusError{Op: "read", Status: transport.StatusReadNotPermitted}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.values[ch]...), nil
}

// writeRequest runs on the peripheral queue and returns the status sent back
func (p *Peripheral) writeRequest(peer transport.PeerEndpoint, ch profile.ChannelID, value []byte, withResponse bool) transport.Status {
	info, ok := p.lookup(ch)
	if !ok {
		return transport.StatusWriteNotPermitted
	}
	if withResponse && !info.Has(profile.CapWriteWithAck) {
		return transport.StatusWriteNotPermitted
	}
	if !withResponse && !info.Has(profile.CapWriteNoAck) {
		return transport.StatusWriteNotPermitted
	}
	h := p.currentHandler()
	if h == nil {
		return transport.StatusUnlikelyError
	}
	return h.OnWriteRequest(peer, ch, value, withResponse)
}

func (p *Peripheral) subscribed(peer transport.PeerEndpoint, ch profile.ChannelID) {
	p.deliver(func(h transport.PeripheralHandler) { h.OnSubscribe(peer, ch) })
}

func (p *Peripheral) unitSizeChanged(peer transport.PeerEndpoint, size int) {
	p.deliver(func(h transport.PeripheralHandler) { h.OnUnitSize(peer, size) })
}

func (p *Peripheral) Notify(address string, ch profile.ChannelID, value []byte) error {
	p.mu.Lock()
	conn, ok := p.links[address]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrNotAttached, address)
	}
	if len(value) > MaxAttributeSize {
		return fmt.Errorf("value of %d bytes exceeds %d byte limit", len(value), MaxAttributeSize)
	}

	data := append([]byte(nil), value...)
	peer := transport.PeerEndpoint{Address: address}
	p.q.post(func() {
		var err error
		switch {
		case !conn.isSubscribed(ch):
			err = &transport.StatusError{Op: "notify", Status: transport.StatusWriteNotPermitted}
		case !p.air.sim.ShouldPacketSucceed():
			err = &transport.StatusError{Op: "notify", Status: transport.StatusFailure}
		default:
			conn.central.notify(p.address, ch, data)
		}
		if h := p.currentHandler(); h != nil {
			h.OnNotifySent(peer, ch, err)
		}
	})
	return nil
}

func (p *Peripheral) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.advertising = false
	links := p.links
	p.links = make(map[string]*connection)
	p.mu.Unlock()

	for addr, conn := range links {
		conn.central.dropped(p.address, ErrLinkLost)
		logger.Trace(p.address, "closed link to %s", addr)
	}
	p.air.unregister(p.address)
	p.q.close()
	return nil
}
