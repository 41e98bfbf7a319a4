//go:build linux

package blehost

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/profile"
	"github.com/user/bluelink/transport"
)

// Peripheral serves the channel table as a GATT service on BlueZ.
//
// BlueZ notifies every subscribed central when a characteristic value
// changes, and write events do not name the writer. Notifications are
// therefore sent once per value on behalf of the first attached central,
// and writes are attributed to the most recently attached one.
type Peripheral struct {
	adapter *bluetooth.Adapter
	on      enabler
	w       *worker

	mu      sync.Mutex
	handler transport.PeripheralHandler
	reg     *profile.Registry
	handles map[profile.ChannelID]*bluetooth.Characteristic
	pending map[profile.ChannelID][]byte
	adv     *bluetooth.Advertisement
	devices map[string]bool
	last    string
}

// NewPeripheral returns a peripheral on the default adapter
func NewPeripheral() *Peripheral {
	return &Peripheral{
		adapter: bluetooth.DefaultAdapter,
		w:       newWorker(),
		handles: make(map[profile.ChannelID]*bluetooth.Characteristic),
		pending: make(map[profile.ChannelID][]byte),
		devices: make(map[string]bool),
	}
}

func (p *Peripheral) Available() error {
	if err := p.on.enable(p.adapter); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	p.adapter.SetConnectHandler(p.onConnect)
	return nil
}

func (p *Peripheral) SetHandler(h transport.PeripheralHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *Peripheral) currentHandler() transport.PeripheralHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

func (p *Peripheral) onConnect(device bluetooth.Device, connected bool) {
	addr := device.Address.String()

	p.mu.Lock()
	h := p.handler
	if connected {
		p.devices[addr] = true
		p.last = addr
	} else {
		delete(p.devices, addr)
		if p.last == addr {
			p.last = ""
		}
	}
	p.mu.Unlock()

	if h == nil {
		return
	}
	peer := transport.PeerEndpoint{Address: addr}
	if connected {
		logger.Debug("blehost", "central %s attached", addr)
		h.OnPeerAttach(peer)
	} else {
		logger.Debug("blehost", "central %s detached", addr)
		h.OnPeerDetach(peer)
	}
}

// Serve publishes the registry as one GATT service. BlueZ cannot remove a
// service again, so a second Serve keeps the first table.
func (p *Peripheral) Serve(reg *profile.Registry) error {
	p.mu.Lock()
	if p.reg != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	chars := make([]bluetooth.CharacteristicConfig, 0, len(reg.Channels()))
	handles := make(map[profile.ChannelID]*bluetooth.Characteristic)
	for _, ch := range reg.Channels() {
		ch := ch
		handle := &bluetooth.Characteristic{}
		handles[ch.ID] = handle
		chars = append(chars, bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   toUUID(ch.ID),
			Flags:  permissions(ch.Caps),
			WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
				p.onWrite(ch, offset, value)
			},
		})
	}

	err := p.adapter.AddService(&bluetooth.Service{
		UUID:            toUUID(reg.Service()),
		Characteristics: chars,
	})
	if err != nil {
		return fmt.Errorf("add service: %w", err)
	}

	p.mu.Lock()
	p.reg = reg
	p.handles = handles
	p.mu.Unlock()
	return nil
}

func (p *Peripheral) onWrite(ch profile.Channel, offset int, value []byte) {
	h := p.currentHandler()
	if h == nil || offset != 0 {
		logger.Warn("blehost", "dropped write to %s (offset %d)", ch.Name, offset)
		return
	}

	p.mu.Lock()
	addr := p.last
	p.mu.Unlock()

	buf := make([]byte, len(value))
	copy(buf, value)
	status := h.OnWriteRequest(transport.PeerEndpoint{Address: addr}, ch.ID, buf, ch.Has(profile.CapWriteWithAck))
	if !status.OK() {
		// BlueZ has already acknowledged the write; the status can only be logged
		logger.Warn("blehost", "write to %s rejected: %s", ch.Name, status)
	}
}

func (p *Peripheral) handle(ch profile.ChannelID) (*bluetooth.Characteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	handle, ok := p.handles[ch]
	if !ok {
		return nil, fmt.Errorf("channel %s not served", ch)
	}
	return handle, nil
}

// SetValue replaces the value served for reads. On a notify channel
// BlueZ also notifies subscribers, so the next matching Notify is folded
// into it.
func (p *Peripheral) SetValue(ch profile.ChannelID, value []byte) error {
	if len(value) > readBufferSize {
		return fmt.Errorf("value of %d bytes exceeds %d", len(value), readBufferSize)
	}
	handle, err := p.handle(ch)
	if err != nil {
		return err
	}
	if _, err := handle.Write(value); err != nil {
		return err
	}

	p.mu.Lock()
	if c, ok := p.reg.Lookup(ch); ok && c.Has(profile.CapNotify) {
		p.pending[ch] = append([]byte(nil), value...)
	}
	p.mu.Unlock()
	return nil
}

func (p *Peripheral) Advertise(name string, service profile.ChannelID) error {
	adv := p.adapter.DefaultAdvertisement()
	err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    name,
		ServiceUUIDs: []bluetooth.UUID{toUUID(service)},
	})
	if err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("start advertising: %w", err)
	}

	p.mu.Lock()
	p.adv = adv
	p.mu.Unlock()
	return nil
}

func (p *Peripheral) StopAdvertising() error {
	p.mu.Lock()
	adv := p.adv
	p.adv = nil
	p.mu.Unlock()

	if adv == nil {
		return nil
	}
	return adv.Stop()
}

// primary is the central notifications are sent on behalf of
func (p *Peripheral) primary() string {
	addrs := make([]string, 0, len(p.devices))
	for addr := range p.devices {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return ""
	}
	sort.Strings(addrs)
	return addrs[0]
}

func (p *Peripheral) Notify(address string, ch profile.ChannelID, value []byte) error {
	handle, err := p.handle(ch)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if !p.devices[address] {
		p.mu.Unlock()
		return transport.ErrNotAttached
	}
	send := address == p.primary()
	if send {
		if prev, ok := p.pending[ch]; ok && bytes.Equal(prev, value) {
			send = false
		}
		delete(p.pending, ch)
	}
	p.mu.Unlock()

	buf := append([]byte(nil), value...)
	posted := p.w.post(func() {
		var err error
		if send {
			_, err = handle.Write(buf)
		}
		if h := p.currentHandler(); h != nil {
			h.OnNotifySent(transport.PeerEndpoint{Address: address}, ch, err)
		}
	})
	if !posted {
		return transport.ErrUnavailable
	}
	return nil
}

func (p *Peripheral) Close() error {
	err := p.StopAdvertising()
	p.w.stop()
	return err
}
