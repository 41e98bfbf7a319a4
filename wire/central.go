package wire

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/profile"
	"github.com/user/bluelink/transport"
)

// ErrRefused is returned by a write the simulated radio would not queue
var ErrRefused = errors.New("write refused by radio")

// Central is a simulated client radio implementing transport.Central
type Central struct {
	air     *Air
	address string
	q       *eventQueue

	mu        sync.Mutex
	handler   transport.CentralHandler
	powered   bool
	scanStop  chan struct{}
	links     map[string]*connection
	failWrite map[profile.ChannelID]int // next n writes complete with failure
	refuse    map[profile.ChannelID]int // next n writes are refused outright
	failUnit  int
	closed    bool
}

// NewCentral creates a powered central on air
func NewCentral(air *Air, address string) (*Central, error) {
	c := &Central{
		air:       air,
		address:   address,
		q:         newEventQueue(air.sim.OperationDelay()),
		powered:   true,
		links:     make(map[string]*connection),
		failWrite: make(map[profile.ChannelID]int),
		refuse:    make(map[profile.ChannelID]int),
	}
	if err := air.registerCentral(c); err != nil {
		c.q.close()
		return nil, err
	}
	return c, nil
}

// Address returns the central's address
func (c *Central) Address() string { return c.address }

func (c *Central) endpoint() transport.PeerEndpoint {
	return transport.PeerEndpoint{Address: c.address}
}

// SetPowered simulates the radio being switched on or off
func (c *Central) SetPowered(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.powered = on
}

// FailWrites makes the next n writes on ch complete with a failure status
func (c *Central) FailWrites(ch profile.ChannelID, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWrite[ch] = n
}

// RefuseWrites makes the next n writes on ch return ErrRefused immediately
func (c *Central) RefuseWrites(ch profile.ChannelID, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refuse[ch] = n
}

// FailUnitSize makes the next n unit size requests fail
func (c *Central) FailUnitSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failUnit = n
}

func (c *Central) Available() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.powered || c.closed {
		return transport.ErrUnavailable
	}
	return nil
}

func (c *Central) SetHandler(h transport.CentralHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// deliver queues a callback to the current handler
func (c *Central) deliver(fn func(h transport.CentralHandler)) {
	c.q.post(func() {
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			fn(h)
		}
	})
}

func (c *Central) Scan(service profile.ChannelID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.powered {
		return transport.ErrUnavailable
	}
	if c.scanStop != nil {
		return nil
	}
	stop := make(chan struct{})
	c.scanStop = stop
	go c.scanLoop(service, stop)
	logger.Trace(c.address, "scan started")
	return nil
}

func (c *Central) scanLoop(service profile.ChannelID, stop chan struct{}) {
	select {
	case <-time.After(c.air.sim.DiscoveryDelay()):
	case <-stop:
		return
	}

	ticker := time.NewTicker(c.air.sim.AdvertisingInterval())
	defer ticker.Stop()
	for {
		for _, p := range c.air.advertisers(service) {
			peer := transport.PeerEndpoint{
				Address: p.address,
				Name:    p.advertisedName(),
				RSSI:    c.air.sim.GenerateRSSI(p.distance()),
			}
			c.deliver(func(h transport.CentralHandler) { h.OnScanResult(peer) })
		}
		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}

func (c *Central) StopScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanStop != nil {
		close(c.scanStop)
		c.scanStop = nil
	}
	return nil
}

func (c *Central) Attach(address string) error {
	if err := c.Available(); err != nil {
		return err
	}
	go func() {
		time.Sleep(c.air.sim.ConnectionDelay())

		p, ok := c.air.peripheral(address)
		if !ok || !p.accepting() || !c.air.sim.ShouldConnectionSucceed() {
			peer := transport.PeerEndpoint{Address: address}
			c.deliver(func(h transport.CentralHandler) { h.OnAttach(peer, transport.StatusFailure) })
			return
		}

		conn := newConnection(c, p)
		c.mu.Lock()
		c.links[address] = conn
		c.mu.Unlock()
		p.attach(conn)

		peer := transport.PeerEndpoint{Address: address, Name: p.advertisedName()}
		c.deliver(func(h transport.CentralHandler) { h.OnAttach(peer, transport.StatusSuccess) })
	}()
	return nil
}

func (c *Central) link(address string) (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.links[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrNotAttached, address)
	}
	return conn, nil
}

func (c *Central) Detach(address string) error {
	c.mu.Lock()
	conn, ok := c.links[address]
	delete(c.links, address)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrNotAttached, address)
	}

	conn.peripheral.detach(c.address)
	peer := transport.PeerEndpoint{Address: address}
	c.deliver(func(h transport.CentralHandler) { h.OnDetach(peer, nil) })
	return nil
}

// dropped is called by the peripheral side when it ends the connection
func (c *Central) dropped(address string, cause error) {
	c.mu.Lock()
	_, ok := c.links[address]
	delete(c.links, address)
	c.mu.Unlock()
	if !ok {
		return
	}
	peer := transport.PeerEndpoint{Address: address}
	c.deliver(func(h transport.CentralHandler) { h.OnDetach(peer, cause) })
}

func (c *Central) ListChannels(address string) error {
	conn, err := c.link(address)
	if err != nil {
		return err
	}
	ids := conn.peripheral.channelIDs()
	peer := transport.PeerEndpoint{Address: address}
	c.deliver(func(h transport.CentralHandler) { h.OnChannels(peer, ids, nil) })
	return nil
}

func (c *Central) Read(address string, ch profile.ChannelID) error {
	conn, err := c.link(address)
	if err != nil {
		return err
	}
	value, err := conn.peripheral.read(ch)
	peer := transport.PeerEndpoint{Address: address}
	c.deliver(func(h transport.CentralHandler) { h.OnRead(peer, ch, value, err) })
	return nil
}

func (c *Central) takeFault(m map[profile.ChannelID]int, ch profile.ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m[ch] <= 0 {
		return false
	}
	m[ch]--
	return true
}

func (c *Central) Write(address string, ch profile.ChannelID, value []byte, mode profile.WriteMode) error {
	conn, err := c.link(address)
	if err != nil {
		return err
	}
	if c.takeFault(c.refuse, ch) {
		return ErrRefused
	}
	limit := MaxAttributeSize
	if mode == profile.WriteNoAck {
		limit = conn.unit()
	}
	if len(value) > limit {
		return fmt.Errorf("value of %d bytes exceeds %d byte limit", len(value), limit)
	}

	data := append([]byte(nil), value...)
	lost := c.takeFault(c.failWrite, ch) || !c.air.sim.ShouldPacketSucceed()
	complete := mode == profile.WriteWithAck || c.air.sim.Config().NoAckCompletions
	peer := transport.PeerEndpoint{Address: address}

	conn.peripheral.q.post(func() {
		status := transport.StatusFailure
		if !lost {
			status = conn.peripheral.writeRequest(c.endpoint(), ch, data, mode == profile.WriteWithAck)
		}
		if !complete {
			return
		}
		var werr error
		if !status.OK() {
			werr = &transport.StatusError{Op: "write", Status: status}
		}
		c.deliver(func(h transport.CentralHandler) { h.OnWrite(peer, ch, werr) })
	})
	return nil
}

func (c *Central) Subscribe(address string, ch profile.ChannelID) error {
	conn, err := c.link(address)
	if err != nil {
		return err
	}
	peer := transport.PeerEndpoint{Address: address}
	info, ok := conn.peripheral.lookup(ch)
	if !ok || !info.Has(profile.CapNotify) {
		serr := &transport.StatusError{Op: "subscribe", Status: transport.StatusWriteNotPermitted}
		c.deliver(func(h transport.CentralHandler) { h.OnSubscribe(peer, ch, serr) })
		return nil
	}

	conn.subscribe(ch)
	conn.peripheral.subscribed(c.endpoint(), ch)
	c.deliver(func(h transport.CentralHandler) { h.OnSubscribe(peer, ch, nil) })
	return nil
}

func (c *Central) RequestUnitSize(address string, size int) error {
	conn, err := c.link(address)
	if err != nil {
		return err
	}
	peer := transport.PeerEndpoint{Address: address}

	c.mu.Lock()
	fail := c.failUnit > 0
	if fail {
		c.failUnit--
	}
	c.mu.Unlock()
	if fail {
		uerr := &transport.StatusError{Op: "unit size", Status: transport.StatusFailure}
		c.deliver(func(h transport.CentralHandler) { h.OnUnitSize(peer, 0, uerr) })
		return nil
	}

	agreed := c.air.sim.NegotiatedUnitSize(size)
	conn.setUnitSize(agreed)
	conn.peripheral.unitSizeChanged(c.endpoint(), agreed)
	c.deliver(func(h transport.CentralHandler) { h.OnUnitSize(peer, agreed, nil) })
	return nil
}

// notify is called by the peripheral to deliver a notification
func (c *Central) notify(from string, ch profile.ChannelID, value []byte) {
	peer := transport.PeerEndpoint{Address: from}
	c.deliver(func(h transport.CentralHandler) { h.OnNotify(peer, ch, value) })
}

func (c *Central) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	links := c.links
	c.links = make(map[string]*connection)
	if c.scanStop != nil {
		close(c.scanStop)
		c.scanStop = nil
	}
	c.mu.Unlock()

	for _, conn := range links {
		conn.peripheral.detach(c.address)
	}
	c.air.unregister(c.address)
	c.q.close()
	return nil
}
