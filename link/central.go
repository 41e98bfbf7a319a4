package link

import (
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/atomic"

	"github.com/user/bluelink/command"
	"github.com/user/bluelink/eventbus"
	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/profile"
	"github.com/user/bluelink/transfer"
	"github.com/user/bluelink/transport"
)

type stepKind int

const (
	stepRead stepKind = iota
	stepSubscribe
)

// handshakeStep is one request of the central's channel handshake
type handshakeStep struct {
	kind stepKind
	ch   profile.ChannelID
}

// Central is the client role: it scans, attaches to one peripheral and
// exchanges messages with it.
type Central struct {
	*session
	t     transport.Central
	peers *PeerList

	peer       *atomic.String
	peerName   *atomic.String
	steps      []handshakeStep
	current    *handshakeStep
	handshakes int
	timer      *time.Timer
}

// NewCentral creates a central session in Idle. Nothing happens until Start.
func NewCentral(t transport.Central, bus *eventbus.Bus, opts Options) *Central {
	c := &Central{
		session:  newSession(RoleCentral, bus, opts),
		t:        t,
		peers:    NewPeerList(),
		peer:     atomic.NewString(""),
		peerName: atomic.NewString(""),
	}
	c.init(transfer.WriterFunc(c.writeChunk))
	return c
}

// Peers returns discovered peers, strongest signal first
func (c *Central) Peers() []transport.PeerEndpoint {
	return c.peers.Sorted()
}

// Peer returns the address of the attached peer, empty when none
func (c *Central) Peer() string {
	return c.peer.Load()
}

// PeerName returns the name the peer announced with /name
func (c *Central) PeerName() string {
	return c.peerName.Load()
}

// Start checks the radio and begins scanning for the service
func (c *Central) Start() error {
	if err := c.precondition(StateIdle); err != nil {
		return err
	}
	c.d.post(c.start)
	return nil
}

func (c *Central) precondition(states ...State) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	if !c.sm.is(states...) {
		return fmt.Errorf("%w: %s not allowed in %s", ErrInvalidTransition, c.role, c.sm.current())
	}
	return nil
}

func (c *Central) start() {
	if !c.setState(StateInitializing) {
		return
	}
	c.t.SetHandler(centralHandler{c})

	if err := c.t.Available(); err != nil {
		err = fmt.Errorf("%w: %w", ErrInitialization, err)
		logger.Error(c.prefix, "%v", err)
		c.publish(eventbus.PhaseAttach, eventbus.Event{Kind: eventbus.KindInitFailure, Err: err})
		c.setState(StateFailed)
		return
	}
	c.publish(eventbus.PhaseAttach, eventbus.Event{Kind: eventbus.KindInitSuccess})
	c.discover()
}

func (c *Central) discover() {
	if !c.setState(StateDiscovering) {
		return
	}
	if err := c.t.Scan(c.reg.Service()); err != nil {
		c.connectionError(eventbus.PhaseAttach, "", fmt.Errorf("%w: scan: %v", ErrInitialization, err))
		c.setState(StateFailed)
	}
}

// Reset returns a failed session to Idle so it can be started again
func (c *Central) Reset() error {
	if err := c.precondition(StateFailed); err != nil {
		return err
	}
	c.d.post(func() {
		c.clearPeer()
		c.setState(StateIdle)
	})
	return nil
}

// Connect stops scanning and attaches to address
func (c *Central) Connect(address string) error {
	if err := c.precondition(StateDiscovering); err != nil {
		return err
	}
	c.d.post(func() { c.connect(address) })
	return nil
}

func (c *Central) connect(address string) {
	if err := c.t.StopScan(); err != nil {
		logger.Warn(c.prefix, "stop scan: %v", err)
	}
	if !c.setState(StateConnecting) {
		return
	}
	c.peer.Store(address)
	logger.Info(c.prefix, "attaching to %s", address)
	if err := c.t.Attach(address); err != nil {
		c.attachFailed(address, err)
	}
}

// attachFailed reports the failed attempt and resumes discovery
func (c *Central) attachFailed(address string, cause error) {
	c.clearPeer()
	c.connectionError(eventbus.PhaseAttach, address, fmt.Errorf("%w: %s: %w", ErrAttach, address, cause))
	c.discover()
}

func (c *Central) clearPeer() {
	c.peer.Store("")
	c.peerName.Store("")
	c.steps = nil
	c.current = nil
	c.stopTimer()
	c.unit.reset()
}

func (c *Central) onAttach(peer transport.PeerEndpoint, status transport.Status) {
	if !c.sm.is(StateConnecting) || peer.Address != c.peer.Load() {
		logger.Debug(c.prefix, "ignoring stale attach from %s", peer.Address)
		return
	}
	if !status.OK() {
		c.attachFailed(peer.Address, &transport.StatusError{Op: "attach", Status: status})
		return
	}

	c.setState(StateChannelsReady)
	c.publish(eventbus.PhaseAttach, eventbus.Event{Kind: eventbus.KindPeerAttached, Peer: peer.Address, Text: peer.Name, Value: peer.RSSI})

	c.handshakes++
	gen := c.handshakes
	c.timer = time.AfterFunc(c.opts.HandshakeTimeout, func() {
		c.d.post(func() {
			if gen == c.handshakes && c.sm.is(StateChannelsReady) {
				c.handshakeFailed(fmt.Errorf("timed out after %s", c.opts.HandshakeTimeout))
			}
		})
	})

	if err := c.t.ListChannels(peer.Address); err != nil {
		c.handshakeFailed(err)
	}
}

func (c *Central) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Central) onChannels(peer transport.PeerEndpoint, channels []profile.ChannelID, err error) {
	if !c.sm.is(StateChannelsReady) {
		return
	}
	if err != nil {
		c.handshakeFailed(fmt.Errorf("channel discovery: %w", err))
		return
	}
	if missing := c.reg.Missing(channels); len(missing) > 0 {
		c.handshakeFailed(fmt.Errorf("peer is missing channels %v", missing))
		return
	}

	offered := make(map[profile.ChannelID]bool, len(channels))
	for _, id := range channels {
		offered[id] = true
	}
	c.steps = []handshakeStep{
		{stepRead, profile.Version},
		{stepRead, profile.Description},
		{stepSubscribe, profile.Message},
	}
	for _, id := range []profile.ChannelID{profile.Handoff, profile.Bulk} {
		if offered[id] {
			c.steps = append(c.steps, handshakeStep{stepSubscribe, id})
		}
	}
	c.nextStep()
}

func (c *Central) nextStep() {
	if len(c.steps) == 0 {
		c.current = nil
		c.activate()
		return
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	c.current = &step

	addr := c.peer.Load()
	var err error
	if step.kind == stepRead {
		err = c.t.Read(addr, step.ch)
	} else {
		err = c.t.Subscribe(addr, step.ch)
	}
	if err != nil {
		c.handshakeFailed(fmt.Errorf("%s: %w", c.reg.Name(step.ch), err))
	}
}

func (c *Central) expecting(kind stepKind, ch profile.ChannelID) bool {
	return c.sm.is(StateChannelsReady) && c.current != nil && c.current.kind == kind && c.current.ch == ch
}

func (c *Central) onRead(peer transport.PeerEndpoint, ch profile.ChannelID, value []byte, err error) {
	if !c.expecting(stepRead, ch) {
		logger.Debug(c.prefix, "unsolicited read result on %s", c.reg.Name(ch))
		return
	}
	if err != nil {
		c.handshakeFailed(fmt.Errorf("read %s: %w", c.reg.Name(ch), err))
		return
	}

	kind := eventbus.KindVersion
	if ch == profile.Description {
		kind = eventbus.KindDescription
	}
	c.publish(eventbus.PhaseAttach, eventbus.Event{Kind: kind, Peer: peer.Address, Text: string(value)})
	c.nextStep()
}

func (c *Central) onSubscribe(peer transport.PeerEndpoint, ch profile.ChannelID, err error) {
	if !c.expecting(stepSubscribe, ch) {
		return
	}
	if err != nil {
		c.handshakeFailed(fmt.Errorf("subscribe %s: %w", c.reg.Name(ch), err))
		return
	}
	c.nextStep()
}

func (c *Central) handshakeFailed(cause error) {
	addr := c.peer.Load()
	c.stopTimer()
	c.steps = nil
	c.current = nil
	c.connectionError(eventbus.PhaseAttach, addr, fmt.Errorf("%w: handshake with %s: %w", ErrAttach, addr, cause))
	c.setState(StateFailed)
	if addr != "" {
		if err := c.t.Detach(addr); err != nil {
			logger.Warn(c.prefix, "detach after failed handshake: %v", err)
		}
	}
}

func (c *Central) activate() {
	c.stopTimer()
	if !c.setState(StateActive) {
		return
	}
	addr := c.peer.Load()
	c.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindConnected, Peer: addr})

	if c.opts.DisplayName != "" {
		c.writeText(command.FormatName(c.opts.DisplayName))
	}
}

// SendText writes text to the peer on the message channel
func (c *Central) SendText(text string) error {
	if err := c.requireActive(); err != nil {
		return err
	}
	if err := validateText(text); err != nil {
		return err
	}
	c.d.post(func() { c.writeText(text) })
	return nil
}

func (c *Central) writeText(text string) {
	addr := c.peer.Load()
	if err := c.t.Write(addr, profile.Message, []byte(text), profile.WriteWithAck); err != nil {
		c.connectionError(eventbus.PhaseSession, addr, fmt.Errorf("%w: message: %w", transfer.ErrWrite, err))
	}
}

// SendBulk streams payload to the peer on the bulk-data channel
func (c *Central) SendBulk(payload []byte, mode transfer.Mode) (*transfer.Job, error) {
	if err := c.requireActive(); err != nil {
		return nil, err
	}
	return c.engine.Start(profile.Bulk, payload, mode)
}

func (c *Central) writeChunk(ch profile.ChannelID, chunk []byte) error {
	addr := c.peer.Load()
	if addr == "" {
		return transport.ErrNotAttached
	}
	mode := profile.WriteNoAck
	if info, ok := c.reg.Lookup(ch); ok {
		mode = info.WriteMode()
	}
	return c.t.Write(addr, ch, chunk, mode)
}

// RequestUnitSize asks the peer for a larger payload size
func (c *Central) RequestUnitSize(size int) error {
	if err := c.requireActive(); err != nil {
		return err
	}
	if size <= 0 {
		return fmt.Errorf("%w: invalid size %d", ErrTransferUnit, size)
	}
	c.d.post(func() {
		c.unit.request(size)
		if err := c.t.RequestUnitSize(c.peer.Load(), size); err != nil {
			c.unitSizeResult(0, err)
		}
	})
	return nil
}

func (c *Central) unitSizeResult(size int, err error) {
	addr := c.peer.Load()
	if err == nil && size <= 0 {
		err = fmt.Errorf("transport agreed to invalid size %d", size)
	}
	if err != nil {
		err = fmt.Errorf("%w: requested %d: %w", ErrTransferUnit, c.unit.Requested(), err)
		logger.Warn(c.prefix, "%v", err)
		c.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindUnitSizeFailed, Peer: addr, Value: c.unit.Current(), Err: err})
		return
	}
	c.unit.succeeded(size)
	logger.Info(c.prefix, "unit size now %d", size)
	c.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindUnitSizeChanged, Peer: addr, Value: size})
}

func (c *Central) onWrite(peer transport.PeerEndpoint, ch profile.ChannelID, err error) {
	switch ch {
	case profile.Bulk:
		c.engine.Complete(ch, err)
	case profile.Message:
		if err != nil {
			c.connectionError(eventbus.PhaseSession, peer.Address, fmt.Errorf("%w: message: %w", transfer.ErrWrite, err))
		}
	}
}

func (c *Central) onNotify(peer transport.PeerEndpoint, ch profile.ChannelID, value []byte) {
	if !c.sm.is(StateActive, StateChannelsReady) {
		return
	}
	switch ch {
	case profile.Message:
		c.handleMessage(peer.Address, value)
	case profile.Handoff:
		c.receiveHandoff(peer.Address, string(value))
	case profile.Bulk:
		data := append([]byte(nil), value...)
		c.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindDataStream, Peer: peer.Address, Value: len(data), Data: data})
	default:
		logger.Debug(c.prefix, "notification on unexpected channel %s", c.reg.Name(ch))
	}
}

func (c *Central) handleMessage(addr string, value []byte) {
	if !utf8.Valid(value) {
		c.connectionError(eventbus.PhaseSession, addr, fmt.Errorf("%w: message from %s", ErrEncoding, addr))
		return
	}
	cmd := command.Parse(string(value))
	if cmd.Kind == command.KindName {
		c.peerName.Store(cmd.Arg)
		c.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindPeerNamed, Peer: addr, Text: cmd.Arg})
		return
	}
	// a central has nothing to hand off, so /send is plain text here
	c.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindMessage, Peer: addr, Text: cmd.Raw})
}

func (c *Central) receiveHandoff(addr, address string) {
	if c.handoff == nil {
		c.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindInfo, Peer: addr, Text: "ignoring handoff offer: " + ErrHandoffDisabled.Error()})
		return
	}
	if _, err := c.handoff.Receive(addr, address); err != nil {
		c.connectionError(eventbus.PhaseSession, addr, err)
	}
}

func (c *Central) onDetach(peer transport.PeerEndpoint, err error) {
	if peer.Address != c.peer.Load() {
		return
	}
	switch c.sm.current() {
	case StateConnecting:
		cause := err
		if cause == nil {
			cause = transport.ErrNotAttached
		}
		c.attachFailed(peer.Address, cause)
	case StateChannelsReady, StateActive:
		c.closeLink(err)
	case StateFailed:
		c.clearPeer()
	}
}

// closeLink tears the link down through Closing to Idle; dispatcher only
func (c *Central) closeLink(cause error) {
	addr := c.peer.Load()
	c.setState(StateClosing)
	c.abortWork()
	c.clearPeer()
	c.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindDisconnected, Peer: addr, Err: cause})
	c.setState(StateIdle)
}

// Disconnect detaches from the peer
func (c *Central) Disconnect() error {
	if err := c.precondition(StateActive, StateChannelsReady); err != nil {
		return err
	}
	c.d.post(c.disconnect)
	return nil
}

func (c *Central) disconnect() {
	if !c.sm.is(StateActive, StateChannelsReady) {
		return
	}
	addr := c.peer.Load()
	if err := c.t.Detach(addr); err != nil {
		logger.Warn(c.prefix, "detach %s: %v", addr, err)
	}
	c.closeLink(nil)
}

// Stop ends the session, detaching if needed, and waits for every pending
// event to be delivered. It must not be called from an observer.
func (c *Central) Stop() {
	if c.stopped.Swap(true) {
		return
	}
	c.d.call(func() {
		switch c.sm.current() {
		case StateDiscovering:
			c.t.StopScan()
			c.setState(StateIdle)
		case StateConnecting:
			c.t.Detach(c.peer.Load())
			c.clearPeer()
			c.setState(StateIdle)
		case StateChannelsReady, StateActive:
			c.disconnect()
		case StateFailed, StateInitializing:
			c.clearPeer()
			c.setState(StateIdle)
		}
	})
	c.shutdown()
	logger.Info(c.prefix, "session stopped")
}

// centralHandler posts transport callbacks onto the session's dispatcher
type centralHandler struct{ c *Central }

func (h centralHandler) OnScanResult(peer transport.PeerEndpoint) {
	h.c.d.post(func() {
		if !h.c.sm.is(StateDiscovering) {
			return
		}
		h.c.peers.Upsert(peer)
		h.c.publish(eventbus.PhaseAttach, eventbus.Event{Kind: eventbus.KindScanResult, Peer: peer.Address, Text: peer.Name, Value: peer.RSSI})
	})
}

func (h centralHandler) OnAttach(peer transport.PeerEndpoint, status transport.Status) {
	h.c.d.post(func() { h.c.onAttach(peer, status) })
}

func (h centralHandler) OnDetach(peer transport.PeerEndpoint, err error) {
	h.c.d.post(func() { h.c.onDetach(peer, err) })
}

func (h centralHandler) OnChannels(peer transport.PeerEndpoint, channels []profile.ChannelID, err error) {
	h.c.d.post(func() { h.c.onChannels(peer, channels, err) })
}

func (h centralHandler) OnRead(peer transport.PeerEndpoint, ch profile.ChannelID, value []byte, err error) {
	h.c.d.post(func() { h.c.onRead(peer, ch, value, err) })
}

func (h centralHandler) OnWrite(peer transport.PeerEndpoint, ch profile.ChannelID, err error) {
	h.c.d.post(func() { h.c.onWrite(peer, ch, err) })
}

func (h centralHandler) OnSubscribe(peer transport.PeerEndpoint, ch profile.ChannelID, err error) {
	h.c.d.post(func() { h.c.onSubscribe(peer, ch, err) })
}

func (h centralHandler) OnNotify(peer transport.PeerEndpoint, ch profile.ChannelID, value []byte) {
	h.c.d.post(func() { h.c.onNotify(peer, ch, value) })
}

func (h centralHandler) OnUnitSize(peer transport.PeerEndpoint, size int, err error) {
	h.c.d.post(func() { h.c.unitSizeResult(size, err) })
}
