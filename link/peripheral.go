package link

import (
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/user/bluelink/command"
	"github.com/user/bluelink/eventbus"
	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/profile"
	"github.com/user/bluelink/transfer"
	"github.com/user/bluelink/transport"
)

// Peripheral is the server role: it advertises the service and serves any
// number of attached centrals.
type Peripheral struct {
	*session
	t transport.Peripheral

	devices *xsync.MapOf[string, transport.PeerEndpoint]
	names   *xsync.MapOf[string, string]

	// batches tracks the notifications of each bulk chunk written, oldest
	// first, until every central it went to has reported back
	batchMu sync.Mutex
	batches []*notifyBatch
}

// notifyBatch is one bulk chunk and the centrals it is still waiting on
type notifyBatch struct {
	pending map[string]bool
	err     error
	// sealed once every notification of the chunk was issued
	sealed bool
}

// NewPeripheral creates a peripheral session in Idle. Nothing happens until Start.
func NewPeripheral(t transport.Peripheral, bus *eventbus.Bus, opts Options) *Peripheral {
	p := &Peripheral{
		session: newSession(RolePeripheral, bus, opts),
		t:       t,
		devices: xsync.NewMapOf[string, transport.PeerEndpoint](),
		names:   xsync.NewMapOf[string, string](),
	}
	p.init(transfer.WriterFunc(p.writeChunk))
	return p
}

// ConnectedDevices returns the attached centrals ordered by address
func (p *Peripheral) ConnectedDevices() []transport.PeerEndpoint {
	var out []transport.PeerEndpoint
	p.devices.Range(func(_ string, peer transport.PeerEndpoint) bool {
		out = append(out, peer)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// PeerName returns the name a central announced with /name
func (p *Peripheral) PeerName(address string) string {
	name, _ := p.names.Load(address)
	return name
}

// Start opens the channel table and begins advertising
func (p *Peripheral) Start() error {
	if p.stopped.Load() {
		return ErrStopped
	}
	if !p.sm.is(StateIdle) {
		return fmt.Errorf("%w: start in %s", ErrInvalidTransition, p.sm.current())
	}
	p.d.post(p.start)
	return nil
}

func (p *Peripheral) start() {
	if !p.setState(StateInitializing) {
		return
	}
	p.t.SetHandler(peripheralHandler{p})

	if err := p.serve(); err != nil {
		err = fmt.Errorf("%w: %w", ErrInitialization, err)
		logger.Error(p.prefix, "%v", err)
		p.publish(eventbus.PhaseAttach, eventbus.Event{Kind: eventbus.KindInitFailure, Err: err})
		p.setState(StateFailed)
		return
	}

	p.publish(eventbus.PhaseAttach, eventbus.Event{Kind: eventbus.KindInitSuccess})
	p.setState(StateDiscovering)
	p.publish(eventbus.PhaseAttach, eventbus.Event{Kind: eventbus.KindAdvertising, Text: p.opts.DisplayName})
}

func (p *Peripheral) serve() error {
	if err := p.t.Available(); err != nil {
		return err
	}
	if err := p.t.Serve(p.reg); err != nil {
		return fmt.Errorf("serve channels: %w", err)
	}
	if err := p.t.SetValue(profile.Version, []byte(p.opts.Version)); err != nil {
		return fmt.Errorf("set version: %w", err)
	}
	if err := p.t.SetValue(profile.Description, []byte(p.opts.Description)); err != nil {
		return fmt.Errorf("set description: %w", err)
	}
	if err := p.t.Advertise(p.opts.DisplayName, p.reg.Service()); err != nil {
		return fmt.Errorf("advertise: %w", err)
	}
	return nil
}

// Reset returns a failed session to Idle so it can be started again
func (p *Peripheral) Reset() error {
	if !p.sm.is(StateFailed) {
		return fmt.Errorf("%w: reset in %s", ErrInvalidTransition, p.sm.current())
	}
	p.d.post(func() { p.setState(StateIdle) })
	return nil
}

func (p *Peripheral) onPeerAttach(peer transport.PeerEndpoint) {
	if !p.sm.is(StateDiscovering, StateConnecting, StateChannelsReady, StateActive) {
		return
	}
	p.devices.Store(peer.Address, peer)
	logger.Info(p.prefix, "central %s attached (%d connected)", peer.Address, p.devices.Size())
	p.publish(eventbus.PhaseAttach, eventbus.Event{Kind: eventbus.KindPeerAttached, Peer: peer.Address, Text: peer.Name, Value: peer.RSSI})

	if p.sm.is(StateDiscovering) {
		p.setState(StateConnecting)
		p.setState(StateChannelsReady)
	}
}

// activate marks the link active once a central finished its handshake
func (p *Peripheral) activate(addr string) {
	if !p.sm.is(StateChannelsReady) {
		return
	}
	if p.setState(StateActive) {
		p.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindConnected, Peer: addr})
	}
}

func (p *Peripheral) onSubscribe(peer transport.PeerEndpoint, ch profile.ChannelID) {
	logger.Debug(p.prefix, "%s subscribed to %s", peer.Address, p.reg.Name(ch))
	if ch == profile.Message {
		p.activate(peer.Address)
	}
}

func (p *Peripheral) onPeerDetach(peer transport.PeerEndpoint) {
	if _, ok := p.devices.LoadAndDelete(peer.Address); !ok {
		return
	}
	p.names.Delete(peer.Address)
	p.forget(profile.Bulk, peer.Address)
	logger.Info(p.prefix, "central %s detached (%d connected)", peer.Address, p.devices.Size())
	p.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindPeerDetached, Peer: peer.Address})

	if p.devices.Size() > 0 {
		return
	}
	// the only central left before finishing its handshake; keep advertising
	if p.sm.is(StateChannelsReady) {
		p.setState(StateDiscovering)
	}
	p.abortWork()
}

// writeRequest answers a central's write on the transport goroutine; the
// payload itself is handled on the dispatcher
func (p *Peripheral) writeRequest(peer transport.PeerEndpoint, ch profile.ChannelID, value []byte) transport.Status {
	switch ch {
	case profile.Message:
		if !utf8.Valid(value) {
			p.emit(eventbus.PhaseSession, eventbus.Event{
				Kind: eventbus.KindConnectionError,
				Peer: peer.Address,
				Err:  fmt.Errorf("%w: message from %s", ErrEncoding, peer.Address),
			})
			return transport.StatusUnlikelyError
		}
		text := string(value)
		p.d.post(func() { p.handleMessage(peer.Address, text) })
		return transport.StatusSuccess
	case profile.Bulk:
		data := append([]byte(nil), value...)
		p.emit(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindDataStream, Peer: peer.Address, Value: len(data), Data: data})
		return transport.StatusSuccess
	default:
		return transport.StatusWriteNotPermitted
	}
}

func (p *Peripheral) handleMessage(addr string, text string) {
	if _, ok := p.devices.Load(addr); !ok {
		return
	}
	// a message write proves the central finished its handshake
	p.activate(addr)

	cmd := command.Parse(text)
	switch cmd.Kind {
	case command.KindName:
		p.names.Store(addr, cmd.Arg)
		p.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindPeerNamed, Peer: addr, Text: cmd.Arg})
	case command.KindSend:
		p.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindInfo, Peer: addr, Text: "peer requested handoff"})
		p.prepareHandoff()
	default:
		p.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindMessage, Peer: addr, Text: cmd.Raw})
	}
}

// SendText notifies every attached central on the message channel
func (p *Peripheral) SendText(text string) error {
	if err := p.requireActive(); err != nil {
		return err
	}
	if err := validateText(text); err != nil {
		return err
	}
	if p.devices.Size() == 0 {
		return ErrNoPeers
	}
	p.d.post(func() { p.notifyAll(profile.Message, []byte(text)) })
	return nil
}

func (p *Peripheral) notifyAll(ch profile.ChannelID, value []byte) {
	if err := p.t.SetValue(ch, value); err != nil {
		logger.Warn(p.prefix, "set %s value: %v", p.reg.Name(ch), err)
	}
	for _, peer := range p.ConnectedDevices() {
		if err := p.t.Notify(peer.Address, ch, value); err != nil {
			p.connectionError(eventbus.PhaseSession, peer.Address, fmt.Errorf("%w: notify %s: %w", transfer.ErrWrite, p.reg.Name(ch), err))
		}
	}
}

// SendBulk streams payload to every attached central on the bulk-data channel
func (p *Peripheral) SendBulk(payload []byte, mode transfer.Mode) (*transfer.Job, error) {
	if err := p.requireActive(); err != nil {
		return nil, err
	}
	if p.devices.Size() == 0 {
		return nil, ErrNoPeers
	}
	return p.engine.Start(profile.Bulk, payload, mode)
}

// writeChunk notifies every central; the chunk completes once all of
// them reported the notification sent
func (p *Peripheral) writeChunk(ch profile.ChannelID, chunk []byte) error {
	peers := p.ConnectedDevices()
	if len(peers) == 0 {
		return ErrNoPeers
	}

	// queued before notifying, since outcomes may arrive at once
	b := &notifyBatch{pending: make(map[string]bool, len(peers))}
	for _, peer := range peers {
		b.pending[peer.Address] = true
	}
	p.batchMu.Lock()
	p.batches = append(p.batches, b)
	p.batchMu.Unlock()

	var lastErr error
	failed := 0
	for _, peer := range peers {
		if err := p.t.Notify(peer.Address, ch, chunk); err != nil {
			lastErr = err
			failed++
			p.batchMu.Lock()
			delete(b.pending, peer.Address)
			if b.err == nil {
				b.err = err
			}
			p.batchMu.Unlock()
		}
	}

	p.batchMu.Lock()
	if failed == len(peers) {
		// nothing went out; the engine retries without a completion
		p.batches = p.batches[:len(p.batches)-1]
		p.batchMu.Unlock()
		return lastErr
	}
	b.sealed = true
	done := p.popSettled()
	p.batchMu.Unlock()

	for _, d := range done {
		p.engine.Complete(ch, d.err)
	}
	return nil
}

// settle records one central's notification outcome against the oldest
// chunk still waiting on it. Finished chunks complete in write order.
func (p *Peripheral) settle(ch profile.ChannelID, address string, err error) {
	p.batchMu.Lock()
	for _, b := range p.batches {
		if !b.pending[address] {
			continue
		}
		delete(b.pending, address)
		if err != nil && b.err == nil {
			b.err = err
		}
		break
	}
	done := p.popSettled()
	p.batchMu.Unlock()

	for _, b := range done {
		p.engine.Complete(ch, b.err)
	}
}

// forget stops waiting on a detached central
func (p *Peripheral) forget(ch profile.ChannelID, address string) {
	p.batchMu.Lock()
	for _, b := range p.batches {
		if b.pending[address] {
			delete(b.pending, address)
			if b.err == nil {
				b.err = transport.ErrNotAttached
			}
		}
	}
	done := p.popSettled()
	p.batchMu.Unlock()

	for _, b := range done {
		p.engine.Complete(ch, b.err)
	}
}

// popSettled removes finished chunks from the head of the queue; callers
// hold batchMu
func (p *Peripheral) popSettled() []*notifyBatch {
	n := 0
	for n < len(p.batches) && p.batches[n].sealed && len(p.batches[n].pending) == 0 {
		n++
	}
	done := p.batches[:n:n]
	p.batches = p.batches[n:]
	return done
}

// onUnitSize records the size a central negotiated; the latest one wins
func (p *Peripheral) onUnitSize(peer transport.PeerEndpoint, size int) {
	p.unit.succeeded(size)
	logger.Info(p.prefix, "%s negotiated unit size %d", peer.Address, size)
	p.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindUnitSizeChanged, Peer: peer.Address, Value: size})
}

// PrepareHandoff opens the secondary link and offers its address to every
// attached central
func (p *Peripheral) PrepareHandoff() error {
	if err := p.requireActive(); err != nil {
		return err
	}
	if p.handoff == nil {
		return ErrHandoffDisabled
	}
	p.d.post(p.prepareHandoff)
	return nil
}

func (p *Peripheral) prepareHandoff() {
	if p.handoff == nil {
		p.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindInfo, Text: "ignoring handoff request: " + ErrHandoffDisabled.Error()})
		return
	}

	var payload []byte
	if p.opts.HandoffPayload != nil {
		var err error
		if payload, err = p.opts.HandoffPayload(); err != nil {
			p.connectionError(eventbus.PhaseSession, "", fmt.Errorf("handoff payload: %w", err))
			return
		}
	}

	job, err := p.handoff.Prepare(payload)
	if err != nil {
		p.connectionError(eventbus.PhaseSession, "", err)
		return
	}
	p.notifyAll(profile.Handoff, []byte(job.Address))
	p.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindHandoffListening, Text: job.Address, Value: len(payload)})
}

// Stop stops advertising, drops every central and waits for pending events
// to be delivered. It must not be called from an observer.
func (p *Peripheral) Stop() {
	if p.stopped.Swap(true) {
		return
	}
	p.d.call(func() {
		if err := p.t.StopAdvertising(); err != nil {
			logger.Warn(p.prefix, "stop advertising: %v", err)
		}
		p.abortWork()

		switch p.sm.current() {
		case StateActive, StateChannelsReady:
			p.setState(StateClosing)
			for _, peer := range p.ConnectedDevices() {
				p.devices.Delete(peer.Address)
				p.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindPeerDetached, Peer: peer.Address})
			}
			p.publish(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindDisconnected})
			p.setState(StateIdle)
		case StateDiscovering, StateConnecting, StateInitializing, StateFailed:
			p.setState(StateIdle)
		}
	})
	p.shutdown()
	logger.Info(p.prefix, "session stopped")
}

// peripheralHandler posts transport callbacks onto the session's dispatcher
type peripheralHandler struct{ p *Peripheral }

func (h peripheralHandler) OnPeerAttach(peer transport.PeerEndpoint) {
	h.p.d.post(func() { h.p.onPeerAttach(peer) })
}

func (h peripheralHandler) OnPeerDetach(peer transport.PeerEndpoint) {
	h.p.d.post(func() { h.p.onPeerDetach(peer) })
}

func (h peripheralHandler) OnSubscribe(peer transport.PeerEndpoint, ch profile.ChannelID) {
	h.p.d.post(func() { h.p.onSubscribe(peer, ch) })
}

func (h peripheralHandler) OnWriteRequest(peer transport.PeerEndpoint, ch profile.ChannelID, value []byte, withResponse bool) transport.Status {
	return h.p.writeRequest(peer, ch, value)
}

func (h peripheralHandler) OnNotifySent(peer transport.PeerEndpoint, ch profile.ChannelID, err error) {
	h.p.d.post(func() {
		if ch == profile.Bulk {
			h.p.settle(ch, peer.Address, err)
		}
	})
}

func (h peripheralHandler) OnUnitSize(peer transport.PeerEndpoint, size int) {
	h.p.d.post(func() { h.p.onUnitSize(peer, size) })
}
