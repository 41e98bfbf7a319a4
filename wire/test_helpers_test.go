package wire

import (
	"testing"
	"time"

	"github.com/user/bluelink/profile"
	"github.com/user/bluelink/transport"
)

const waitTimeout = 2 * time.Second

type result struct {
	peer   transport.PeerEndpoint
	ch     profile.ChannelID
	value  []byte
	size   int
	status transport.Status
	err    error
}

// centralRecorder forwards every callback onto a buffered channel
type centralRecorder struct {
	scans      chan transport.PeerEndpoint
	attaches   chan result
	detaches   chan result
	channels   chan []profile.ChannelID
	reads      chan result
	writes     chan result
	subscribes chan result
	notifies   chan result
	unitSizes  chan result
}

func newCentralRecorder() *centralRecorder {
	return &centralRecorder{
		scans:      make(chan transport.PeerEndpoint, 256),
		attaches:   make(chan result, 16),
		detaches:   make(chan result, 16),
		channels:   make(chan []profile.ChannelID, 16),
		reads:      make(chan result, 16),
		writes:     make(chan result, 1024),
		subscribes: make(chan result, 16),
		notifies:   make(chan result, 1024),
		unitSizes:  make(chan result, 16),
	}
}

func (r *centralRecorder) OnScanResult(peer transport.PeerEndpoint) {
	select {
	case r.scans <- peer:
	default:
	}
}

func (r *centralRecorder) OnAttach(peer transport.PeerEndpoint, status transport.Status) {
	r.attaches <- result{peer: peer, status: status}
}

func (r *centralRecorder) OnDetach(peer transport.PeerEndpoint, err error) {
	r.detaches <- result{peer: peer, err: err}
}

func (r *centralRecorder) OnChannels(peer transport.PeerEndpoint, channels []profile.ChannelID, err error) {
	r.channels <- channels
}

func (r *centralRecorder) OnRead(peer transport.PeerEndpoint, ch profile.ChannelID, value []byte, err error) {
	r.reads <- result{peer: peer, ch: ch, value: value, err: err}
}

func (r *centralRecorder) OnWrite(peer transport.PeerEndpoint, ch profile.ChannelID, err error) {
	r.writes <- result{peer: peer, ch: ch, err: err}
}

func (r *centralRecorder) OnSubscribe(peer transport.PeerEndpoint, ch profile.ChannelID, err error) {
	r.subscribes <- result{peer: peer, ch: ch, err: err}
}

func (r *centralRecorder) OnNotify(peer transport.PeerEndpoint, ch profile.ChannelID, value []byte) {
	r.notifies <- result{peer: peer, ch: ch, value: value}
}

func (r *centralRecorder) OnUnitSize(peer transport.PeerEndpoint, size int, err error) {
	r.unitSizes <- result{peer: peer, size: size, err: err}
}

// peripheralRecorder answers writes with reply and records everything else
type peripheralRecorder struct {
	reply transport.Status

	attaches   chan transport.PeerEndpoint
	detaches   chan transport.PeerEndpoint
	subscribes chan result
	writes     chan result
	sent       chan result
	unitSizes  chan result
}

func newPeripheralRecorder() *peripheralRecorder {
	return &peripheralRecorder{
		reply:      transport.StatusSuccess,
		attaches:   make(chan transport.PeerEndpoint, 16),
		detaches:   make(chan transport.PeerEndpoint, 16),
		subscribes: make(chan result, 16),
		writes:     make(chan result, 1024),
		sent:       make(chan result, 1024),
		unitSizes:  make(chan result, 16),
	}
}

func (r *peripheralRecorder) OnPeerAttach(peer transport.PeerEndpoint) { r.attaches <- peer }

func (r *peripheralRecorder) OnPeerDetach(peer transport.PeerEndpoint) { r.detaches <- peer }

func (r *peripheralRecorder) OnSubscribe(peer transport.PeerEndpoint, ch profile.ChannelID) {
	r.subscribes <- result{peer: peer, ch: ch}
}

func (r *peripheralRecorder) OnWriteRequest(peer transport.PeerEndpoint, ch profile.ChannelID, value []byte, withResponse bool) transport.Status {
	r.writes <- result{peer: peer, ch: ch, value: value}
	return r.reply
}

func (r *peripheralRecorder) OnNotifySent(peer transport.PeerEndpoint, ch profile.ChannelID, err error) {
	r.sent <- result{peer: peer, ch: ch, err: err}
}

func (r *peripheralRecorder) OnUnitSize(peer transport.PeerEndpoint, size int) {
	r.unitSizes <- result{peer: peer, size: size}
}

func await[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("Timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("Unexpected %s: %+v", what, v)
	case <-time.After(50 * time.Millisecond):
	}
}

type pair struct {
	air  *Air
	c    *Central
	p    *Peripheral
	cRec *centralRecorder
	pRec *peripheralRecorder
}

// newPair creates a serving, advertising peripheral and a central on a
// perfect medium
func newPair(t *testing.T, cfg *SimulationConfig) *pair {
	t.Helper()
	if cfg == nil {
		cfg = PerfectSimulationConfig()
	}
	air := NewAir(cfg)

	p, err := NewPeripheral(air, "peripheral-1")
	if err != nil {
		t.Fatalf("Failed to create peripheral: %v", err)
	}
	c, err := NewCentral(air, "central-1")
	if err != nil {
		t.Fatalf("Failed to create central: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		p.Close()
	})

	pr := &pair{air: air, c: c, p: p, cRec: newCentralRecorder(), pRec: newPeripheralRecorder()}
	c.SetHandler(pr.cRec)
	p.SetHandler(pr.pRec)

	if err := p.Serve(profile.Default()); err != nil {
		t.Fatalf("Failed to serve: %v", err)
	}
	if err := p.Advertise("Bob", profile.Service); err != nil {
		t.Fatalf("Failed to advertise: %v", err)
	}
	return pr
}

// attach connects the pair and waits for both sides to see it
func (pr *pair) attach(t *testing.T) {
	t.Helper()
	if err := pr.c.Attach(pr.p.Address()); err != nil {
		t.Fatalf("Failed to attach: %v", err)
	}
	res := await(t, pr.cRec.attaches, "attach")
	if !res.status.OK() {
		t.Fatalf("Attach failed with %s", res.status)
	}
	await(t, pr.pRec.attaches, "peer attach")
}
