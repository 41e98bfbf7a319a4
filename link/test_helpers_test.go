package link

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/user/bluelink/eventbus"
	"github.com/user/bluelink/wire"
)

const eventTimeout = 5 * time.Second

// eventLog records every event of both phases of a bus
type eventLog struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func newEventLog(bus *eventbus.Bus) *eventLog {
	l := &eventLog{}
	record := eventbus.ObserverFunc(func(e eventbus.Event) {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	})
	bus.Subscribe(eventbus.PhaseAttach, record)
	bus.Subscribe(eventbus.PhaseSession, record)
	return l
}

func (l *eventLog) snapshot() []eventbus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]eventbus.Event(nil), l.events...)
}

func (l *eventLog) find(kind eventbus.Kind, match func(eventbus.Event) bool) (eventbus.Event, bool) {
	for _, e := range l.snapshot() {
		if e.Kind == kind && (match == nil || match(e)) {
			return e, true
		}
	}
	return eventbus.Event{}, false
}

// count returns how many events of kind were recorded
func (l *eventLog) count(kind eventbus.Kind) int {
	n := 0
	for _, e := range l.snapshot() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// waitFor polls until an event of kind satisfying match was recorded
func (l *eventLog) waitFor(t *testing.T, kind eventbus.Kind, match func(eventbus.Event) bool) eventbus.Event {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		if e, ok := l.find(kind, match); ok {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s event", kind)
	return eventbus.Event{}
}

func (l *eventLog) waitState(t *testing.T, s State) {
	t.Helper()
	l.waitFor(t, eventbus.KindStateChanged, func(e eventbus.Event) bool { return e.Value == int(s) })
}

func text(s string) func(eventbus.Event) bool {
	return func(e eventbus.Event) bool { return e.Text == s }
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// memSink keeps handoff payloads in memory
type memSink struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func (s *memSink) SaveHandoff(ctx context.Context, peer string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string][]byte)
	}
	s.saved[peer] = append([]byte(nil), data...)
	return nil
}

func (s *memSink) get(peer string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.saved[peer]
	return data, ok
}

// node is one simulated device running a session
type node[S any] struct {
	session S
	log     *eventLog
	bus     *eventbus.Bus
}

type fixture struct {
	air *wire.Air

	wp *wire.Peripheral
	wc *wire.Central

	p node[*Peripheral]
	c node[*Central]
}

func centralOptions() Options {
	opts := DefaultOptions()
	opts.DisplayName = "Alice"
	opts.HandshakeTimeout = 2 * time.Second
	return opts
}

func peripheralOptions() Options {
	opts := DefaultOptions()
	opts.DisplayName = "Bob"
	return opts
}

// newFixture creates both radios on a perfect medium without starting
// any session
func newFixture(t *testing.T) *fixture {
	t.Helper()
	air := wire.NewAir(wire.PerfectSimulationConfig())

	wp, err := wire.NewPeripheral(air, "bob-radio")
	if err != nil {
		t.Fatalf("Failed to create peripheral radio: %v", err)
	}
	wc, err := wire.NewCentral(air, "alice-radio")
	if err != nil {
		t.Fatalf("Failed to create central radio: %v", err)
	}
	t.Cleanup(func() {
		wc.Close()
		wp.Close()
	})
	return &fixture{air: air, wp: wp, wc: wc}
}

func (f *fixture) startPeripheral(t *testing.T, opts Options) {
	t.Helper()
	bus := eventbus.New()
	f.p = node[*Peripheral]{session: NewPeripheral(f.wp, bus, opts), log: newEventLog(bus), bus: bus}
	t.Cleanup(f.p.session.Stop)
	if err := f.p.session.Start(); err != nil {
		t.Fatalf("Failed to start peripheral: %v", err)
	}
	f.p.log.waitState(t, StateDiscovering)
}

func (f *fixture) startCentral(t *testing.T, opts Options) {
	t.Helper()
	bus := eventbus.New()
	f.c = node[*Central]{session: NewCentral(f.wc, bus, opts), log: newEventLog(bus), bus: bus}
	t.Cleanup(f.c.session.Stop)
	if err := f.c.session.Start(); err != nil {
		t.Fatalf("Failed to start central: %v", err)
	}
	f.c.log.waitState(t, StateDiscovering)
}

// connect scans for the peripheral, attaches and waits until both sides
// are active and the central's name arrived
func (f *fixture) connect(t *testing.T) {
	t.Helper()
	f.c.log.waitFor(t, eventbus.KindScanResult, func(e eventbus.Event) bool { return e.Peer == f.wp.Address() })
	if err := f.c.session.Connect(f.wp.Address()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	f.c.log.waitFor(t, eventbus.KindConnected, nil)
	f.p.log.waitFor(t, eventbus.KindConnected, nil)
	f.p.log.waitFor(t, eventbus.KindPeerNamed, text("Alice"))
}

// connected returns a fixture with both sessions active
func connected(t *testing.T, popts, copts Options) *fixture {
	t.Helper()
	f := newFixture(t)
	f.startPeripheral(t, popts)
	f.startCentral(t, copts)
	f.connect(t)
	return f
}
