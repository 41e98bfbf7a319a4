package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"github.com/user/bluelink/eventbus"
	"github.com/user/bluelink/link"
	"github.com/user/bluelink/transfer"
	"github.com/user/bluelink/wire"
)

func TestPeerColumn(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"short", "Bob"},
		{"empty", ""},
		{"long", "A name that is far too long for the column"},
		{"wide runes", "東京のデバイス名前です"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := peerColumn(tt.in)
			if w := runewidth.StringWidth(got); w != nameColumn {
				t.Errorf("peerColumn(%q) has width %d, want %d", tt.in, w, nameColumn)
			}
		})
	}
}

func TestPrinter(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	p := newPrinter(&buf, "central", color.New())

	p.OnEvent(eventbus.Event{Kind: eventbus.KindScanResult, Peer: "aa:bb", Text: "Bob", Value: -40})
	p.OnEvent(eventbus.Event{Kind: eventbus.KindScanResult, Peer: "aa:bb", Text: "Bob", Value: -41})
	p.OnEvent(eventbus.Event{Kind: eventbus.KindMessage, Peer: "aa:bb", Text: "hi"})
	p.OnEvent(eventbus.Event{Kind: eventbus.KindConnectionError, Err: errors.New("boom")})

	out := buf.String()
	if strings.Count(out, "found Bob") != 1 {
		t.Errorf("Expected one scan line, got:\n%s", out)
	}
	if !strings.Contains(out, "[central] aa:bb: hi") {
		t.Errorf("Expected message line, got:\n%s", out)
	}
	if !strings.Contains(out, "error: boom") {
		t.Errorf("Expected error line, got:\n%s", out)
	}
}

// recorder keeps the events of a bus
type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) OnEvent(e eventbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) waitFor(t *testing.T, kind eventbus.Kind, match func(eventbus.Event) bool) eventbus.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, e := range r.events {
			if e.Kind == kind && (match == nil || match(e)) {
				r.mu.Unlock()
				return e
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", kind)
	return eventbus.Event{}
}

func (r *recorder) count(kind eventbus.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type pair struct {
	central    *link.Central
	peripheral *link.Peripheral
	cbus, pbus *eventbus.Bus
	clog, plog *recorder
}

// newPair connects a central and a peripheral over a perfect simulated
// radio using the auto-connect observer
func newPair(t *testing.T) *pair {
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

	p := &pair{cbus: eventbus.New(), pbus: eventbus.New(), clog: &recorder{}, plog: &recorder{}}
	for bus, log := range map[*eventbus.Bus]*recorder{p.cbus: p.clog, p.pbus: p.plog} {
		bus.Subscribe(eventbus.PhaseAttach, log)
		bus.Subscribe(eventbus.PhaseSession, log)
	}

	opts := link.DefaultOptions()
	opts.DisplayName = "Bob"
	p.peripheral = link.NewPeripheral(wp, p.pbus, opts)
	t.Cleanup(p.peripheral.Stop)

	opts.DisplayName = "Alice"
	p.central = link.NewCentral(wc, p.cbus, opts)
	t.Cleanup(p.central.Stop)

	auto := newAutoConnect("")
	auto.set(p.central)
	p.cbus.Subscribe(eventbus.PhaseAttach, auto)
	p.cbus.Subscribe(eventbus.PhaseSession, auto)

	if err := p.peripheral.Start(); err != nil {
		t.Fatalf("Failed to start peripheral: %v", err)
	}
	if err := p.central.Start(); err != nil {
		t.Fatalf("Failed to start central: %v", err)
	}
	p.clog.waitFor(t, eventbus.KindConnected, nil)
	p.plog.waitFor(t, eventbus.KindPeerNamed, func(e eventbus.Event) bool { return e.Text == "Alice" })
	return p
}

func testPayload() ([]byte, error) {
	return bytes.Repeat([]byte("x"), 3000), nil
}

func TestConsoleSendsText(t *testing.T) {
	p := newPair(t)
	con := newConsole(p.central, p.cbus, transfer.FlowControlled, 0, testPayload)

	quit, err := con.handle(context.Background(), "hello bob")
	if err != nil || quit {
		t.Fatalf("Failed to send text: quit=%v err=%v", quit, err)
	}
	p.plog.waitFor(t, eventbus.KindMessage, func(e eventbus.Event) bool { return e.Text == "hello bob" })
}

func TestConsoleTransfer(t *testing.T) {
	p := newPair(t)
	con := newConsole(p.central, p.cbus, transfer.FlowControlled, 0, testPayload)

	if _, err := con.handle(context.Background(), "/transfer"); err != nil {
		t.Fatalf("Failed to start transfer: %v", err)
	}
	p.clog.waitFor(t, eventbus.KindTransferCompleted, func(e eventbus.Event) bool { return e.Total == 3000 })
}

func TestConsoleTransferTest(t *testing.T) {
	p := newPair(t)
	con := newConsole(p.central, p.cbus, transfer.TightLoop, 0, testPayload)

	if _, err := con.handle(context.Background(), "/transfertest"); err != nil {
		t.Fatalf("Failed to run transfer test: %v", err)
	}
	p.clog.waitFor(t, eventbus.KindUnitSizeChanged, nil)
	p.clog.waitFor(t, eventbus.KindTransferProgress, func(e eventbus.Event) bool { return e.Total == transferTestSize })
}

func TestConsoleQuit(t *testing.T) {
	p := newPair(t)
	con := newConsole(p.peripheral, p.pbus, transfer.FlowControlled, 0, testPayload)

	in := strings.NewReader("hi alice\n/quit\nnever sent\n")
	if err := con.run(context.Background(), in); err != nil {
		t.Fatalf("Failed to run console: %v", err)
	}
	p.clog.waitFor(t, eventbus.KindMessage, func(e eventbus.Event) bool { return e.Text == "hi alice" })

	time.Sleep(50 * time.Millisecond)
	p.clog.mu.Lock()
	defer p.clog.mu.Unlock()
	for _, e := range p.clog.events {
		if e.Kind == eventbus.KindMessage && e.Text == "never sent" {
			t.Errorf("Expected lines after /quit to be ignored")
		}
	}
}

func TestAutoConnectAfterDisconnect(t *testing.T) {
	p := newPair(t)

	if err := p.central.Disconnect(); err != nil {
		t.Fatalf("Failed to disconnect: %v", err)
	}
	p.clog.waitFor(t, eventbus.KindDisconnected, nil)

	deadline := time.Now().Add(5 * time.Second)
	for p.clog.count(eventbus.KindConnected) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("Expected central to reconnect, state is %s", p.central.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if p.central.State() != link.StateActive {
		t.Errorf("Expected active after reconnect, got %s", p.central.State())
	}
}

func TestConsoleTransferTestUsesConfiguredUnitSize(t *testing.T) {
	p := newPair(t)
	con := newConsole(p.central, p.cbus, transfer.FlowControlled, 185, testPayload)

	if _, err := con.handle(context.Background(), "/transfertest"); err != nil {
		t.Fatalf("Failed to run transfer test: %v", err)
	}
	e := p.clog.waitFor(t, eventbus.KindUnitSizeChanged, nil)
	if e.Value != 185 || p.central.UnitSize() != 185 {
		t.Errorf("Expected unit size 185, got event %d session %d", e.Value, p.central.UnitSize())
	}
}

func TestLoadScript(t *testing.T) {
	lines, err := loadScript("")
	if err != nil || len(lines) != len(defaultScript) {
		t.Fatalf("Expected default script, got %v (%v)", lines, err)
	}
	if _, err := loadScript("/does/not/exist"); err == nil {
		t.Errorf("Expected missing script to fail")
	}
}
