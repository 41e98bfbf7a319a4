package link

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/user/bluelink/eventbus"
	"github.com/user/bluelink/handoff"
	"github.com/user/bluelink/profile"
	"github.com/user/bluelink/transfer"
	"github.com/user/bluelink/transport"
	"github.com/user/bluelink/wire"
)

func TestHandshake(t *testing.T) {
	f := connected(t, peripheralOptions(), centralOptions())

	if v := f.c.log.waitFor(t, eventbus.KindVersion, nil); v.Text != profile.DefaultVersion {
		t.Errorf("Expected version %q, got %q", profile.DefaultVersion, v.Text)
	}
	if d := f.c.log.waitFor(t, eventbus.KindDescription, nil); d.Text != profile.DefaultDescription {
		t.Errorf("Expected description %q, got %q", profile.DefaultDescription, d.Text)
	}
	if f.c.session.State() != StateActive {
		t.Errorf("Expected central active, got %s", f.c.session.State())
	}
	if f.p.session.State() != StateActive {
		t.Errorf("Expected peripheral active, got %s", f.p.session.State())
	}
	if f.c.session.Peer() != f.wp.Address() {
		t.Errorf("Expected peer %s, got %s", f.wp.Address(), f.c.session.Peer())
	}
	if name := f.p.session.PeerName(f.wc.Address()); name != "Alice" {
		t.Errorf("Expected peripheral to know the central as Alice, got %q", name)
	}
	if devices := f.p.session.ConnectedDevices(); len(devices) != 1 {
		t.Errorf("Expected 1 connected device, got %d", len(devices))
	}
}

func TestStateEventsUsePhases(t *testing.T) {
	bus := eventbus.New()
	var attach, session []string
	bus.Subscribe(eventbus.PhaseAttach, eventbus.ObserverFunc(func(e eventbus.Event) {
		if e.Kind == eventbus.KindStateChanged {
			attach = append(attach, e.Text)
		}
	}))
	bus.Subscribe(eventbus.PhaseSession, eventbus.ObserverFunc(func(e eventbus.Event) {
		if e.Kind == eventbus.KindStateChanged {
			session = append(session, e.Text)
		}
	}))

	f := newFixture(t)
	f.startPeripheral(t, peripheralOptions())
	f.c = node[*Central]{session: NewCentral(f.wc, bus, centralOptions()), log: newEventLog(bus), bus: bus}
	if err := f.c.session.Start(); err != nil {
		t.Fatalf("Failed to start central: %v", err)
	}
	f.connect(t)
	if err := f.c.session.Disconnect(); err != nil {
		t.Fatalf("Failed to disconnect: %v", err)
	}
	f.c.session.Stop()

	wantAttach := []string{"initializing", "discovering", "connecting", "channels-ready", "idle"}
	wantSession := []string{"active", "closing"}
	if len(attach) != len(wantAttach) {
		t.Fatalf("Expected attach states %v, got %v", wantAttach, attach)
	}
	for i := range wantAttach {
		if attach[i] != wantAttach[i] {
			t.Errorf("Expected attach states %v, got %v", wantAttach, attach)
			break
		}
	}
	if len(session) != len(wantSession) || session[0] != wantSession[0] || session[1] != wantSession[1] {
		t.Errorf("Expected session states %v, got %v", wantSession, session)
	}
}

func TestMessageExchange(t *testing.T) {
	f := connected(t, peripheralOptions(), centralOptions())

	if err := f.c.session.SendText("hello bob"); err != nil {
		t.Fatalf("Failed to send from central: %v", err)
	}
	msg := f.p.log.waitFor(t, eventbus.KindMessage, text("hello bob"))
	if msg.Peer != f.wc.Address() {
		t.Errorf("Expected message from %s, got %s", f.wc.Address(), msg.Peer)
	}

	if err := f.p.session.SendText("hi alice"); err != nil {
		t.Fatalf("Failed to send from peripheral: %v", err)
	}
	f.c.log.waitFor(t, eventbus.KindMessage, text("hi alice"))

	// /name from the peripheral renames it on the central
	if err := f.p.session.SendText("/name Robert"); err != nil {
		t.Fatalf("Failed to send name: %v", err)
	}
	f.c.log.waitFor(t, eventbus.KindPeerNamed, text("Robert"))
	if f.c.session.PeerName() != "Robert" {
		t.Errorf("Expected peer name Robert, got %q", f.c.session.PeerName())
	}
}

func TestSendBeforeActive(t *testing.T) {
	f := newFixture(t)
	c := NewCentral(f.wc, eventbus.New(), centralOptions())
	defer c.Stop()

	if err := c.SendText("too early"); !errors.Is(err, ErrNotActive) {
		t.Errorf("Expected ErrNotActive, got %v", err)
	}
	if _, err := c.SendBulk([]byte("x"), transfer.FlowControlled); !errors.Is(err, ErrNotActive) {
		t.Errorf("Expected ErrNotActive for bulk, got %v", err)
	}
	if err := c.Connect("anyone"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for connect in idle, got %v", err)
	}
}

func TestSendInvalidUTF8(t *testing.T) {
	f := connected(t, peripheralOptions(), centralOptions())

	if err := f.c.session.SendText(string([]byte{0xff, 0xfe})); !errors.Is(err, ErrEncoding) {
		t.Errorf("Expected ErrEncoding, got %v", err)
	}
}

func TestEncodingErrorAcknowledged(t *testing.T) {
	f := connected(t, peripheralOptions(), centralOptions())

	// bypass the session's validation and write raw bytes on the radio
	if err := f.wc.Write(f.wp.Address(), profile.Message, []byte{0xc3, 0x28}, profile.WriteWithAck); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	perr := f.p.log.waitFor(t, eventbus.KindConnectionError, nil)
	if !errors.Is(perr.Err, ErrEncoding) {
		t.Errorf("Expected ErrEncoding on the peripheral, got %v", perr.Err)
	}
	cerr := f.c.log.waitFor(t, eventbus.KindConnectionError, nil)
	if transport.AsStatus(cerr.Err) != transport.StatusUnlikelyError {
		t.Errorf("Expected the write to be answered with unlikely-error, got %v", cerr.Err)
	}
	if f.p.session.State() != StateActive {
		t.Errorf("Expected peripheral to stay active, got %s", f.p.session.State())
	}
}

func TestHandshakeFailsOnMissingChannel(t *testing.T) {
	f := newFixture(t)
	f.wp.Hide(profile.Description)
	f.startPeripheral(t, peripheralOptions())
	f.startCentral(t, centralOptions())

	f.c.log.waitFor(t, eventbus.KindScanResult, nil)
	if err := f.c.session.Connect(f.wp.Address()); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	e := f.c.log.waitFor(t, eventbus.KindConnectionError, nil)
	if !errors.Is(e.Err, ErrAttach) {
		t.Errorf("Expected ErrAttach, got %v", e.Err)
	}
	f.c.log.waitState(t, StateFailed)
	f.p.log.waitFor(t, eventbus.KindPeerDetached, nil)

	// the peripheral lost its only half-attached central and advertises again
	waitUntil(t, "peripheral back to discovering", func() bool { return f.p.session.State() == StateDiscovering })

	if err := f.c.session.Reset(); err != nil {
		t.Fatalf("Failed to reset: %v", err)
	}
	waitUntil(t, "central idle", func() bool { return f.c.session.State() == StateIdle })
}

func TestAttachFailureResumesDiscovery(t *testing.T) {
	f := newFixture(t)
	f.startCentral(t, centralOptions())

	if err := f.c.session.Connect("nobody"); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	e := f.c.log.waitFor(t, eventbus.KindConnectionError, nil)
	if !errors.Is(e.Err, ErrAttach) || e.Peer != "nobody" {
		t.Errorf("Expected attach error for nobody, got %+v", e)
	}
	waitUntil(t, "central back to discovering", func() bool {
		return f.c.session.State() == StateDiscovering && f.c.log.count(eventbus.KindStateChanged) >= 4
	})
	if f.c.session.Peer() != "" {
		t.Errorf("Expected no peer after failed attach, got %s", f.c.session.Peer())
	}
}

func TestInitFailure(t *testing.T) {
	f := newFixture(t)
	f.wc.SetPowered(false)

	bus := eventbus.New()
	log := newEventLog(bus)
	c := NewCentral(f.wc, bus, centralOptions())
	defer c.Stop()
	if err := c.Start(); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	e := log.waitFor(t, eventbus.KindInitFailure, nil)
	if !errors.Is(e.Err, ErrInitialization) || !errors.Is(e.Err, transport.ErrUnavailable) {
		t.Errorf("Expected initialization error wrapping ErrUnavailable, got %v", e.Err)
	}
	log.waitState(t, StateFailed)

	f.wc.SetPowered(true)
	if err := c.Reset(); err != nil {
		t.Fatalf("Failed to reset: %v", err)
	}
	waitUntil(t, "idle", func() bool { return c.State() == StateIdle })
	if err := c.Start(); err != nil {
		t.Fatalf("Failed to restart: %v", err)
	}
	log.waitFor(t, eventbus.KindInitSuccess, nil)
}

func TestUnitSizeNegotiation(t *testing.T) {
	f := connected(t, peripheralOptions(), centralOptions())

	if err := f.c.session.RequestUnitSize(512); err != nil {
		t.Fatalf("Failed to request unit size: %v", err)
	}
	e := f.c.log.waitFor(t, eventbus.KindUnitSizeChanged, nil)
	if e.Value != 512 || f.c.session.UnitSize() != 512 {
		t.Errorf("Expected 512, got event %d session %d", e.Value, f.c.session.UnitSize())
	}
	f.p.log.waitFor(t, eventbus.KindUnitSizeChanged, func(e eventbus.Event) bool { return e.Value == 512 })
	if f.p.session.UnitSize() != 512 {
		t.Errorf("Expected peripheral unit size 512, got %d", f.p.session.UnitSize())
	}
}

func TestUnitSizeFailureKeepsSize(t *testing.T) {
	f := connected(t, peripheralOptions(), centralOptions())
	f.wc.FailUnitSize(1)

	if err := f.c.session.RequestUnitSize(512); err != nil {
		t.Fatalf("Failed to request unit size: %v", err)
	}
	e := f.c.log.waitFor(t, eventbus.KindUnitSizeFailed, nil)
	if !errors.Is(e.Err, ErrTransferUnit) {
		t.Errorf("Expected ErrTransferUnit, got %v", e.Err)
	}
	if f.c.session.UnitSize() != transfer.DefaultUnitSize {
		t.Errorf("Expected unit size to stay %d, got %d", transfer.DefaultUnitSize, f.c.session.UnitSize())
	}
	if err := f.c.session.RequestUnitSize(0); !errors.Is(err, ErrTransferUnit) {
		t.Errorf("Expected invalid size to be rejected, got %v", err)
	}
}

func TestUnitSizeNonPositiveResultFails(t *testing.T) {
	f := connected(t, peripheralOptions(), centralOptions())

	peer := transport.PeerEndpoint{Address: f.wp.Address()}
	centralHandler{f.c.session}.OnUnitSize(peer, 0, nil)

	e := f.c.log.waitFor(t, eventbus.KindUnitSizeFailed, nil)
	if !errors.Is(e.Err, ErrTransferUnit) || e.Value != transfer.DefaultUnitSize {
		t.Errorf("Expected failure keeping %d, got %d: %v", transfer.DefaultUnitSize, e.Value, e.Err)
	}
	for _, e := range f.c.log.snapshot() {
		if e.Kind == eventbus.KindUnitSizeChanged {
			t.Errorf("Expected no unit size change, got %d", e.Value)
		}
	}
	if f.c.session.UnitSize() != transfer.DefaultUnitSize {
		t.Errorf("Expected unit size to stay %d, got %d", transfer.DefaultUnitSize, f.c.session.UnitSize())
	}
}

func collectStream(l *eventLog) []byte {
	var buf bytes.Buffer
	for _, e := range l.snapshot() {
		if e.Kind == eventbus.KindDataStream {
			buf.Write(e.Data)
		}
	}
	return buf.Bytes()
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestBulkCentralToPeripheral(t *testing.T) {
	tests := []struct {
		name string
		mode transfer.Mode
	}{
		{"flow controlled", transfer.FlowControlled},
		{"tight loop", transfer.TightLoop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := connected(t, peripheralOptions(), centralOptions())
			data := payload(1000)

			job, err := f.c.session.SendBulk(data, tt.mode)
			if err != nil {
				t.Fatalf("Failed to start transfer: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
			defer cancel()
			status, err := job.Wait(ctx)
			if err != nil || status != transfer.StatusCompleted {
				t.Fatalf("Expected completed transfer, got %s (%v)", status, err)
			}

			done := f.c.log.waitFor(t, eventbus.KindTransferCompleted, nil)
			if done.Sent != 1000 || done.Total != 1000 {
				t.Errorf("Expected 1000/1000, got %d/%d", done.Sent, done.Total)
			}
			waitUntil(t, "all chunks delivered", func() bool { return len(collectStream(f.p.log)) == len(data) })
			if !bytes.Equal(collectStream(f.p.log), data) {
				t.Errorf("Peripheral received corrupted stream")
			}
		})
	}
}

func TestBulkPeripheralToCentral(t *testing.T) {
	f := connected(t, peripheralOptions(), centralOptions())
	data := payload(700)

	job, err := f.p.session.SendBulk(data, transfer.FlowControlled)
	if err != nil {
		t.Fatalf("Failed to start transfer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if status, err := job.Wait(ctx); err != nil || status != transfer.StatusCompleted {
		t.Fatalf("Expected completed transfer, got %s (%v)", status, err)
	}

	waitUntil(t, "all chunks delivered", func() bool { return len(collectStream(f.c.log)) == len(data) })
	if !bytes.Equal(collectStream(f.c.log), data) {
		t.Errorf("Central received corrupted stream")
	}
}

func TestBulkBusyChannel(t *testing.T) {
	f := connected(t, peripheralOptions(), centralOptions())

	if _, err := f.c.session.SendBulk(payload(100000), transfer.FlowControlled); err != nil {
		t.Fatalf("Failed to start transfer: %v", err)
	}
	if _, err := f.c.session.SendBulk(payload(10), transfer.FlowControlled); !errors.Is(err, transfer.ErrChannelBusy) {
		t.Errorf("Expected ErrChannelBusy, got %v", err)
	}
}

func TestBulkFailsAfterRetries(t *testing.T) {
	copts := centralOptions()
	copts.Transfer = transfer.Config{MaxRetries: 2, RetryDelay: time.Millisecond, CompletionTimeout: time.Second}
	f := connected(t, peripheralOptions(), copts)
	f.wc.FailWrites(profile.Bulk, 10)

	job, err := f.c.session.SendBulk(payload(100), transfer.FlowControlled)
	if err != nil {
		t.Fatalf("Failed to start transfer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	status, err := job.Wait(ctx)
	if status != transfer.StatusFailed || !errors.Is(err, transfer.ErrWrite) {
		t.Fatalf("Expected failed transfer wrapping ErrWrite, got %s (%v)", status, err)
	}
	e := f.c.log.waitFor(t, eventbus.KindConnectionError, func(e eventbus.Event) bool { return e.JobID != "" })
	if e.JobID != job.ID {
		t.Errorf("Expected error for job %s, got %s", job.ID, e.JobID)
	}
	if f.c.session.State() != StateActive {
		t.Errorf("A failed transfer must not end the session, got %s", f.c.session.State())
	}
}

func TestDisconnect(t *testing.T) {
	f := connected(t, peripheralOptions(), centralOptions())

	if err := f.c.session.Disconnect(); err != nil {
		t.Fatalf("Failed to disconnect: %v", err)
	}
	e := f.c.log.waitFor(t, eventbus.KindDisconnected, nil)
	if e.Err != nil || e.Peer != f.wp.Address() {
		t.Errorf("Expected clean disconnect from %s, got %+v", f.wp.Address(), e)
	}
	if f.c.session.State() != StateIdle {
		t.Errorf("Expected idle after disconnect, got %s", f.c.session.State())
	}

	f.p.log.waitFor(t, eventbus.KindPeerDetached, nil)
	if f.p.session.State() != StateActive {
		t.Errorf("Expected peripheral to stay active without peers, got %s", f.p.session.State())
	}
	if err := f.p.session.SendText("anyone?"); !errors.Is(err, ErrNoPeers) {
		t.Errorf("Expected ErrNoPeers, got %v", err)
	}
}

func TestLinkLoss(t *testing.T) {
	f := connected(t, peripheralOptions(), centralOptions())

	f.wp.Drop(f.wc.Address())
	e := f.c.log.waitFor(t, eventbus.KindDisconnected, nil)
	if !errors.Is(e.Err, wire.ErrLinkLost) {
		t.Errorf("Expected ErrLinkLost, got %v", e.Err)
	}
	waitUntil(t, "central idle", func() bool { return f.c.session.State() == StateIdle })
	f.p.log.waitFor(t, eventbus.KindPeerDetached, nil)
}

func TestHandoff(t *testing.T) {
	sink := &memSink{}
	data := payload(64 * 1024)

	popts := peripheralOptions()
	popts.Handoff = handoff.NewTCP("")
	popts.HandoffPayload = func() ([]byte, error) { return data, nil }
	copts := centralOptions()
	copts.Handoff = handoff.NewTCP("")
	copts.HandoffSink = sink

	f := connected(t, popts, copts)

	if err := f.c.session.SendText("/send"); err != nil {
		t.Fatalf("Failed to request handoff: %v", err)
	}

	f.p.log.waitFor(t, eventbus.KindHandoffListening, nil)
	got := f.c.log.waitFor(t, eventbus.KindSecondaryData, nil)
	if !bytes.Equal(got.Data, data) {
		t.Errorf("Expected %d handoff bytes, got %d", len(data), len(got.Data))
	}
	sent := f.p.log.waitFor(t, eventbus.KindHandoffSent, nil)
	if sent.Value != len(data) {
		t.Errorf("Expected %d bytes sent, got %d", len(data), sent.Value)
	}
	waitUntil(t, "sink to persist", func() bool {
		saved, ok := sink.get(f.wp.Address())
		return ok && bytes.Equal(saved, data)
	})
	if n := f.c.log.count(eventbus.KindSecondaryData); n != 1 {
		t.Errorf("Expected exactly one secondary-data event, got %d", n)
	}
}

func TestHandoffDisabled(t *testing.T) {
	f := connected(t, peripheralOptions(), centralOptions())

	if err := f.p.session.PrepareHandoff(); !errors.Is(err, ErrHandoffDisabled) {
		t.Errorf("Expected ErrHandoffDisabled, got %v", err)
	}
	if err := f.c.session.SendText("/send"); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	f.p.log.waitFor(t, eventbus.KindInfo, func(e eventbus.Event) bool {
		return strings.Contains(e.Text, "ignoring handoff request")
	})
}

func TestStopWhileDiscovering(t *testing.T) {
	f := newFixture(t)
	f.startCentral(t, centralOptions())

	f.c.session.Stop()
	if f.c.session.State() != StateIdle {
		t.Errorf("Expected idle after stop, got %s", f.c.session.State())
	}
	if err := f.c.session.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

func TestPeripheralStopDropsCentrals(t *testing.T) {
	f := connected(t, peripheralOptions(), centralOptions())

	f.p.session.Stop()
	if f.p.session.State() != StateIdle {
		t.Errorf("Expected idle after stop, got %s", f.p.session.State())
	}
	f.p.log.waitFor(t, eventbus.KindDisconnected, nil)
	if f.p.log.count(eventbus.KindPeerDetached) != 1 {
		t.Errorf("Expected one peer-detached event, got %d", f.p.log.count(eventbus.KindPeerDetached))
	}
}

func TestControllerSwitchesRole(t *testing.T) {
	f := newFixture(t)
	ctl := NewController(eventbus.New())
	defer ctl.Stop()

	if ctl.Role() != RoleNone {
		t.Fatalf("Expected no role, got %s", ctl.Role())
	}

	central, err := ctl.StartCentral(f.wc, centralOptions())
	if err != nil {
		t.Fatalf("Failed to start central: %v", err)
	}
	if ctl.Role() != RoleCentral {
		t.Errorf("Expected central role, got %s", ctl.Role())
	}
	waitUntil(t, "central discovering", func() bool { return central.State() == StateDiscovering })

	peripheral, err := ctl.StartPeripheral(f.wp, peripheralOptions())
	if err != nil {
		t.Fatalf("Failed to start peripheral: %v", err)
	}
	if ctl.Role() != RolePeripheral {
		t.Errorf("Expected peripheral role, got %s", ctl.Role())
	}
	if central.State() != StateIdle {
		t.Errorf("Expected previous central to be idle, got %s", central.State())
	}
	if ctl.Current() != Session(peripheral) {
		t.Errorf("Expected current session to be the peripheral")
	}

	ctl.Stop()
	if ctl.Current() != nil {
		t.Errorf("Expected no session after stop")
	}
}
