package scenario

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/user/bluelink/eventbus"
	"github.com/user/bluelink/handoff"
	"github.com/user/bluelink/link"
	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/profile"
	"github.com/user/bluelink/transfer"
	"github.com/user/bluelink/wire"
)

// Device is one simulated radio and the session running on it
type Device struct {
	Config  *DeviceConfig
	Address string
	Bus     *eventbus.Bus

	Central    *link.Central
	Peripheral *link.Peripheral
	wc         *wire.Central
	wp         *wire.Peripheral

	mu     sync.Mutex
	events []eventbus.Event
}

// Session returns whichever role the device runs
func (d *Device) Session() link.Session {
	if d.Central != nil {
		return d.Central
	}
	return d.Peripheral
}

// Events returns everything the device's bus published so far
func (d *Device) Events() []eventbus.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]eventbus.Event(nil), d.events...)
}

// EventLogEntry records something that happened during the scenario
type EventLogEntry struct {
	TimeMs    int
	Device    string
	EventType string
	Message   string
}

// AssertionResult records the outcome of an assertion
type AssertionResult struct {
	Assertion *Assertion
	Passed    bool
	Message   string
}

// Runner executes a scenario
type Runner struct {
	scenario  *Scenario
	air       *wire.Air
	devices   map[string]*Device
	startTime time.Time

	mu      sync.Mutex
	log     []EventLogEntry
	results []AssertionResult
}

// NewRunner creates a runner for s
func NewRunner(s *Scenario) *Runner {
	return &Runner{
		scenario: s,
		devices:  make(map[string]*Device),
	}
}

// Device returns the device with id, nil when unknown
func (r *Runner) Device(id string) *Device {
	return r.devices[id]
}

// Setup validates the scenario and creates every device
func (r *Runner) Setup() error {
	if errs := r.scenario.Validate(); len(errs) > 0 {
		return fmt.Errorf("scenario validation failed: %v", errs)
	}

	cfg := wire.PerfectSimulationConfig()
	if r.scenario.Medium == "realistic" {
		cfg = wire.DefaultSimulationConfig()
	}
	r.air = wire.NewAir(cfg)
	r.startTime = time.Now()

	for i := range r.scenario.Devices {
		config := &r.scenario.Devices[i]
		device, err := r.createDevice(config)
		if err != nil {
			r.Close()
			return fmt.Errorf("failed to create device %s: %w", config.ID, err)
		}
		r.devices[config.ID] = device
	}
	return nil
}

func (r *Runner) createDevice(config *DeviceConfig) (*Device, error) {
	device := &Device{
		Config:  config,
		Address: config.ID + "-radio",
		Bus:     eventbus.New(),
	}

	record := eventbus.ObserverFunc(func(e eventbus.Event) {
		device.mu.Lock()
		device.events = append(device.events, e)
		device.mu.Unlock()
		r.logEvent(config.ID, e.Kind.String(), describe(e))
	})
	device.Bus.Subscribe(eventbus.PhaseAttach, record)
	device.Bus.Subscribe(eventbus.PhaseSession, record)

	opts := link.DefaultOptions()
	opts.DisplayName = config.Name
	if config.Handoff {
		opts.Handoff = handoff.NewTCP("")
		opts.HandoffSink = discardSink{}
		opts.HandoffPayload = func() ([]byte, error) {
			payload := make([]byte, 4096)
			_, err := rand.Read(payload)
			return payload, err
		}
	}

	switch config.Role {
	case "central":
		wc, err := wire.NewCentral(r.air, device.Address)
		if err != nil {
			return nil, err
		}
		device.wc = wc
		device.Central = link.NewCentral(wc, device.Bus, opts)
	case "peripheral":
		wp, err := wire.NewPeripheral(r.air, device.Address)
		if err != nil {
			return nil, err
		}
		if config.Distance > 0 {
			wp.SetDistance(config.Distance)
		}
		device.wp = wp
		device.Peripheral = link.NewPeripheral(wp, device.Bus, opts)
	}
	return device, nil
}

// Run executes the timeline in time order
func (r *Runner) Run(ctx context.Context) error {
	timeline := append([]TimelineEvent(nil), r.scenario.Timeline...)
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].TimeMs < timeline[j].TimeMs
	})

	for i := range timeline {
		event := &timeline[i]
		wait := time.Until(r.startTime.Add(time.Duration(event.TimeMs) * time.Millisecond))
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		r.logEvent(event.Device, event.Action, event.Comment)
		if err := r.executeEvent(event); err != nil {
			r.logEvent(event.Device, "error", fmt.Sprintf("%s failed: %v", event.Action, err))
		}
	}
	return nil
}

func (r *Runner) executeEvent(event *TimelineEvent) error {
	device := r.devices[event.Device]
	if device == nil {
		return fmt.Errorf("device %s not found", event.Device)
	}

	switch event.Action {
	case ActionStart:
		if device.Central != nil {
			return device.Central.Start()
		}
		return device.Peripheral.Start()
	case ActionStop:
		device.Session().Stop()
		return nil
	case ActionConnect:
		target := r.devices[event.Target]
		if device.Central == nil || target == nil {
			return fmt.Errorf("connect needs a central and a target")
		}
		return device.Central.Connect(target.Address)
	case ActionDisconnect:
		if device.Central == nil {
			return fmt.Errorf("only a central can disconnect")
		}
		return device.Central.Disconnect()
	case ActionSendText:
		return device.Session().SendText(dataString(event.Data, "text"))
	case ActionSendBulk:
		return r.sendBulk(device, event.Data)
	case ActionRequestUnitSize:
		size, ok := dataInt(event.Data, "size")
		if device.Central == nil || !ok {
			return fmt.Errorf("request_unit_size needs a central and a size")
		}
		return device.Central.RequestUnitSize(size)
	case ActionPrepareHandoff:
		if device.Peripheral == nil {
			return fmt.Errorf("only a peripheral offers a handoff")
		}
		return device.Peripheral.PrepareHandoff()
	case ActionDropLink:
		target := r.devices[event.Target]
		if device.wp == nil || target == nil {
			return fmt.Errorf("drop_link needs a peripheral and a target")
		}
		device.wp.Drop(target.Address)
		return nil
	case ActionPowerOff, ActionPowerOn:
		on := event.Action == ActionPowerOn
		if device.wc != nil {
			device.wc.SetPowered(on)
		} else {
			device.wp.SetPowered(on)
		}
		return nil
	case ActionFailWrites:
		return r.failWrites(device, event.Data)
	default:
		return fmt.Errorf("unknown action: %s", event.Action)
	}
}

func (r *Runner) sendBulk(device *Device, data map[string]interface{}) error {
	size, ok := dataInt(data, "size")
	if !ok || size <= 0 {
		return fmt.Errorf("send_bulk needs a positive size")
	}
	mode, err := transfer.ParseMode(dataString(data, "mode"))
	if err != nil {
		return err
	}
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err = device.Session().SendBulk(payload, mode)
	return err
}

func (r *Runner) failWrites(device *Device, data map[string]interface{}) error {
	if device.wc == nil {
		return fmt.Errorf("fail_writes needs a central")
	}
	name := dataString(data, "channel")
	if name == "" {
		name = "bulk-data"
	}
	ch, ok := profile.Default().ByName(name)
	if !ok {
		return fmt.Errorf("unknown channel %q", name)
	}
	count, ok := dataInt(data, "count")
	if !ok {
		count = 1
	}
	device.wc.FailWrites(ch.ID, count)
	return nil
}

// CheckAssertions evaluates every assertion, retrying each until it holds
// or the settle time runs out
func (r *Runner) CheckAssertions(ctx context.Context) []AssertionResult {
	results := make([]AssertionResult, 0, len(r.scenario.Assertions))
	deadline := time.Now().Add(r.scenario.Settle())

	for i := range r.scenario.Assertions {
		assertion := &r.scenario.Assertions[i]
		result := r.checkAssertion(assertion)
		for !result.Passed && time.Now().Before(deadline) && ctx.Err() == nil {
			time.Sleep(10 * time.Millisecond)
			result = r.checkAssertion(assertion)
		}
		results = append(results, result)
	}

	r.mu.Lock()
	r.results = results
	r.mu.Unlock()
	return results
}

func (r *Runner) checkAssertion(a *Assertion) AssertionResult {
	device := r.devices[a.Device]
	if device == nil {
		return fail(a, "Device %s not found", a.Device)
	}

	switch a.Type {
	case AssertionState:
		want := dataString(a.Data, "state")
		got := device.Session().State().String()
		if got == want {
			return pass(a, "%s is %s", a.Device, got)
		}
		return fail(a, "%s is %s, expected %s", a.Device, got, want)
	case AssertionConnected:
		if device.Session().State() == link.StateActive {
			return pass(a, "%s is connected", a.Device)
		}
		return fail(a, "%s is %s", a.Device, device.Session().State())
	case AssertionMessageReceived:
		want := dataString(a.Data, "text")
		return r.expectEvent(a, device, eventbus.KindMessage, func(e eventbus.Event) bool {
			return e.Text == want && r.fromMatches(a, e)
		})
	case AssertionPeerNamed:
		want := dataString(a.Data, "name")
		return r.expectEvent(a, device, eventbus.KindPeerNamed, func(e eventbus.Event) bool { return e.Text == want })
	case AssertionUnitSize:
		size, _ := dataInt(a.Data, "size")
		return r.expectEvent(a, device, eventbus.KindUnitSizeChanged, func(e eventbus.Event) bool { return e.Value == size })
	case AssertionTransferCompleted:
		return r.expectEvent(a, device, eventbus.KindTransferCompleted, nil)
	case AssertionTransferFailed:
		return r.expectEvent(a, device, eventbus.KindConnectionError, func(e eventbus.Event) bool { return e.JobID != "" })
	case AssertionHandoffReceived:
		size, ok := dataInt(a.Data, "size")
		return r.expectEvent(a, device, eventbus.KindSecondaryData, func(e eventbus.Event) bool { return !ok || e.Value == size })
	case AssertionEvent:
		kind := dataString(a.Data, "kind")
		for _, e := range device.Events() {
			if e.Kind.String() == kind {
				return pass(a, "%s saw %s", a.Device, kind)
			}
		}
		return fail(a, "%s never saw %s", a.Device, kind)
	default:
		return fail(a, "unknown assertion type %s", a.Type)
	}
}

func (r *Runner) fromMatches(a *Assertion, e eventbus.Event) bool {
	if a.From == "" {
		return true
	}
	from := r.devices[a.From]
	return from != nil && e.Peer == from.Address
}

func (r *Runner) expectEvent(a *Assertion, device *Device, kind eventbus.Kind, match func(eventbus.Event) bool) AssertionResult {
	for _, e := range device.Events() {
		if e.Kind == kind && (match == nil || match(e)) {
			return pass(a, "%s saw %s %s", a.Device, kind, describe(e))
		}
	}
	return fail(a, "%s never saw a matching %s", a.Device, kind)
}

func pass(a *Assertion, format string, args ...interface{}) AssertionResult {
	return AssertionResult{Assertion: a, Passed: true, Message: fmt.Sprintf(format, args...)}
}

func fail(a *Assertion, format string, args ...interface{}) AssertionResult {
	return AssertionResult{Assertion: a, Passed: false, Message: fmt.Sprintf(format, args...)}
}

// Close stops every session and radio
func (r *Runner) Close() {
	for _, device := range r.devices {
		device.Session().Stop()
		if device.wc != nil {
			device.wc.Close()
		}
		if device.wp != nil {
			device.wp.Close()
		}
	}
}

func (r *Runner) logEvent(device, eventType, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, EventLogEntry{
		TimeMs:    int(time.Since(r.startTime).Milliseconds()),
		Device:    device,
		EventType: eventType,
		Message:   message,
	})
}

// Log returns the event log so far
func (r *Runner) Log() []EventLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventLogEntry(nil), r.log...)
}

// Results returns the outcome of the last CheckAssertions
func (r *Runner) Results() []AssertionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AssertionResult(nil), r.results...)
}

func describe(e eventbus.Event) string {
	switch {
	case e.Err != nil:
		return e.Err.Error()
	case e.Text != "":
		return e.Text
	case e.JobID != "":
		return fmt.Sprintf("%s %d/%d", e.JobID, e.Sent, e.Total)
	case e.Value != 0:
		return fmt.Sprint(e.Value)
	default:
		return e.Peer
	}
}

// discardSink drops received handoff payloads; the event is enough
type discardSink struct{}

func (discardSink) SaveHandoff(ctx context.Context, peer string, data []byte) error {
	logger.Debug("scenario", "received %d handoff bytes from %s", len(data), peer)
	return nil
}
