package link

import (
	"fmt"
	"unicode/utf8"

	"go.uber.org/atomic"

	"github.com/user/bluelink/eventbus"
	"github.com/user/bluelink/handoff"
	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/profile"
	"github.com/user/bluelink/transfer"
)

// Role is the side of the link a session plays
type Role int

const (
	RoleNone Role = iota
	RoleCentral
	RolePeripheral
)

func (r Role) String() string {
	switch r {
	case RoleCentral:
		return "central"
	case RolePeripheral:
		return "peripheral"
	default:
		return "none"
	}
}

// session is the state shared by both roles. Fields without their own
// synchronisation are only touched from the dispatcher.
type session struct {
	role   Role
	bus    *eventbus.Bus
	reg    *profile.Registry
	opts   Options
	prefix string

	d       *dispatcher
	sm      *stateMachine
	unit    *UnitSizeNegotiator
	engine  *transfer.Engine
	handoff *handoff.Coordinator

	stopped *atomic.Bool
}

func newSession(role Role, bus *eventbus.Bus, opts Options) *session {
	opts = opts.withDefaults()
	prefix := role.String()
	if opts.DisplayName != "" {
		prefix = fmt.Sprintf("%s %s", opts.DisplayName, role)
	}
	return &session{
		role:    role,
		bus:     bus,
		reg:     opts.Registry,
		opts:    opts,
		prefix:  prefix,
		d:       newDispatcher(prefix),
		sm:      newStateMachine(),
		unit:    NewUnitSizeNegotiator(),
		stopped: atomic.NewBool(false),
	}
}

// init wires the engine and handoff coordinator once the role has a writer
func (s *session) init(w transfer.Writer) {
	s.engine = transfer.NewEngine(w, transferReporter{s}, s.unit.Current, s.opts.Transfer, s.prefix)
	if s.opts.Handoff != nil {
		s.handoff = handoff.NewCoordinator(s.opts.Handoff, handoffReporter{s}, s.opts.HandoffSink, s.prefix)
		if s.opts.HandoffAcceptTimeout > 0 {
			s.handoff.AcceptTimeout = s.opts.HandoffAcceptTimeout
		}
	}
}

// Role returns the role of the session
func (s *session) Role() Role { return s.role }

// State returns the current link state
func (s *session) State() State { return s.sm.current() }

// UnitSize returns the negotiated unit size
func (s *session) UnitSize() int { return s.unit.Current() }

// publish delivers e on the bus; dispatcher only
func (s *session) publish(phase eventbus.Phase, e eventbus.Event) {
	logger.DebugJSON(s.prefix, "event "+e.Kind.String(), e.Proto())
	s.bus.Publish(phase, e)
}

// emit publishes e from any goroutine via the dispatcher
func (s *session) emit(phase eventbus.Phase, e eventbus.Event) {
	s.d.post(func() { s.publish(phase, e) })
}

// setState moves the state machine and announces the new state; dispatcher only
func (s *session) setState(to State) bool {
	from, err := s.sm.transition(to)
	if err != nil {
		logger.Warn(s.prefix, "%v", err)
		return false
	}
	logger.Info(s.prefix, "state %s -> %s", from, to)
	s.publish(to.Phase(), eventbus.Event{Kind: eventbus.KindStateChanged, Text: to.String(), Value: int(to)})
	return true
}

// connectionError publishes one connection-error event; dispatcher only
func (s *session) connectionError(phase eventbus.Phase, peer string, err error) {
	logger.Error(s.prefix, "%v", err)
	s.publish(phase, eventbus.Event{Kind: eventbus.KindConnectionError, Peer: peer, Err: err})
}

func (s *session) requireActive() error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if st := s.sm.current(); st != StateActive {
		return fmt.Errorf("%w: state is %s", ErrNotActive, st)
	}
	return nil
}

func validateText(text string) error {
	if !utf8.ValidString(text) {
		return ErrEncoding
	}
	return nil
}

// abortWork stops transfers and handoff jobs tied to the current link
func (s *session) abortWork() {
	s.engine.Abort()
	if s.handoff != nil {
		s.handoff.Cancel()
	}
}

// shutdown drains the dispatcher and waits for workers. Events raised by
// workers after this point are dropped.
func (s *session) shutdown() {
	s.d.stop()
	s.engine.Close()
	if s.handoff != nil {
		s.handoff.Stop()
	}
}

// transferReporter turns engine callbacks into session-phase events
type transferReporter struct{ s *session }

func jobEvent(kind eventbus.Kind, snap transfer.Snapshot) eventbus.Event {
	return eventbus.Event{
		Kind:  kind,
		JobID: snap.ID,
		Sent:  snap.Sent,
		Total: snap.Total,
		Value: snap.ChunkSize,
	}
}

func (r transferReporter) Progress(snap transfer.Snapshot) {
	r.s.emit(eventbus.PhaseSession, jobEvent(eventbus.KindTransferProgress, snap))
}

func (r transferReporter) Completed(snap transfer.Snapshot) {
	r.s.emit(eventbus.PhaseSession, jobEvent(eventbus.KindTransferCompleted, snap))
}

func (r transferReporter) Cancelled(snap transfer.Snapshot) {
	r.s.emit(eventbus.PhaseSession, jobEvent(eventbus.KindTransferCancelled, snap))
}

func (r transferReporter) Failed(snap transfer.Snapshot, err error) {
	e := jobEvent(eventbus.KindConnectionError, snap)
	e.Err = err
	r.s.emit(eventbus.PhaseSession, e)
}

// handoffReporter turns secondary-link callbacks into session-phase events
type handoffReporter struct{ s *session }

func (r handoffReporter) Connected(peer, address string) {
	r.s.emit(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindSecondaryConnected, Peer: peer, Text: address})
}

func (r handoffReporter) Received(peer string, data []byte) {
	r.s.emit(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindSecondaryData, Peer: peer, Data: data, Value: len(data)})
}

func (r handoffReporter) Sent(address string, n int) {
	r.s.emit(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindHandoffSent, Text: address, Value: n})
}

func (r handoffReporter) Failed(peer string, err error) {
	r.s.emit(eventbus.PhaseSession, eventbus.Event{Kind: eventbus.KindConnectionError, Peer: peer, Err: err})
}
