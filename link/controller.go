package link

import (
	"sync"

	"github.com/user/bluelink/eventbus"
	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/transfer"
	"github.com/user/bluelink/transport"
)

// Session is what both roles have in common
type Session interface {
	Role() Role
	State() State
	UnitSize() int
	SendText(text string) error
	SendBulk(payload []byte, mode transfer.Mode) (*transfer.Job, error)
	Stop()
}

var (
	_ Session = (*Central)(nil)
	_ Session = (*Peripheral)(nil)
)

// Controller owns the one active session of the process. Starting a role
// stops the previous session first, so its events are fully delivered
// before the new session publishes anything.
type Controller struct {
	bus *eventbus.Bus

	mu      sync.Mutex
	current Session
}

// NewController creates a controller publishing on bus
func NewController(bus *eventbus.Bus) *Controller {
	return &Controller{bus: bus}
}

// Bus returns the bus shared by every session of the controller
func (c *Controller) Bus() *eventbus.Bus {
	return c.bus
}

// StartCentral stops any running session and starts a central on t
func (c *Controller) StartCentral(t transport.Central, opts Options) (*Central, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	central := NewCentral(t, c.bus, opts)
	if err := central.Start(); err != nil {
		central.Stop()
		return nil, err
	}
	c.current = central
	return central, nil
}

// StartPeripheral stops any running session and starts a peripheral on t
func (c *Controller) StartPeripheral(t transport.Peripheral, opts Options) (*Peripheral, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	peripheral := NewPeripheral(t, c.bus, opts)
	if err := peripheral.Start(); err != nil {
		peripheral.Stop()
		return nil, err
	}
	c.current = peripheral
	return peripheral, nil
}

// Current returns the running session, nil when none
func (c *Controller) Current() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Role returns the role of the running session
func (c *Controller) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return RoleNone
	}
	return c.current.Role()
}

// Stop ends the running session
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Controller) stopLocked() {
	if c.current == nil {
		return
	}
	logger.Info("controller", "stopping %s session", c.current.Role())
	c.current.Stop()
	c.current = nil
}
