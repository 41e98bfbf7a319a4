// Package wire is an in-process simulated BLE radio. Centrals and
// peripherals created on the same Air can discover and attach to each
// other; every callback is delivered asynchronously with simulated latency
// and loss.
package wire

import (
	"fmt"
	"sync"

	"github.com/user/bluelink/profile"
)

// Air is the shared medium devices advertise and scan on
type Air struct {
	sim *Simulator

	mu          sync.RWMutex
	peripherals map[string]*Peripheral
	centrals    map[string]*Central
}

// NewAir creates a medium using cfg, DefaultSimulationConfig when nil
func NewAir(cfg *SimulationConfig) *Air {
	return &Air{
		sim:         NewSimulator(cfg),
		peripherals: make(map[string]*Peripheral),
		centrals:    make(map[string]*Central),
	}
}

// Simulator returns the simulator shared by the devices of the medium
func (a *Air) Simulator() *Simulator {
	return a.sim
}

func (a *Air) register(p *Peripheral) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.peripherals[p.address]; dup {
		return fmt.Errorf("address %s already in use", p.address)
	}
	a.peripherals[p.address] = p
	return nil
}

func (a *Air) registerCentral(c *Central) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.centrals[c.address]; dup {
		return fmt.Errorf("address %s already in use", c.address)
	}
	a.centrals[c.address] = c
	return nil
}

func (a *Air) unregister(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.peripherals, address)
	delete(a.centrals, address)
}

func (a *Air) peripheral(address string) (*Peripheral, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.peripherals[address]
	return p, ok
}

// advertisers returns the peripherals currently advertising service
func (a *Air) advertisers(service profile.ChannelID) []*Peripheral {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []*Peripheral
	for _, p := range a.peripherals {
		if p.advertises(service) {
			out = append(out, p)
		}
	}
	return out
}

// connection is one attached central/peripheral pair
type connection struct {
	central    *Central
	peripheral *Peripheral

	mu         sync.Mutex
	unitSize   int
	subscribed map[profile.ChannelID]bool
}

func newConnection(c *Central, p *Peripheral) *connection {
	return &connection{
		central:    c,
		peripheral: p,
		unitSize:   DefaultUnitSize,
		subscribed: make(map[profile.ChannelID]bool),
	}
}

func (c *connection) subscribe(ch profile.ChannelID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[ch] = true
}

func (c *connection) isSubscribed(ch profile.ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[ch]
}

func (c *connection) setUnitSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unitSize = n
}

func (c *connection) unit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unitSize
}
