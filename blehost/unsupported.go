//go:build !linux

package blehost

import (
	"fmt"
	"runtime"

	"github.com/user/bluelink/profile"
	"github.com/user/bluelink/transport"
)

var errPlatform = fmt.Errorf("%w: no BlueZ host on %s", transport.ErrUnavailable, runtime.GOOS)

// Central reports the radio unavailable outside Linux
type Central struct{}

func NewCentral() *Central { return &Central{} }

func (c *Central) Available() error { return errPlatform }
func (c *Central) SetHandler(h transport.CentralHandler) {}
func (c *Central) Scan(service profile.ChannelID) error { return errPlatform }
func (c *Central) StopScan() error { return nil }
func (c *Central) Attach(address string) error { return errPlatform }
func (c *Central) Detach(address string) error { return transport.ErrNotAttached }
func (c *Central) ListChannels(address string) error { return transport.ErrNotAttached }
func (c *Central) Read(address string, ch profile.ChannelID) error {
	return transport.ErrNotAttached
}
func (c *Central) Write(address string, ch profile.ChannelID, value []byte, mode profile.WriteMode) error {
	return transport.ErrNotAttached
}
func (c *Central) Subscribe(address string, ch profile.ChannelID) error {
	return transport.ErrNotAttached
}
func (c *Central) RequestUnitSize(address string, size int) error { return transport.ErrNotAttached }
func (c *Central) Close() error { return nil }

// Peripheral reports the radio unavailable outside Linux
type Peripheral struct{}

func NewPeripheral() *Peripheral { return &Peripheral{} }

func (p *Peripheral) Available() error { return errPlatform }
func (p *Peripheral) SetHandler(h transport.PeripheralHandler) {}
func (p *Peripheral) Serve(reg *profile.Registry) error { return errPlatform }
func (p *Peripheral) SetValue(ch profile.ChannelID, value []byte) error { return errPlatform }
func (p *Peripheral) Advertise(name string, service profile.ChannelID) error {
	return errPlatform
}
func (p *Peripheral) StopAdvertising() error { return nil }
func (p *Peripheral) Notify(address string, ch profile.ChannelID, value []byte) error {
	return transport.ErrNotAttached
}
func (p *Peripheral) Close() error { return nil }
