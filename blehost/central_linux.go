//go:build linux

package blehost

import (
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/profile"
	"github.com/user/bluelink/transport"
)

// remote is an attached peripheral and its discovered characteristics
type remote struct {
	device bluetooth.Device
	peer   transport.PeerEndpoint
	chars  map[profile.ChannelID]bluetooth.DeviceCharacteristic
}

// Central scans for and attaches to peripherals through BlueZ
type Central struct {
	adapter *bluetooth.Adapter
	on      enabler
	w       *worker

	mu       sync.Mutex
	handler  transport.CentralHandler
	scanning bool
	seen     map[string]transport.PeerEndpoint
	remotes  map[string]*remote
}

// NewCentral returns a central on the default adapter
func NewCentral() *Central {
	return &Central{
		adapter: bluetooth.DefaultAdapter,
		w:       newWorker(),
		seen:    make(map[string]transport.PeerEndpoint),
		remotes: make(map[string]*remote),
	}
}

func (c *Central) Available() error {
	if err := c.on.enable(c.adapter); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
	}
	c.adapter.SetConnectHandler(c.onConnect)
	return nil
}

func (c *Central) SetHandler(h transport.CentralHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Central) currentHandler() transport.CentralHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// onConnect only reports disconnections; attaches are reported by Attach
func (c *Central) onConnect(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	addr := device.Address.String()

	c.mu.Lock()
	r, ok := c.remotes[addr]
	delete(c.remotes, addr)
	h := c.handler
	c.mu.Unlock()

	if ok && h != nil {
		h.OnDetach(r.peer, ErrDisconnected)
	}
}

// Scan runs until StopScan and reports advertisers of service
func (c *Central) Scan(service profile.ChannelID) error {
	c.mu.Lock()
	if c.scanning {
		c.mu.Unlock()
		return nil
	}
	c.scanning = true
	c.mu.Unlock()

	want := toUUID(service)
	go func() {
		err := c.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(want) {
				return
			}
			peer := transport.PeerEndpoint{
				Address: result.Address.String(),
				Name:    result.LocalName(),
				RSSI:    int(result.RSSI),
			}

			c.mu.Lock()
			c.seen[peer.Address] = peer
			h := c.handler
			c.mu.Unlock()

			if h != nil {
				h.OnScanResult(peer)
			}
		})
		if err != nil {
			logger.Warn("blehost", "scan ended: %v", err)
		}

		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()
	}()
	return nil
}

func (c *Central) StopScan() error {
	c.mu.Lock()
	scanning := c.scanning
	c.mu.Unlock()

	if !scanning {
		return nil
	}
	return c.adapter.StopScan()
}

func (c *Central) Attach(address string) error {
	c.mu.Lock()
	peer, ok := c.seen[address]
	c.mu.Unlock()
	if !ok {
		peer = transport.PeerEndpoint{Address: address}
	}

	var addr bluetooth.Address
	addr.Set(address)

	c.post(func(h transport.CentralHandler) {
		device, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			logger.Warn("blehost", "connect %s: %v", address, err)
			h.OnAttach(peer, transport.StatusFailure)
			return
		}

		c.mu.Lock()
		c.remotes[address] = &remote{device: device, peer: peer}
		c.mu.Unlock()
		h.OnAttach(peer, transport.StatusSuccess)
	})
	return nil
}

func (c *Central) lookup(address string) (*remote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.remotes[address]
	if !ok {
		return nil, transport.ErrNotAttached
	}
	return r, nil
}

func (c *Central) char(address string, ch profile.ChannelID) (*remote, bluetooth.DeviceCharacteristic, error) {
	r, err := c.lookup(address)
	if err != nil {
		return nil, bluetooth.DeviceCharacteristic{}, err
	}
	c.mu.Lock()
	char, ok := r.chars[ch]
	c.mu.Unlock()
	if !ok {
		return nil, bluetooth.DeviceCharacteristic{}, fmt.Errorf("channel %s not discovered", ch)
	}
	return r, char, nil
}

// post runs fn on the worker when a handler is set
func (c *Central) post(fn func(h transport.CentralHandler)) {
	c.w.post(func() {
		if h := c.currentHandler(); h != nil {
			fn(h)
		}
	})
}

func (c *Central) Detach(address string) error {
	r, err := c.lookup(address)
	if err != nil {
		return err
	}
	c.post(func(h transport.CentralHandler) {
		c.mu.Lock()
		delete(c.remotes, address)
		c.mu.Unlock()

		h.OnDetach(r.peer, r.device.Disconnect())
	})
	return nil
}

func (c *Central) ListChannels(address string) error {
	r, err := c.lookup(address)
	if err != nil {
		return err
	}
	c.post(func(h transport.CentralHandler) {
		services, err := r.device.DiscoverServices(nil)
		if err != nil {
			h.OnChannels(r.peer, nil, fmt.Errorf("discover services: %w", err))
			return
		}

		chars := make(map[profile.ChannelID]bluetooth.DeviceCharacteristic)
		var ids []profile.ChannelID
		for _, svc := range services {
			found, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				h.OnChannels(r.peer, nil, fmt.Errorf("discover characteristics: %w", err))
				return
			}
			for _, char := range found {
				id, err := fromUUID(char.UUID())
				if err != nil {
					continue
				}
				chars[id] = char
				ids = append(ids, id)
			}
		}

		c.mu.Lock()
		r.chars = chars
		c.mu.Unlock()
		h.OnChannels(r.peer, ids, nil)
	})
	return nil
}

func (c *Central) Read(address string, ch profile.ChannelID) error {
	r, char, err := c.char(address, ch)
	if err != nil {
		return err
	}
	c.post(func(h transport.CentralHandler) {
		buf := make([]byte, readBufferSize)
		n, err := char.Read(buf)
		if err != nil {
			h.OnRead(r.peer, ch, nil, err)
			return
		}
		h.OnRead(r.peer, ch, buf[:n], nil)
	})
	return nil
}

func (c *Central) Write(address string, ch profile.ChannelID, value []byte, mode profile.WriteMode) error {
	r, char, err := c.char(address, ch)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), value...)
	c.post(func(h transport.CentralHandler) {
		// tinygo has no acknowledged write on Linux; a write is complete
		// once BlueZ accepted it, whatever mode the channel asks for
		_, err := char.WriteWithoutResponse(buf)
		if err != nil {
			logger.Debug("blehost", "write %s (%s) to %s: %v", ch, mode, address, err)
		}
		h.OnWrite(r.peer, ch, err)
	})
	return nil
}

func (c *Central) Subscribe(address string, ch profile.ChannelID) error {
	r, char, err := c.char(address, ch)
	if err != nil {
		return err
	}
	c.post(func(h transport.CentralHandler) {
		err := char.EnableNotifications(func(value []byte) {
			buf := append([]byte(nil), value...)
			if h := c.currentHandler(); h != nil {
				h.OnNotify(r.peer, ch, buf)
			}
		})
		h.OnSubscribe(r.peer, ch, err)
	})
	return nil
}

// RequestUnitSize reports what BlueZ negotiated on its own, capped at
// size; the kernel exchanges the MTU when the link comes up
func (c *Central) RequestUnitSize(address string, size int) error {
	r, char, err := c.char(address, profile.Bulk)
	if err != nil {
		return err
	}
	c.post(func(h transport.CentralHandler) {
		mtu, err := char.GetMTU()
		if err != nil {
			h.OnUnitSize(r.peer, 0, err)
			return
		}
		got := int(mtu) - 3
		if got > size {
			got = size
		}
		h.OnUnitSize(r.peer, got, nil)
	})
	return nil
}

func (c *Central) Close() error {
	err := c.StopScan()

	c.mu.Lock()
	remotes := c.remotes
	c.remotes = make(map[string]*remote)
	c.mu.Unlock()

	for addr, r := range remotes {
		if derr := r.device.Disconnect(); derr != nil {
			logger.Warn("blehost", "disconnect %s: %v", addr, derr)
		}
	}
	c.w.stop()
	return err
}
