// Package blehost drives a real radio through tinygo.org/x/bluetooth.
//
// Central and Peripheral satisfy the transport interfaces so a link
// session can run on BlueZ exactly as it runs on the simulated wire.
// Blocking adapter calls are queued on a worker so completions for one
// peer arrive in request order.
package blehost

import (
	"errors"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/user/bluelink/profile"
)

// ErrDisconnected is reported when the radio drops a link
var ErrDisconnected = errors.New("device disconnected")

// readBufferSize covers the largest attribute value
const readBufferSize = 512

// toUUID converts a channel id into the adapter's representation
func toUUID(id profile.ChannelID) bluetooth.UUID {
	return bluetooth.NewUUID([16]byte(id))
}

// fromUUID converts an adapter UUID back into a channel id
func fromUUID(u bluetooth.UUID) (profile.ChannelID, error) {
	return profile.ParseChannelID(u.String())
}

// permissions maps channel capabilities onto characteristic flags
func permissions(caps profile.Capability) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if caps&profile.CapRead != 0 {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if caps&profile.CapWriteWithAck != 0 {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if caps&profile.CapWriteNoAck != 0 {
		flags |= bluetooth.CharacteristicWriteWithoutResponsePermission
	}
	if caps&profile.CapNotify != 0 {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	return flags
}

// worker runs queued functions one at a time in submission order
type worker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newWorker() *worker {
	w := &worker{}
	w.cond = sync.NewCond(&w.mu)
	go w.loop()
	return w
}

// post queues fn, reporting false once the worker is stopped
func (w *worker) post(fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.queue = append(w.queue, fn)
	w.cond.Signal()
	return true
}

func (w *worker) stop() {
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

func (w *worker) loop() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		fn := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		fn()
	}
}

// enabler enables the shared adapter once
type enabler struct {
	once sync.Once
	err  error
}

func (e *enabler) enable(a *bluetooth.Adapter) error {
	e.once.Do(func() {
		e.err = a.Enable()
	})
	return e.err
}
