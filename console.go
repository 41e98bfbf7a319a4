package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/user/bluelink/command"
	"github.com/user/bluelink/eventbus"
	"github.com/user/bluelink/link"
	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/transfer"
)

// transferTestSize is streamed by /transfertest
const transferTestSize = 1 << 20

// unitSizeWait bounds how long /transfertest waits for renegotiation
const unitSizeWait = 5 * time.Second

// console turns typed lines into session calls
type console struct {
	session    link.Session
	central    *link.Central
	peripheral *link.Peripheral

	mode     transfer.Mode
	unitSize int
	payload  func() ([]byte, error)

	// signalled when a unit size request finishes either way
	unitDone chan struct{}
}

// newConsole drives s; /transfertest requests unitSize first, or the
// default test size when unitSize is zero
func newConsole(s link.Session, bus *eventbus.Bus, mode transfer.Mode, unitSize int, payload func() ([]byte, error)) *console {
	if unitSize <= 0 {
		unitSize = command.TransferTestUnitSize
	}
	c := &console{
		session:  s,
		mode:     mode,
		unitSize: unitSize,
		payload:  payload,
		unitDone: make(chan struct{}, 1),
	}
	switch v := s.(type) {
	case *link.Central:
		c.central = v
	case *link.Peripheral:
		c.peripheral = v
	}

	bus.Subscribe(eventbus.PhaseSession, eventbus.ObserverFunc(func(e eventbus.Event) {
		if e.Kind != eventbus.KindUnitSizeChanged && e.Kind != eventbus.KindUnitSizeFailed {
			return
		}
		select {
		case c.unitDone <- struct{}{}:
		default:
		}
	}))
	return c
}

// run reads lines from in until EOF, /quit or ctx is done
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.handle(ctx, line)
			if err != nil {
				printError(err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handle runs one line, reporting whether the user asked to quit
func (c *console) handle(ctx context.Context, line string) (bool, error) {
	if strings.TrimSpace(line) == "" {
		return false, nil
	}

	local, ok := command.ParseLocal(line)
	if !ok {
		return false, c.session.SendText(line)
	}
	logger.Debug("console", "local directive %s", local)

	switch local {
	case command.LocalQuit:
		return true, nil
	case command.LocalTransferTest:
		return false, c.transferTest(ctx)
	case command.LocalTransfer:
		data, err := c.payload()
		if err != nil {
			return false, err
		}
		_, err = c.session.SendBulk(data, c.mode)
		return false, err
	case command.LocalHandoff:
		if c.peripheral != nil {
			return false, c.peripheral.PrepareHandoff()
		}
		// ask the peripheral to open the secondary link
		return false, c.session.SendText(command.FormatSend())
	}
	return false, nil
}

// transferTest renegotiates the unit size on a central, then streams a
// fixed test payload
func (c *console) transferTest(ctx context.Context) error {
	if c.central != nil {
		select {
		case <-c.unitDone:
		default:
		}
		if err := c.central.RequestUnitSize(c.unitSize); err != nil {
			return err
		}
		select {
		case <-c.unitDone:
		case <-time.After(unitSizeWait):
			return fmt.Errorf("unit size negotiation timed out")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	payload := make([]byte, transferTestSize)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	_, err := c.session.SendBulk(payload, c.mode)
	return err
}
