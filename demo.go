package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/user/bluelink/eventbus"
	"github.com/user/bluelink/link"
	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/store"
	"github.com/user/bluelink/wire"
)

// defaultScript is typed by the demo central when no --script is given
var defaultScript = []string{
	"hello from the central",
	"/transfertest",
	"/handoff",
}

func demoCommand(a *app) *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "Run a peripheral and a central in-process over a simulated radio.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "script",
				Usage: "Specify a file of lines typed by the central, one per line.",
			},
			&cli.BoolFlag{
				Name:  "realistic",
				Usage: "Simulate latency, packet loss and connection failures.",
			},
			&cli.DurationFlag{
				Name:  "linger",
				Usage: "Specify how long to keep both sessions up after the script.",
				Value: 3 * time.Second,
			},
		},
		Action: a.runDemo,
	}
}

func loadScript(path string) ([]string, error) {
	if path == "" {
		return defaultScript, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// demoNode is one side of the demo
type demoNode struct {
	bus     *eventbus.Bus
	session link.Session
	ready   chan struct{}
}

// readyOn closes ready once the session reports kind
func (n *demoNode) readyOn(kind eventbus.Kind) {
	n.ready = make(chan struct{})
	closed := false
	n.bus.Subscribe(eventbus.PhaseSession, eventbus.ObserverFunc(func(e eventbus.Event) {
		if e.Kind == kind && !closed {
			closed = true
			close(n.ready)
		}
	}))
}

func (a *app) runDemo(cliCtx *cli.Context) error {
	script, err := loadScript(cliCtx.String("script"))
	if err != nil {
		return fmt.Errorf("load script: %w", err)
	}
	opts, err := a.options()
	if err != nil {
		return err
	}

	sim := wire.PerfectSimulationConfig()
	if cliCtx.Bool("realistic") {
		sim = wire.DefaultSimulationConfig()
	}
	air := wire.NewAir(sim)
	wp, err := wire.NewPeripheral(air, "demo-peripheral")
	if err != nil {
		return err
	}
	defer wp.Close()
	wc, err := wire.NewCentral(air, "demo-central")
	if err != nil {
		return err
	}
	defer wc.Close()

	pOpts := opts
	pOpts.DisplayName = opts.DisplayName + "-peer"

	p := &demoNode{bus: eventbus.New()}
	newPrinter(os.Stdout, "peripheral", color.New(color.FgMagenta)).subscribe(p.bus)
	p.readyOn(eventbus.KindPeerNamed)
	peripheral := link.NewPeripheral(wp, p.bus, pOpts)
	p.session = peripheral
	defer peripheral.Stop()

	c := &demoNode{bus: eventbus.New()}
	newPrinter(os.Stdout, "central", color.New(color.FgBlue)).subscribe(c.bus)
	c.readyOn(eventbus.KindConnected)
	central := link.NewCentral(wc, c.bus, opts)
	c.session = central
	defer central.Stop()
	c.bus.Subscribe(eventbus.PhaseSession, store.NewRecorder(a.store, "central", central.Peer))

	auto := newAutoConnect(wp.Address())
	auto.set(central)
	c.bus.Subscribe(eventbus.PhaseAttach, auto)
	c.bus.Subscribe(eventbus.PhaseSession, auto)

	ctx, cancel := signalContext(cliCtx.Context)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := peripheral.Start(); err != nil {
			return fmt.Errorf("start peripheral: %w", err)
		}
		return waitReady(ctx, p.ready, "peripheral")
	})
	g.Go(func() error {
		if err := central.Start(); err != nil {
			return fmt.Errorf("start central: %w", err)
		}
		return waitReady(ctx, c.ready, "central")
	})
	if err := g.Wait(); err != nil {
		return err
	}

	con := newConsole(central, c.bus, a.cfg.Values.Mode, a.cfg.Values.UnitSize, a.payload)
	for _, line := range script {
		logger.Info("demo", "central types %q", line)
		quit, err := con.handle(ctx, line)
		if err != nil {
			printError(err)
		}
		if quit {
			return nil
		}
		if !pause(ctx, 500*time.Millisecond) {
			return nil
		}
	}

	pause(ctx, cliCtx.Duration("linger"))
	return nil
}

const readyTimeout = 15 * time.Second

func waitReady(ctx context.Context, ready <-chan struct{}, who string) error {
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(readyTimeout):
		return fmt.Errorf("%s did not connect within %s", who, readyTimeout)
	}
}

// pause sleeps for d, returning false when ctx ended first
func pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
