package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"

	"github.com/user/bluelink/blehost"
	"github.com/user/bluelink/config"
	"github.com/user/bluelink/eventbus"
	"github.com/user/bluelink/link"
	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/report"
	"github.com/user/bluelink/store"
	"github.com/user/bluelink/util"
)

// These values are set at compile-time.
var (
	Version  = "dev"
	Revision = ""
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// app holds what every subcommand shares once the configuration is loaded
type app struct {
	cfg   *config.Config
	store *store.Store
}

func newApp() *cli.App {
	a := &app{}

	return &cli.App{
		Name:                 "bluelink",
		Usage:                "Chat and stream data between two devices over Bluetooth LE.",
		Version:              Version + " (" + Revision + ")",
		EnableBashCompletion: true,
		Suggest:              true,
		Flags:                config.Flags(),
		Before:               a.load,
		After:                a.close,
		Commands: []*cli.Command{
			{
				Name:   "central",
				Usage:  "Scan for a peripheral, attach to it and chat.",
				Action: a.runCentral,
			},
			{
				Name:   "peripheral",
				Usage:  "Advertise the chat service and wait for centrals.",
				Action: a.runPeripheral,
			},
			demoCommand(a),
			{
				Name:   "report",
				Usage:  "Write a markdown report of stored transfers and handoffs.",
				Action: a.runReport,
			},
		},
		ExitErrHandler: func(_ *cli.Context, err error) {
			if err == nil {
				return
			}
			printError(err)
		},
	}
}

// load reads the configuration and opens the database
func (a *app) load(cliCtx *cli.Context) error {
	// required for koanf to merge all global flags under the root namespace.
	cliCtx.Command.Name = "global"

	a.cfg = config.NewConfig()
	if err := a.cfg.Load(koanf.New("."), cliCtx); err != nil {
		return err
	}
	if err := a.cfg.ValidateValues(); err != nil {
		return err
	}
	logger.SetLevel(a.cfg.Values.Level)
	if path := a.cfg.Path(); path != "" {
		logger.Debug("main", "configuration read from %s", path)
	}

	st, err := store.Open(a.cfg.Values.Database)
	if err != nil {
		return err
	}
	a.store = st
	return nil
}

func (a *app) close(*cli.Context) error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// options builds the session options from the configuration
func (a *app) options() (link.Options, error) {
	v := a.cfg.Values

	opts := link.DefaultOptions()
	opts.DisplayName = v.Name
	opts.Transfer = v.TransferConfig()

	n, err := v.Handoff()
	if err != nil {
		return opts, err
	}
	if n != nil {
		opts.Handoff = n
		opts.HandoffSink = a.store
		opts.HandoffPayload = a.payload
	}
	return opts, nil
}

// payload returns the --payload file, or a generated test pattern
func (a *app) payload() ([]byte, error) {
	if path := a.cfg.Values.Payload; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return data, nil
	}

	data := make([]byte, 64*1024)
	for i := range data {
		data[i] = byte(i)
	}
	return data, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) runCentral(cliCtx *cli.Context) error {
	opts, err := a.options()
	if err != nil {
		return err
	}

	bus := eventbus.New()
	newPrinter(os.Stdout, "central", color.New(color.FgBlue)).subscribe(bus)
	ctrl := link.NewController(bus)
	defer ctrl.Stop()

	auto := newAutoConnect(a.cfg.Values.Connect)
	bus.Subscribe(eventbus.PhaseAttach, auto)
	bus.Subscribe(eventbus.PhaseSession, auto)

	central, err := ctrl.StartCentral(blehost.NewCentral(), opts)
	if err != nil {
		return err
	}
	auto.set(central)
	bus.Subscribe(eventbus.PhaseSession, store.NewRecorder(a.store, "central", central.Peer))

	ctx, cancel := signalContext(cliCtx.Context)
	defer cancel()
	return newConsole(central, bus, a.cfg.Values.Mode, a.cfg.Values.UnitSize, a.payload).run(ctx, os.Stdin)
}

func (a *app) runPeripheral(cliCtx *cli.Context) error {
	opts, err := a.options()
	if err != nil {
		return err
	}

	bus := eventbus.New()
	newPrinter(os.Stdout, "peripheral", color.New(color.FgMagenta)).subscribe(bus)
	ctrl := link.NewController(bus)
	defer ctrl.Stop()

	peripheral, err := ctrl.StartPeripheral(blehost.NewPeripheral(), opts)
	if err != nil {
		return err
	}
	bus.Subscribe(eventbus.PhaseSession, store.NewRecorder(a.store, "peripheral", func() string {
		peers := peripheral.ConnectedDevices()
		if len(peers) == 0 {
			return ""
		}
		return peers[0].Address
	}))

	ctx, cancel := signalContext(cliCtx.Context)
	defer cancel()
	return newConsole(peripheral, bus, a.cfg.Values.Mode, a.cfg.Values.UnitSize, a.payload).run(ctx, os.Stdin)
}

func (a *app) runReport(cliCtx *cli.Context) error {
	path, r, err := report.Generate(cliCtx.Context, a.store, util.GetDataDir())
	if err != nil {
		return err
	}

	fmt.Printf("Report written to: %s\n", path)
	if len(r.Issues) == 0 {
		color.Green("No issues found")
		return nil
	}
	color.Yellow("Found %d issues:", len(r.Issues))
	for _, issue := range r.Issues {
		fmt.Printf("  [%s] %s\n", issue.Severity, issue.Description)
	}
	return nil
}

// reconnectDelay paces restarts after a link was lost
const reconnectDelay = time.Second

// autoConnect attaches a central to the configured address, or to the
// first peer it sees. Once a link was up, it restarts discovery whenever
// the session falls back to Idle or fails.
type autoConnect struct {
	target  string
	delay   time.Duration
	central *atomic.Pointer[link.Central]
	pending *atomic.Bool
	linked  *atomic.Bool
}

func newAutoConnect(target string) *autoConnect {
	return &autoConnect{
		target:  target,
		delay:   reconnectDelay,
		central: atomic.NewPointer[link.Central](nil),
		pending: atomic.NewBool(false),
		linked:  atomic.NewBool(false),
	}
}

func (ac *autoConnect) set(c *link.Central) {
	ac.central.Store(c)
}

func (ac *autoConnect) OnEvent(e eventbus.Event) {
	switch e.Kind {
	case eventbus.KindPeerAttached:
		ac.linked.Store(true)
	case eventbus.KindDisconnected, eventbus.KindConnectionError:
		ac.pending.Store(false)
	case eventbus.KindStateChanged:
		if !ac.linked.Load() {
			return
		}
		c := ac.central.Load()
		switch link.State(e.Value) {
		case link.StateFailed:
			if c != nil {
				if err := c.Reset(); err != nil {
					logger.Debug("main", "reset: %v", err)
				}
			}
		case link.StateIdle:
			ac.linked.Store(false)
			time.AfterFunc(ac.delay, ac.restart)
		}
	case eventbus.KindScanResult:
		if ac.target != "" && e.Peer != ac.target {
			return
		}
		c := ac.central.Load()
		if c == nil || c.State() != link.StateDiscovering || ac.pending.Swap(true) {
			return
		}
		if err := c.Connect(e.Peer); err != nil {
			logger.Warn("main", "connect %s: %v", e.Peer, err)
			ac.pending.Store(false)
		}
	}
}

// restart scans again after a lost link
func (ac *autoConnect) restart() {
	c := ac.central.Load()
	if c == nil {
		return
	}
	ac.pending.Store(false)
	logger.Info("main", "link lost, scanning again")
	if err := c.Start(); err != nil {
		logger.Debug("main", "restart: %v", err)
	}
}
