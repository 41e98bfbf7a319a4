package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/schollz/progressbar/v3"

	"github.com/user/bluelink/eventbus"
	"github.com/user/bluelink/util"
)

const nameColumn = 16

// printer renders bus events for the terminal
type printer struct {
	out   io.Writer
	label string
	tint  *color.Color

	mu       sync.Mutex
	peers    map[string]bool
	bars     map[string]*progressbar.ProgressBar
	window   time.Time
	received int
}

func newPrinter(out io.Writer, label string, tint *color.Color) *printer {
	return &printer{
		out:   out,
		label: label,
		tint:  tint,
		peers: make(map[string]bool),
		bars:  make(map[string]*progressbar.ProgressBar),
	}
}

// subscribe attaches the printer to both phases of bus
func (p *printer) subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.PhaseAttach, p)
	bus.Subscribe(eventbus.PhaseSession, p)
}

func (p *printer) line(c *color.Color, format string, args ...interface{}) {
	prefix := p.tint.Sprintf("[%s]", p.label)
	fmt.Fprintf(p.out, "%s %s\n", prefix, c.Sprintf(format, args...))
}

var (
	plain = color.New(color.Reset)
	info  = color.New(color.FgCyan)
	good  = color.New(color.FgGreen)
	warn  = color.New(color.FgYellow)
	bad   = color.New(color.FgRed, color.Bold)
	chat  = color.New(color.Bold)
)

func (p *printer) OnEvent(e eventbus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Kind {
	case eventbus.KindInitSuccess:
		p.line(info, "radio ready")
	case eventbus.KindInitFailure:
		p.line(bad, "radio unavailable: %v", e.Err)
	case eventbus.KindAdvertising:
		p.line(info, "advertising as %s", e.Text)
	case eventbus.KindScanResult:
		if p.peers[e.Peer] {
			return
		}
		p.peers[e.Peer] = true
		p.line(plain, "found %s  %s  %4d dBm", peerColumn(e.Text), e.Peer, e.Value)
	case eventbus.KindPeerAttached:
		p.line(info, "attached %s", e.Peer)
	case eventbus.KindVersion:
		p.line(plain, "peer version %s", e.Text)
	case eventbus.KindDescription:
		p.line(plain, "peer description %s", e.Text)
	case eventbus.KindStateChanged:
		p.line(plain, "state %s", e.Text)
	case eventbus.KindConnectionError:
		p.line(bad, "error: %v", e.Err)
		p.finishBar(e.JobID)
	case eventbus.KindConnected:
		p.line(good, "connected to %s", e.Peer)
	case eventbus.KindMessage:
		p.line(chat, "%s: %s", util.ShortAddr(e.Peer), e.Text)
	case eventbus.KindPeerNamed:
		p.line(info, "%s is now known as %s", util.ShortAddr(e.Peer), e.Text)
	case eventbus.KindInfo:
		p.line(info, "%s", e.Text)
	case eventbus.KindPeerDetached:
		p.line(warn, "%s detached", e.Peer)
	case eventbus.KindDisconnected:
		p.line(warn, "disconnected")
	case eventbus.KindUnitSizeChanged:
		p.line(info, "unit size %d", e.Value)
	case eventbus.KindUnitSizeFailed:
		p.line(warn, "unit size request failed: %v", e.Err)
	case eventbus.KindTransferProgress:
		p.progress(e)
	case eventbus.KindTransferCompleted:
		p.progress(e)
		p.finishBar(e.JobID)
		p.line(good, "transfer %s complete (%d bytes in %d-byte chunks)", util.ShortAddr(e.JobID), e.Total, e.Value)
	case eventbus.KindTransferCancelled:
		p.finishBar(e.JobID)
		p.line(warn, "transfer cancelled at %d/%d", e.Sent, e.Total)
	case eventbus.KindDataStream:
		p.throughput(e.Value)
	case eventbus.KindHandoffListening:
		p.line(info, "handoff listening on %s (%d bytes)", e.Text, e.Value)
	case eventbus.KindSecondaryConnected:
		p.line(good, "secondary link to %s", e.Text)
	case eventbus.KindSecondaryData:
		p.line(good, "received %d bytes over the secondary link", e.Value)
	case eventbus.KindHandoffSent:
		p.line(good, "sent %d bytes over the secondary link", e.Value)
	}
}

// peerColumn fits a peer name into a fixed terminal width
func peerColumn(name string) string {
	if name == "" {
		name = "(unnamed)"
	}
	name = runewidth.Truncate(name, nameColumn, "…")
	return runewidth.FillRight(name, nameColumn)
}

func (p *printer) progress(e eventbus.Event) {
	if e.JobID == "" || e.Total <= 0 {
		return
	}
	bar, ok := p.bars[e.JobID]
	if !ok {
		bar = progressbar.NewOptions64(e.Total,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetDescription(p.tint.Sprintf("[%s] bulk", p.label)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionThrottle(200*time.Millisecond),
		)
		p.bars[e.JobID] = bar
	}
	bar.Set64(e.Sent)
}

func (p *printer) finishBar(jobID string) {
	bar, ok := p.bars[jobID]
	if !ok {
		return
	}
	bar.Finish()
	fmt.Fprintln(p.out)
	delete(p.bars, jobID)
}

// throughput reports inbound bulk bytes once per second
func (p *printer) throughput(n int) {
	now := time.Now()
	if p.window.IsZero() {
		p.window = now
	}
	p.received += n

	elapsed := now.Sub(p.window)
	if elapsed < time.Second {
		return
	}
	rate := float64(p.received) / elapsed.Seconds()
	p.line(plain, "receiving %.0f B/s", rate)
	p.window = now
	p.received = 0
}

func printError(err error) {
	color.New(color.FgRed, color.Bold).Fprintln(color.Error, "Error:", err)
}
