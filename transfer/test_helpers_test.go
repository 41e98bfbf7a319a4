package transfer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/bluelink/profile"
)

var errRadio = errors.New("radio busy")

// scriptedWriter answers attempt i with results[i] (nil past the end)
type scriptedWriter struct {
	mu        sync.Mutex
	engine    *Engine
	chunks    [][]byte
	results   []error
	immediate bool // report results from WriteChunk instead of a completion
	silent    bool // accept writes and never complete them
	onWrite   func(attempt int)
}

func (w *scriptedWriter) WriteChunk(ch profile.ChannelID, chunk []byte) error {
	w.mu.Lock()
	attempt := len(w.chunks)
	w.chunks = append(w.chunks, append([]byte(nil), chunk...))
	var res error
	if attempt < len(w.results) {
		res = w.results[attempt]
	}
	onWrite := w.onWrite
	w.mu.Unlock()

	if onWrite != nil {
		onWrite(attempt)
	}
	if w.immediate {
		return res
	}
	if w.silent {
		return nil
	}
	go w.engine.Complete(ch, res)
	return nil
}

func (w *scriptedWriter) attempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.chunks)
}

func (w *scriptedWriter) sizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int, len(w.chunks))
	for i, c := range w.chunks {
		out[i] = len(c)
	}
	return out
}

type report struct {
	kind string
	snap Snapshot
	err  error
}

type recordingReporter struct {
	mu       sync.Mutex
	progress []Snapshot
	terminal []report
	done     chan report
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{done: make(chan report, 8)}
}

func (r *recordingReporter) Progress(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, s)
}

func (r *recordingReporter) finish(rep report) {
	r.mu.Lock()
	r.terminal = append(r.terminal, rep)
	r.mu.Unlock()
	r.done <- rep
}

func (r *recordingReporter) Completed(s Snapshot)         { r.finish(report{kind: "completed", snap: s}) }
func (r *recordingReporter) Cancelled(s Snapshot)         { r.finish(report{kind: "cancelled", snap: s}) }
func (r *recordingReporter) Failed(s Snapshot, err error) { r.finish(report{kind: "failed", snap: s, err: err}) }

func (r *recordingReporter) wait(t *testing.T) report {
	t.Helper()
	select {
	case rep := <-r.done:
		return rep
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transfer to finish")
		return report{}
	}
}

func (r *recordingReporter) terminalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.terminal)
}

func (r *recordingReporter) progressCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.progress)
}

func testConfig() Config {
	return Config{
		MaxRetries:        MaxRetries,
		RetryDelay:        time.Millisecond,
		CompletionTimeout: time.Second,
	}
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i)
	}
	return p
}

func failures(n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = errRadio
	}
	return out
}

// step is the delayed completion of one write attempt
type step struct {
	delay time.Duration
	err   error
}

// delayedWriter completes attempt i after steps[i].delay
type delayedWriter struct {
	mu     sync.Mutex
	engine *Engine
	steps  []step
	writes int
}

func (w *delayedWriter) WriteChunk(ch profile.ChannelID, chunk []byte) error {
	w.mu.Lock()
	var s step
	if w.writes < len(w.steps) {
		s = w.steps[w.writes]
	}
	w.writes++
	e := w.engine
	w.mu.Unlock()

	go func() {
		time.Sleep(s.delay)
		e.Complete(ch, s.err)
	}()
	return nil
}

func (w *delayedWriter) attempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}
