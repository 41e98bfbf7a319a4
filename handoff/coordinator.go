package handoff

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/user/bluelink/logger"
)

// ErrSecondaryConnection wraps every failure of the secondary link
var ErrSecondaryConnection = errors.New("secondary connection failed")

// DefaultAcceptTimeout bounds how long a prepared listener waits for the peer
const DefaultAcceptTimeout = 60 * time.Second

// Reporter is told about handoff progress from worker goroutines
type Reporter interface {
	Connected(peer, address string)
	// Received is called exactly once per successful receive with the whole stream
	Received(peer string, data []byte)
	Sent(address string, n int)
	Failed(peer string, err error)
}

// Sink persists payloads received over the secondary link
type Sink interface {
	SaveHandoff(ctx context.Context, peer string, data []byte) error
}

// Job is one secondary-link exchange. The stream it owns is closed on
// every exit path.
type Job struct {
	Peer    string
	Address string

	mu       sync.Mutex
	conn     io.Closer
	listener io.Closer
	stopped  *atomic.Bool
	buf      bytes.Buffer
	done     chan struct{}
}

func newJob(peer, address string) *Job {
	return &Job{
		Peer:    peer,
		Address: address,
		stopped: atomic.NewBool(false),
		done:    make(chan struct{}),
	}
}

// Stop marks the job stopped and force-closes whatever it holds open
func (j *Job) Stop() {
	if j.stopped.Swap(true) {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.conn != nil {
		j.conn.Close()
	}
	if j.listener != nil {
		j.listener.Close()
	}
}

// Stopped reports whether Stop was called
func (j *Job) Stopped() bool { return j.stopped.Load() }

// Done is closed when the job's worker exits
func (j *Job) Done() <-chan struct{} { return j.done }

// setConn hands the stream to the job; it returns false and closes the
// stream when the job was stopped first
func (j *Job) setConn(c io.Closer) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped.Load() {
		c.Close()
		return false
	}
	j.conn = c
	return true
}

// Coordinator moves payloads too large for the low-bandwidth link onto a
// secondary reliable stream
type Coordinator struct {
	network       Network
	reporter      Reporter
	sink          Sink
	prefix        string
	AcceptTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[*Job]struct{}
	wg   sync.WaitGroup
}

// NewCoordinator creates a coordinator. sink may be nil.
func NewCoordinator(n Network, r Reporter, sink Sink, prefix string) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		network:       n,
		reporter:      r,
		sink:          sink,
		prefix:        prefix,
		AcceptTimeout: DefaultAcceptTimeout,
		ctx:           ctx,
		cancel:        cancel,
		jobs:          make(map[*Job]struct{}),
	}
}

func (c *Coordinator) track(j *Job) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return false
	}
	c.jobs[j] = struct{}{}
	c.wg.Add(1)
	return true
}

func (c *Coordinator) untrack(j *Job) {
	c.mu.Lock()
	delete(c.jobs, j)
	c.mu.Unlock()
	close(j.done)
	c.wg.Done()
}

// Prepare listens for one peer connection and returns the address to
// publish. Once a peer connects, payload is written and the stream closed.
func (c *Coordinator) Prepare(payload []byte) (*Job, error) {
	ln, err := c.network.Listen()
	if err != nil {
		return nil, fmt.Errorf("%w: listen: %v", ErrSecondaryConnection, err)
	}

	job := newJob("", ln.Addr())
	job.listener = ln
	if !c.track(job) {
		ln.Close()
		return nil, fmt.Errorf("%w: coordinator stopped", ErrSecondaryConnection)
	}

	logger.Info(c.prefix, "handoff listening on %s (%d bytes queued)", job.Address, len(payload))
	go c.serve(job, ln, payload)
	return job, nil
}

func (c *Coordinator) serve(job *Job, ln Listener, payload []byte) {
	defer c.untrack(job)

	timer := time.AfterFunc(c.AcceptTimeout, func() { ln.Close() })
	conn, err := ln.Accept()
	timer.Stop()
	ln.Close()
	if err != nil {
		if job.Stopped() {
			return
		}
		c.reporter.Failed("", fmt.Errorf("%w: accept on %s: %v", ErrSecondaryConnection, job.Address, err))
		return
	}
	if !job.setConn(conn) {
		return
	}
	defer conn.Close()

	c.reporter.Connected("", job.Address)

	n, err := conn.Write(payload)
	if err != nil {
		if job.Stopped() {
			return
		}
		c.reporter.Failed("", fmt.Errorf("%w: write: %v", ErrSecondaryConnection, err))
		return
	}
	logger.Info(c.prefix, "handoff sent %d bytes over %s", n, job.Address)
	c.reporter.Sent(job.Address, n)
}

// Receive dials address and drains the stream to EOF on a worker
func (c *Coordinator) Receive(peer, address string) (*Job, error) {
	if address == "" {
		return nil, fmt.Errorf("%w: empty address", ErrSecondaryConnection)
	}
	job := newJob(peer, address)
	if !c.track(job) {
		return nil, fmt.Errorf("%w: coordinator stopped", ErrSecondaryConnection)
	}

	logger.Info(c.prefix, "handoff dialing %s", address)
	go c.drain(job)
	return job, nil
}

func (c *Coordinator) drain(job *Job) {
	defer c.untrack(job)

	conn, err := c.network.Dial(c.ctx, job.Address)
	if err != nil {
		if job.Stopped() || c.ctx.Err() != nil {
			return
		}
		c.reporter.Failed(job.Peer, fmt.Errorf("%w: dial %s: %v", ErrSecondaryConnection, job.Address, err))
		return
	}
	if !job.setConn(conn) {
		return
	}
	defer conn.Close()

	c.reporter.Connected(job.Peer, job.Address)

	if _, err := io.Copy(&job.buf, conn); err != nil {
		if job.Stopped() {
			return
		}
		c.reporter.Failed(job.Peer, fmt.Errorf("%w: read: %v", ErrSecondaryConnection, err))
		return
	}

	data := append([]byte(nil), job.buf.Bytes()...)
	logger.Info(c.prefix, "handoff received %d bytes from %s", len(data), job.Address)
	c.reporter.Received(job.Peer, data)

	if c.sink != nil {
		if err := c.sink.SaveHandoff(c.ctx, job.Peer, data); err != nil {
			logger.Warn(c.prefix, "failed to persist handoff payload: %v", err)
		}
	}
}

// Active returns the number of unfinished jobs
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Cancel force-closes the pending jobs; new jobs are still accepted
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	jobs := make([]*Job, 0, len(c.jobs))
	for j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.Unlock()

	for _, j := range jobs {
		j.Stop()
	}
}

// Stop cancels every job, refuses new ones and waits for the workers
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()

	c.Cancel()
	c.wg.Wait()
}
