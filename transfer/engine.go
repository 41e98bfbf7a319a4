package transfer

import (
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/atomic"

	"github.com/user/bluelink/logger"
	"github.com/user/bluelink/profile"
)

const (
	// DefaultUnitSize is used when no unit size has been negotiated
	DefaultUnitSize = 20
	// MaxRetries is the number of consecutive failed attempts tolerated per job
	MaxRetries = 5
	// SendInterval is the pause between tight-loop retries
	SendInterval = 100 * time.Millisecond
	// CompletionTimeout bounds the wait for one chunk's completion
	CompletionTimeout = 10 * time.Second
)

// Writer starts the write of one chunk. A nil error means the transport
// accepted it; the outcome of an accepted flow-controlled write is reported
// later through Engine.Complete.
type Writer interface {
	WriteChunk(ch profile.ChannelID, chunk []byte) error
}

// WriterFunc adapts a function to a Writer
type WriterFunc func(ch profile.ChannelID, chunk []byte) error

func (f WriterFunc) WriteChunk(ch profile.ChannelID, chunk []byte) error { return f(ch, chunk) }

// Reporter is told about job progress. Calls come from the job's worker
// goroutine.
type Reporter interface {
	Progress(s Snapshot)
	Completed(s Snapshot)
	Cancelled(s Snapshot)
	Failed(s Snapshot, err error)
}

// Config tunes retry behaviour
type Config struct {
	MaxRetries        int
	RetryDelay        time.Duration
	CompletionTimeout time.Duration
}

// DefaultConfig returns the production retry settings
func DefaultConfig() Config {
	return Config{
		MaxRetries:        MaxRetries,
		RetryDelay:        SendInterval,
		CompletionTimeout: CompletionTimeout,
	}
}

// Engine splits payloads into unit-sized chunks and streams them, one job
// per channel at a time.
type Engine struct {
	writer   Writer
	reporter Reporter
	unitSize func() int
	cfg      Config
	prefix   string

	jobs   *xsync.MapOf[profile.ChannelID, *Job]
	closed *atomic.Bool
	wg     sync.WaitGroup
}

// NewEngine creates an engine. unitSize is read once per job to fix its
// chunk size.
func NewEngine(w Writer, r Reporter, unitSize func() int, cfg Config, prefix string) *Engine {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = MaxRetries
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = CompletionTimeout
	}
	return &Engine{
		writer:   w,
		reporter: r,
		unitSize: unitSize,
		cfg:      cfg,
		prefix:   prefix,
		jobs:     xsync.NewMapOf[profile.ChannelID, *Job](),
		closed:   atomic.NewBool(false),
	}
}

// Start begins streaming payload over ch. It fails with ErrChannelBusy if
// a job is already in flight on ch.
func (e *Engine) Start(ch profile.ChannelID, payload []byte, mode Mode) (*Job, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	size := DefaultUnitSize
	if e.unitSize != nil {
		if n := e.unitSize(); n > 0 {
			size = n
		}
	}

	job := newJob(ch, payload, mode, size)
	if existing, loaded := e.jobs.LoadOrStore(ch, job); loaded {
		logger.Warn(e.prefix, "rejecting transfer on %s: job %s still in flight", ch, existing.ID[:8])
		return nil, ErrChannelBusy
	}

	logger.Info(e.prefix, "transfer %s started: %d bytes in %d-byte chunks (%s)",
		job.ID[:8], job.Total(), size, mode)

	e.wg.Add(1)
	go e.run(job)
	return job, nil
}

// Complete feeds a write completion for ch to the job waiting on it
func (e *Engine) Complete(ch profile.ChannelID, err error) {
	job, ok := e.jobs.Load(ch)
	if !ok || job.Mode != FlowControlled {
		return
	}
	if !job.signal(err) {
		logger.Trace(e.prefix, "dropping unexpected completion for transfer %s", job.ID[:8])
	}
}

// Active returns the job in flight on ch
func (e *Engine) Active(ch profile.ChannelID) (*Job, bool) {
	return e.jobs.Load(ch)
}

// Abort stops every job without waiting for chunks in flight
func (e *Engine) Abort() {
	e.jobs.Range(func(_ profile.ChannelID, job *Job) bool {
		job.abort()
		return true
	})
}

// Close aborts all jobs, refuses new ones and waits for workers to exit
func (e *Engine) Close() {
	e.closed.Store(true)
	e.Abort()
	e.wg.Wait()
}

func (e *Engine) run(job *Job) {
	defer e.wg.Done()

	job.status.Store(int32(StatusInFlight))

	var err error
	if job.Mode == TightLoop {
		err = e.runTightLoop(job)
	} else {
		err = e.runFlowControlled(job)
	}

	e.jobs.Delete(job.Channel)

	switch {
	case err == nil:
		job.status.Store(int32(StatusCompleted))
		close(job.done)
		logger.Info(e.prefix, "transfer %s completed: %d bytes", job.ID[:8], job.Total())
		e.reporter.Completed(job.Snapshot())
	case errors.Is(err, ErrCancelled):
		job.err = err
		job.status.Store(int32(StatusCancelled))
		close(job.done)
		logger.Info(e.prefix, "transfer %s cancelled at %d/%d bytes", job.ID[:8], job.Sent(), job.Total())
		e.reporter.Cancelled(job.Snapshot())
	default:
		job.err = err
		job.status.Store(int32(StatusFailed))
		close(job.done)
		logger.Error(e.prefix, "%v", err)
		e.reporter.Failed(job.Snapshot(), err)
	}
}

func (e *Engine) runFlowControlled(job *Job) error {
	for job.Sent() < job.Total() {
		if job.cancelled.Load() {
			return ErrCancelled
		}

		chunk := job.nextChunk()

		attemptErr := e.writer.WriteChunk(job.Channel, chunk)
		if attemptErr == nil {
			attemptErr = e.awaitCompletion(job)
			if errors.Is(attemptErr, ErrCancelled) {
				return attemptErr
			}
		}

		if attemptErr == nil {
			e.advance(job, len(chunk))
			continue
		}
		if err := e.recordFailure(job, attemptErr); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runTightLoop(job *Job) error {
	for job.Sent() < job.Total() {
		if job.cancelled.Load() {
			return ErrCancelled
		}

		chunk := job.nextChunk()
		attemptErr := e.writer.WriteChunk(job.Channel, chunk)
		if attemptErr == nil {
			e.advance(job, len(chunk))
			continue
		}
		if err := e.recordFailure(job, attemptErr); err != nil {
			return err
		}

		timer := time.NewTimer(e.cfg.RetryDelay)
		select {
		case <-timer.C:
		case <-job.cancelCh:
			timer.Stop()
			return ErrCancelled
		}
	}
	return nil
}

func (e *Engine) awaitCompletion(job *Job) error {
	timer := time.NewTimer(e.cfg.CompletionTimeout)
	defer timer.Stop()

	select {
	case err := <-job.acks:
		return err
	case <-timer.C:
		if arrived, err := job.expire(); arrived {
			return err
		}
		return ErrCompletionTimeout
	case <-job.abortCh:
		return ErrCancelled
	}
}

func (e *Engine) advance(job *Job, n int) {
	job.sent.Add(int64(n))
	job.retries.Store(0)
	logger.Trace(e.prefix, "transfer %s: %d/%d bytes", job.ID[:8], job.Sent(), job.Total())
	e.reporter.Progress(job.Snapshot())
}

// recordFailure counts a failed attempt and returns the job error once the
// consecutive failures exceed the retry budget
func (e *Engine) recordFailure(job *Job, cause error) error {
	n := int(job.retries.Inc())
	logger.Debug(e.prefix, "transfer %s: chunk at %d failed (attempt %d): %v", job.ID[:8], job.Sent(), n, cause)
	if n <= e.cfg.MaxRetries {
		return nil
	}
	return &JobError{
		JobID:    job.ID,
		Channel:  job.Channel,
		Sent:     job.Sent(),
		Total:    job.Total(),
		Attempts: n,
		Last:     cause,
	}
}
