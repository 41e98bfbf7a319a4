package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/user/bluelink/profile"
)

// Status is the lifecycle of a job
type Status int32

const (
	StatusPending Status = iota
	StatusInFlight
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in-flight"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further progress will happen
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Mode selects how the engine paces chunk writes
type Mode int

const (
	// FlowControlled waits for each chunk's write completion before the next
	FlowControlled Mode = iota
	// TightLoop writes back to back and only retries writes the transport refused
	TightLoop
)

func (m Mode) String() string {
	if m == TightLoop {
		return "tight-loop"
	}
	return "flow-controlled"
}

// ParseMode parses a mode name, defaulting to FlowControlled
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "flow", "flow-controlled":
		return FlowControlled, nil
	case "tight", "tight-loop":
		return TightLoop, nil
	default:
		return FlowControlled, fmt.Errorf("unknown transfer mode %q", s)
	}
}

// Job is one bulk payload being streamed over one channel.
// ChunkSize is fixed when the job starts.
type Job struct {
	ID        string
	Channel   profile.ChannelID
	Mode      Mode
	ChunkSize int

	payload []byte

	sent      *atomic.Int64
	retries   *atomic.Int32
	status    *atomic.Int32
	cancelled *atomic.Bool

	// acks carries the outcome of the chunk in flight; one slot because
	// only one chunk is ever outstanding
	acks chan error
	// stale counts timed-out writes whose completions have not arrived.
	// Completions come in write order, so that many are discarded first.
	ackMu sync.Mutex
	stale int

	cancelOnce sync.Once
	cancelCh   chan struct{}
	abortOnce  sync.Once
	abortCh    chan struct{}

	done chan struct{}
	err  error
}

func newJob(ch profile.ChannelID, payload []byte, mode Mode, chunkSize int) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Channel:   ch,
		Mode:      mode,
		ChunkSize: chunkSize,
		payload:   payload,
		sent:      atomic.NewInt64(0),
		retries:   atomic.NewInt32(0),
		status:    atomic.NewInt32(int32(StatusPending)),
		cancelled: atomic.NewBool(false),
		acks:      make(chan error, 1),
		cancelCh:  make(chan struct{}),
		abortCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Total is the payload length in bytes
func (j *Job) Total() int64 { return int64(len(j.payload)) }

// Sent is the number of acknowledged bytes
func (j *Job) Sent() int64 { return j.sent.Load() }

// Retries is the current count of consecutive failed attempts
func (j *Job) Retries() int { return int(j.retries.Load()) }

// Status returns the current status
func (j *Job) Status() Status { return Status(j.status.Load()) }

// Cancel asks the job to stop after the chunk currently in flight
func (j *Job) Cancel() {
	j.cancelOnce.Do(func() {
		j.cancelled.Store(true)
		close(j.cancelCh)
	})
}

// abort stops the job without waiting for the chunk in flight
func (j *Job) abort() {
	j.Cancel()
	j.abortOnce.Do(func() { close(j.abortCh) })
}

// Done is closed once the job reaches a terminal status
func (j *Job) Done() <-chan struct{} { return j.done }

// Err returns the failure cause once the job is done
func (j *Job) Err() error {
	select {
	case <-j.done:
		return j.err
	default:
		return nil
	}
}

// Wait blocks until the job finishes or ctx ends
func (j *Job) Wait(ctx context.Context) (Status, error) {
	select {
	case <-j.done:
		return j.Status(), j.err
	case <-ctx.Done():
		return j.Status(), ctx.Err()
	}
}

// Snapshot is a consistent copy of a job's counters
type Snapshot struct {
	ID        string
	Channel   profile.ChannelID
	Mode      Mode
	ChunkSize int
	Sent      int64
	Total     int64
	Retries   int
	Status    Status
}

// Snapshot copies the job's current counters
func (j *Job) Snapshot() Snapshot {
	return Snapshot{
		ID:        j.ID,
		Channel:   j.Channel,
		Mode:      j.Mode,
		ChunkSize: j.ChunkSize,
		Sent:      j.Sent(),
		Total:     j.Total(),
		Retries:   j.Retries(),
		Status:    j.Status(),
	}
}

func (j *Job) nextChunk() []byte {
	start := j.sent.Load()
	end := start + int64(j.ChunkSize)
	if end > j.Total() {
		end = j.Total()
	}
	return j.payload[start:end]
}

// signal records a write completion. Completions owed to writes that
// already timed out, and completions with no chunk waiting, are dropped.
func (j *Job) signal(err error) bool {
	j.ackMu.Lock()
	defer j.ackMu.Unlock()
	if j.stale > 0 {
		j.stale--
		return false
	}
	select {
	case j.acks <- err:
		return true
	default:
		return false
	}
}

// expire gives up on the chunk in flight. A completion that beat the
// timer is still returned; otherwise the late one is marked stale.
func (j *Job) expire() (bool, error) {
	j.ackMu.Lock()
	defer j.ackMu.Unlock()
	select {
	case err := <-j.acks:
		return true, err
	default:
		j.stale++
		return false, nil
	}
}
