package transfer

import (
	"errors"
	"fmt"

	"github.com/user/bluelink/profile"
)

var (
	// ErrWrite marks a job that ran out of retries
	ErrWrite = errors.New("write failed")
	// ErrChannelBusy is returned when a job is already in flight on the channel
	ErrChannelBusy = errors.New("transfer already in progress on channel")
	// ErrCancelled ends a job that was cancelled or aborted
	ErrCancelled = errors.New("transfer cancelled")
	// ErrCompletionTimeout is an attempt whose completion never arrived
	ErrCompletionTimeout = errors.New("write completion timed out")
	// ErrEngineClosed is returned by Start after Close
	ErrEngineClosed = errors.New("transfer engine closed")
)

// JobError describes why a job failed
type JobError struct {
	JobID    string
	Channel  profile.ChannelID
	Sent     int64
	Total    int64
	Attempts int
	Last     error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("transfer %s: %v after %d attempts at %d/%d bytes: %v",
		e.JobID, ErrWrite, e.Attempts, e.Sent, e.Total, e.Last)
}

func (e *JobError) Unwrap() []error {
	return []error{ErrWrite, e.Last}
}
