package transport

import (
	"errors"
	"fmt"
)

// Status is a transport completion code. Zero is success.
type Status int

const (
	StatusSuccess           Status = 0x00
	StatusReadNotPermitted  Status = 0x02
	StatusWriteNotPermitted Status = 0x03
	StatusTimeout           Status = 0x08
	StatusUnlikelyError     Status = 0x0E
	StatusFailure           Status = 0x101
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReadNotPermitted:
		return "read not permitted"
	case StatusWriteNotPermitted:
		return "write not permitted"
	case StatusUnlikelyError:
		return "unlikely error"
	case StatusFailure:
		return "failure"
	case StatusTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("status 0x%02X", int(s))
	}
}

// OK reports whether the status is a success
func (s Status) OK() bool {
	return s == StatusSuccess
}

// StatusError is returned for a request the transport completed with a
// non-success status
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Op, e.Status)
}

// ErrUnavailable is returned by Available when the radio is missing or off
var ErrUnavailable = errors.New("bluetooth radio unavailable")

// ErrNotAttached is returned for requests addressed to an unknown peer
var ErrNotAttached = errors.New("peer not attached")

// AsStatus extracts the status of err, StatusFailure when it carries none
func AsStatus(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusFailure
}
