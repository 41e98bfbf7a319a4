package command

import "strings"

// Local is a directive typed by the local user that is handled by the
// session instead of being sent to the peer.
type Local int

const (
	LocalNone Local = iota
	LocalTransferTest
	LocalTransfer
	LocalHandoff
	LocalQuit
)

// TransferTestUnitSize is requested before a /transfertest stream
const TransferTestUnitSize = 512

var locals = map[string]Local{
	"/transfertest": LocalTransferTest,
	"/transfer":     LocalTransfer,
	"/handoff":      LocalHandoff,
	"/quit":         LocalQuit,
}

func (l Local) String() string {
	for k, v := range locals {
		if v == l {
			return k
		}
	}
	return ""
}

// ParseLocal recognises local directives. Anything else, including
// /name and /send, is sent to the peer as typed.
func ParseLocal(text string) (Local, bool) {
	l, ok := locals[strings.TrimSpace(text)]
	return l, ok
}
