package link

import (
	"go.uber.org/atomic"

	"github.com/user/bluelink/transfer"
)

// UnitSizeNegotiator tracks the payload size agreed with the peer. The
// latest successful negotiation wins; failures leave it unchanged.
type UnitSizeNegotiator struct {
	size      *atomic.Int64
	requested *atomic.Int64
}

// NewUnitSizeNegotiator starts at the default unit size
func NewUnitSizeNegotiator() *UnitSizeNegotiator {
	return &UnitSizeNegotiator{
		size:      atomic.NewInt64(transfer.DefaultUnitSize),
		requested: atomic.NewInt64(0),
	}
}

// Current returns the unit size in use
func (n *UnitSizeNegotiator) Current() int {
	return int(n.size.Load())
}

// Requested returns the size of the last request, zero if none
func (n *UnitSizeNegotiator) Requested() int {
	return int(n.requested.Load())
}

func (n *UnitSizeNegotiator) request(size int) {
	n.requested.Store(int64(size))
}

func (n *UnitSizeNegotiator) succeeded(size int) {
	if size > 0 {
		n.size.Store(int64(size))
	}
}

func (n *UnitSizeNegotiator) reset() {
	n.size.Store(transfer.DefaultUnitSize)
	n.requested.Store(0)
}
