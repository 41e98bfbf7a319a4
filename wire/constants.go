package wire

// Radio limits of the simulated link
const (
	// DefaultUnitSize is the payload size before any negotiation:
	// a 23 byte ATT MTU minus the 3 byte header
	DefaultUnitSize = 20
	// MaxUnitSize is the largest payload either side accepts
	MaxUnitSize = 512
	// MaxAttributeSize bounds a single acknowledged write or notification
	MaxAttributeSize = 512
)

