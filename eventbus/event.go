package eventbus

import (
	"google.golang.org/protobuf/types/known/structpb"
)

// Phase separates listeners that care about bringing a link up from
// listeners that care about an established session.
type Phase int

const (
	PhaseAttach Phase = iota
	PhaseSession
)

func (p Phase) String() string {
	if p == PhaseSession {
		return "session"
	}
	return "attach"
}

// Kind identifies what happened
type Kind int

const (
	// Attach phase
	KindInitSuccess Kind = iota
	KindInitFailure
	KindScanResult
	KindAdvertising
	KindPeerAttached
	KindVersion
	KindDescription
	KindStateChanged
	KindConnectionError

	// Session phase
	KindConnected
	KindMessage
	KindPeerNamed
	KindInfo
	KindPeerDetached
	KindDisconnected
	KindUnitSizeChanged
	KindUnitSizeFailed
	KindTransferProgress
	KindTransferCompleted
	KindTransferCancelled
	KindDataStream
	KindHandoffListening
	KindSecondaryConnected
	KindSecondaryData
	KindHandoffSent
)

var kindNames = map[Kind]string{
	KindInitSuccess:        "init-success",
	KindInitFailure:        "init-failure",
	KindScanResult:         "scan-result",
	KindAdvertising:        "advertising",
	KindPeerAttached:       "peer-attached",
	KindVersion:            "version",
	KindDescription:        "description",
	KindStateChanged:       "state-changed",
	KindConnectionError:    "connection-error",
	KindConnected:          "connected",
	KindMessage:            "message",
	KindPeerNamed:          "peer-named",
	KindInfo:               "info",
	KindPeerDetached:       "peer-detached",
	KindDisconnected:       "disconnected",
	KindUnitSizeChanged:    "unit-size-changed",
	KindUnitSizeFailed:     "unit-size-failed",
	KindTransferProgress:   "transfer-progress",
	KindTransferCompleted:  "transfer-completed",
	KindTransferCancelled:  "transfer-cancelled",
	KindDataStream:         "data-stream",
	KindHandoffListening:   "handoff-listening",
	KindSecondaryConnected: "secondary-connected",
	KindSecondaryData:      "secondary-data",
	KindHandoffSent:        "handoff-sent",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a single notification published on the bus.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind  Kind
	Peer  string // peer address
	Text  string // message text, peer name, version, description, state name, handoff address
	Value int    // rssi, unit size, byte count
	Data  []byte // secondary-link payload, bulk chunk

	JobID string
	Sent  int64
	Total int64

	Err error
}

// Proto renders the event as a protobuf Struct for JSON debug logging
func (e Event) Proto() *structpb.Struct {
	fields := map[string]interface{}{
		"kind": e.Kind.String(),
	}
	if e.Peer != "" {
		fields["peer"] = e.Peer
	}
	if e.Text != "" {
		fields["text"] = e.Text
	}
	if e.Value != 0 {
		fields["value"] = e.Value
	}
	if len(e.Data) > 0 {
		fields["data_len"] = len(e.Data)
	}
	if e.JobID != "" {
		fields["job_id"] = e.JobID
		fields["sent"] = e.Sent
		fields["total"] = e.Total
	}
	if e.Err != nil {
		fields["error"] = e.Err.Error()
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		s = &structpb.Struct{Fields: map[string]*structpb.Value{
			"kind": structpb.NewStringValue(e.Kind.String()),
		}}
	}
	return s
}
