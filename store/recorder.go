package store

import (
	"context"

	"github.com/user/bluelink/eventbus"
	"github.com/user/bluelink/logger"
)

// Recorder is a session-phase observer that stores the outcome of every
// bulk transfer it sees
type Recorder struct {
	store *Store
	role  string
	peer  func() string
}

// NewRecorder records transfers made by role; peer names the remote side
// at the time the transfer ends and may be nil
func NewRecorder(s *Store, role string, peer func() string) *Recorder {
	return &Recorder{store: s, role: role, peer: peer}
}

func (r *Recorder) OnEvent(e eventbus.Event) {
	if e.JobID == "" {
		return
	}

	var status string
	switch e.Kind {
	case eventbus.KindTransferCompleted:
		status = "completed"
	case eventbus.KindTransferCancelled:
		status = "cancelled"
	case eventbus.KindConnectionError:
		status = "failed"
	default:
		return
	}

	rec := TransferRecord{
		ID:        e.JobID,
		Role:      r.role,
		Status:    status,
		Sent:      e.Sent,
		Total:     e.Total,
		ChunkSize: e.Value,
	}
	if r.peer != nil {
		rec.Peer = r.peer()
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}
	if err := r.store.RecordTransfer(context.Background(), rec); err != nil {
		logger.Warn("store", "failed to record transfer %s: %v", e.JobID, err)
	}
}
