package amqp

import (
	"encoding/json"
	"time"
)

const (
	ReasonCaptured = "captured"
	ReasonManual   = "manual"
)

// SyncRequestMessage asks a worker to drain the local queue. It carries
// only the newest local id as a hint; the worker reads the queue itself.
type SyncRequestMessage struct {
	LocalID   int64     `json:"local_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSyncRequestMessage creates a new sync request
func NewSyncRequestMessage(localID int64, reason string) *SyncRequestMessage {
	return &SyncRequestMessage{
		LocalID:   localID,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *SyncRequestMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SyncRequestMessageFromJSON creates a message from JSON bytes
func SyncRequestMessageFromJSON(data []byte) (*SyncRequestMessage, error) {
	var msg SyncRequestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
