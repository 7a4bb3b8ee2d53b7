package models

import "time"

// ChangeOp is the mutation type recorded in the change log.
type ChangeOp string

const (
	ChangeOpCreate ChangeOp = "create"
	ChangeOpUpdate ChangeOp = "update"
	ChangeOpDelete ChangeOp = "delete"
)

// ChangeStatus is the delivery state of a change log entry.
type ChangeStatus string

const (
	ChangeStatusPending      ChangeStatus = "pending"
	ChangeStatusInFlight     ChangeStatus = "in-flight"
	ChangeStatusAcknowledged ChangeStatus = "acknowledged"
	ChangeStatusFailed       ChangeStatus = "failed"
)

// ChangeLogEntry is one durable record of a local mutation not yet
// acknowledged by the remote authority. Entries are ordered by Seq (local
// autoincrement) and are never deleted before acknowledgment, which gives
// at-least-once delivery across process restarts.
//
// Payload holds the msgpack-serialized post-mutation entity.
type ChangeLogEntry struct {
	Seq       int64        `json:"seq"`
	ID        string       `json:"id"`
	Op        ChangeOp     `json:"op"`
	Table     string       `json:"table"`
	EntityID  string       `json:"entityId"`
	Payload   []byte       `json:"payload"`
	Status    ChangeStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"lastError,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}
