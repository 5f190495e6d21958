package types

import "time"

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCrashed   SessionStatus = "crashed"
)

// Session is one continuous run of the engine. A session left "active" in
// the store is promoted to "crashed" by the next startup.
type Session struct {
	ID          string
	StartedAt   time.Time
	EndedAt     *time.Time
	Status      SessionStatus
	TotalTrades int
	RealizedPnL float64
}

// CheckpointMeta describes a stored checkpoint without its payload.
type CheckpointMeta struct {
	Seq       uint64
	SessionID string
	CreatedAt time.Time
}
