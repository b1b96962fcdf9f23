package domain

import "time"

// QueueEnvelope is the wire unit carried by the broker. The row of record
// lives in the database; the envelope carries only identity plus the attempt
// number it was enqueued under so stale redeliveries are detectable.
type QueueEnvelope struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

// DeadEnvelope is a queue envelope parked on the dead-letter queue together
// with why it landed there.
type DeadEnvelope struct {
	JobID     string    `json:"job_id"`
	Attempt   int       `json:"attempt"`
	Reason    string    `json:"reason"`
	LastError string    `json:"last_error,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

// Reservation is a leased envelope. The receipt identifies the lease; acking
// with it removes the in-flight marker.
type Reservation struct {
	Receipt  string
	Envelope QueueEnvelope
}

// QueueDepths is a point-in-time reading of the broker structures, exported
// as gauges and served by the ops endpoints.
type QueueDepths struct {
	Incoming int64 `json:"incoming"`
	Delayed  int64 `json:"delayed"`
	Reserved int64 `json:"reserved"`
	Dead     int64 `json:"dead"`
}

// JobQueue is the broker port. Reserve and Ack are atomic with respect to
// each other; an unacked reservation whose lease expires is redelivered by
// ReapExpired. Reserve returns ErrNotFound when the queue is empty.
type JobQueue interface {
	Enqueue(ctx Context, env QueueEnvelope) error
	// EnqueueDelayed parks the envelope until dueAt; PumpDue moves it to the
	// incoming queue once due.
	EnqueueDelayed(ctx Context, env QueueEnvelope, dueAt time.Time) error
	Reserve(ctx Context, lease time.Duration) (Reservation, error)
	Ack(ctx Context, r Reservation) error
	PumpDue(ctx Context, now time.Time, limit int) (int, error)
	ReapExpired(ctx Context, now time.Time, limit int) (int, error)
	PushDead(ctx Context, env DeadEnvelope) error
	ListDead(ctx Context, offset, limit int64) ([]DeadEnvelope, error)
	// RemoveDead deletes the parked envelope for jobID; false when absent.
	RemoveDead(ctx Context, jobID string) (bool, error)
	Depths(ctx Context) (QueueDepths, error)
}
