// Package queue carries accepted ballots from intake to the persister with
// at-least-once delivery.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
)

// ErrEmpty is returned by TryReceive when nothing is deliverable.
var ErrEmpty = errors.New("queue: no deliverable message")

// State of a message as seen by status polling.
type State string

const (
	StatePending      State = "pending"
	StateDeadLettered State = "dead_lettered"
	StateUnknown      State = "unknown"
)

// Message is one published ballot. Key is the idempotency key.
type Message struct {
	Key        string
	ElectionID string
	Body       []byte
}

// Delivery is a received message. Attempt starts at 1.
type Delivery struct {
	Message
	ID      string
	Attempt int
}

// Queue is a durable at-least-once queue. A received message stays invisible
// to other consumers until it is acked, nacked, dead-lettered, or its
// visibility timeout lapses.
type Queue interface {
	Publish(ctx context.Context, m Message) error
	// Receive blocks until a message is deliverable or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Nack releases d for redelivery after delay.
	Nack(ctx context.Context, d Delivery, delay time.Duration) error
	// DeadLetter removes d from circulation and keeps it for triage.
	DeadLetter(ctx context.Context, d Delivery, reason string) error
	State(ctx context.Context, key string) (State, error)
	// Pending counts queued and in-flight messages for an election; empty
	// electionID counts everything.
	Pending(ctx context.Context, electionID string) (int, error)
	DeadLetters(ctx context.Context, limit int) ([]election.DeadLetter, error)
}
