package audit

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Outcome of an audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Actions recorded by the voting service.
const (
	ActionCredentialIssued     = "credential.issued"
	ActionCredentialDenied     = "credential.denied"
	ActionCredentialValidated  = "credential.validated"
	ActionCredentialRejected   = "credential.rejected"
	ActionBallotRejected       = "ballot.rejected"
	ActionBallotEnqueueFailed  = "ballot.enqueue_failed"
	ActionBallotDeadLettered   = "ballot.dead_lettered"
	ActionElectionCreated      = "election.created"
	ActionElectionUpdated      = "election.updated"
	ActionElectionQuestion     = "election.question_added"
	ActionElectionActivated    = "election.activated"
	ActionElectionClosed       = "election.closed"
	ActionResultsRecorded      = "results.recorded"
	ActionResultsRecomputed    = "results.recomputed"
	ResourceElection           = "election"
	ResourceBallotQueueMessage = "ballot_message"
)

// Event is one append-only audit record. It has no free-form payload: reason
// codes are restricted so ballot content and credentials cannot be smuggled in.
type Event struct {
	ID           string    `json:"id"`
	OccurredAt   time.Time `json:"occurred_at"`
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	// Actor is an administrator subject or a pseudonymous member reference.
	Actor     string `json:"actor,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

var (
	ErrInvalidEvent = errors.New("audit: invalid event")

	codePattern = regexp.MustCompile(`^[a-z0-9_.:-]{0,64}$`)
)

// Validate enforces the event shape.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Action) == "" || !codePattern.MatchString(e.Action) {
		return ErrInvalidEvent
	}
	if e.ResourceType == "" || !codePattern.MatchString(e.ResourceType) {
		return ErrInvalidEvent
	}
	if e.Outcome != OutcomeSuccess && e.Outcome != OutcomeFailure {
		return ErrInvalidEvent
	}
	if !codePattern.MatchString(e.Reason) {
		return ErrInvalidEvent
	}
	if len(e.ResourceID) > 128 || len(e.Actor) > 128 {
		return ErrInvalidEvent
	}
	return nil
}

// Store appends immutable entries.
type Store interface {
	Append(ctx context.Context, e Event) error
}

// InMemory is an append-only Store used by tests and database-less runs.
type InMemory struct {
	mu     sync.Mutex
	events []Event
}

func NewInMemory() *InMemory { return &InMemory{} }

func (m *InMemory) Append(ctx context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of everything appended so far.
func (m *InMemory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
