// Package persister drains the ballot queue into storage. Delivery is
// at-least-once; the store's uniqueness constraints make the insert
// idempotent, so workers never coordinate with each other.
package persister

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/audit"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/ids"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/obs"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/queue"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/stream"
)

// Dead-letter reason codes.
const (
	ReasonMalformed       = "malformed_message"
	ReasonSchemaViolation = "schema_violation"
	ReasonUnknownElection = "unknown_election"
	ReasonMaxAttempts     = "max_attempts"

	// ReasonElectionTabulated marks a ballot that reached storage after the
	// election's results were recorded.
	ReasonElectionTabulated = election.ReasonElectionTabulated
)

// Store inserts ballots and counts them for turnout.
type Store interface {
	InsertBallot(ctx context.Context, b election.Ballot) error
	CountBallots(ctx context.Context, electionID string) (int, error)
}

// Questions resolves the schema a ballot is re-checked against.
type Questions interface {
	Questions(ctx context.Context, electionID string) ([]election.Question, error)
}

// Config controls retries and concurrency.
type Config struct {
	Workers     int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Now         func() time.Time
}

// Persister consumes ballot messages.
type Persister struct {
	queue     queue.Queue
	store     Store
	questions Questions
	turnout   *stream.Stream
	audit     *audit.Log
	cfg       Config
}

// New builds a Persister. turnout may be nil.
func New(q queue.Queue, store Store, questions Questions, turnout *stream.Stream, log *audit.Log, cfg Config) *Persister {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Persister{queue: q, store: store, questions: questions, turnout: turnout, audit: log, cfg: cfg}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has finished its current message.
func (p *Persister) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Persister) work(ctx context.Context, worker int) {
	for {
		d, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			obs.Warn("queue_receive_failed", map[string]any{"worker": worker, "error": err.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.BaseDelay):
			}
			continue
		}
		// Finish the message even if shutdown started meanwhile.
		p.Handle(context.WithoutCancel(ctx), d)
	}
}

// Outcome of handling one delivery.
type Outcome string

const (
	OutcomeInserted     Outcome = "inserted"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeRetry        Outcome = "retry"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Handle processes one delivery to completion: ack, nack or dead-letter.
func (p *Persister) Handle(ctx context.Context, d queue.Delivery) Outcome {
	msg, err := queue.DecodeBallot(d.Body)
	if err != nil {
		return p.deadLetter(ctx, d, &election.PoisonMessageError{Reason: ReasonMalformed, Err: err})
	}
	if msg.ElectionID != d.ElectionID || msg.IdempotencyKey != d.Key {
		return p.deadLetter(ctx, d, &election.PoisonMessageError{Reason: ReasonMalformed})
	}

	qs, err := p.questions.Questions(ctx, msg.ElectionID)
	if errors.Is(err, election.ErrNotFound) {
		return p.deadLetter(ctx, d, &election.PoisonMessageError{Reason: ReasonUnknownElection})
	}
	if err != nil {
		return p.retry(ctx, d, err)
	}
	if err := election.ValidateAnswers(qs, msg.Answers); err != nil {
		return p.deadLetter(ctx, d, &election.PoisonMessageError{Reason: ReasonSchemaViolation, Err: err})
	}

	answers, err := json.Marshal(msg.Answers)
	if err != nil {
		return p.deadLetter(ctx, d, &election.PoisonMessageError{Reason: ReasonMalformed, Err: err})
	}
	now := p.cfg.Now().UTC()
	err = p.store.InsertBallot(ctx, election.Ballot{
		ID:             ids.NewAt(now),
		ElectionID:     msg.ElectionID,
		CredentialHash: msg.CredentialHash,
		IdempotencyKey: msg.IdempotencyKey,
		Answers:        answers,
		SubmittedAt:    msg.SubmittedAt,
		PersistedAt:    now,
	})

	var poison *election.PoisonMessageError
	switch {
	case err == nil:
		p.ack(ctx, d)
		obs.BallotsPersisted.WithLabelValues(string(OutcomeInserted)).Inc()
		p.publishTurnout(ctx, msg.ElectionID)
		return OutcomeInserted
	case errors.Is(err, election.ErrDuplicateBallot):
		p.ack(ctx, d)
		obs.BallotsPersisted.WithLabelValues(string(OutcomeDuplicate)).Inc()
		return OutcomeDuplicate
	case errors.As(err, &poison):
		return p.deadLetter(ctx, d, poison)
	default:
		return p.retry(ctx, d, err)
	}
}

func (p *Persister) ack(ctx context.Context, d queue.Delivery) {
	if err := p.queue.Ack(ctx, d); err != nil {
		// Redelivery will hit the uniqueness constraint and ack again.
		obs.Warn("queue_ack_failed", map[string]any{"delivery": d.ID, "error": err.Error()})
	}
}

func (p *Persister) retry(ctx context.Context, d queue.Delivery, cause error) Outcome {
	if d.Attempt >= p.cfg.MaxAttempts {
		return p.deadLetter(ctx, d, &election.PoisonMessageError{Reason: ReasonMaxAttempts, Err: cause})
	}
	delay := p.Backoff(d.Attempt)
	obs.BallotPersistRetries.Inc()
	obs.Warn("ballot_persist_retry", map[string]any{
		"delivery":    d.ID,
		"election_id": d.ElectionID,
		"attempt":     d.Attempt,
		"delay_ms":    delay.Milliseconds(),
		"error":       cause.Error(),
	})
	if err := p.queue.Nack(ctx, d, delay); err != nil {
		// The visibility timeout will release the message instead.
		obs.Warn("queue_nack_failed", map[string]any{"delivery": d.ID, "error": err.Error()})
	}
	return OutcomeRetry
}

// Backoff is the redelivery delay after the given attempt.
func (p *Persister) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	return delay
}

func (p *Persister) deadLetter(ctx context.Context, d queue.Delivery, cause *election.PoisonMessageError) Outcome {
	fields := map[string]any{
		"delivery":    d.ID,
		"election_id": d.ElectionID,
		"attempt":     d.Attempt,
		"reason":      cause.Reason,
	}
	if cause.Err != nil {
		fields["error"] = cause.Err.Error()
	}
	obs.Error("ballot_dead_lettered", fields)
	obs.BallotsDeadLettered.WithLabelValues(cause.Reason).Inc()
	if err := p.queue.DeadLetter(ctx, d, cause.Reason); err != nil {
		obs.Error("queue_dead_letter_failed", map[string]any{"delivery": d.ID, "error": err.Error()})
	}
	p.audit.Record(ctx, audit.Event{
		Action:       audit.ActionBallotDeadLettered,
		ResourceType: audit.ResourceBallotQueueMessage,
		ResourceID:   d.ID,
		Outcome:      audit.OutcomeFailure,
		Reason:       cause.Reason,
	})
	return OutcomeDeadLettered
}

func (p *Persister) publishTurnout(ctx context.Context, electionID string) {
	if !p.turnout.Watched(electionID) {
		return
	}
	n, err := p.store.CountBallots(ctx, electionID)
	if err != nil {
		return
	}
	p.turnout.Publish(stream.TurnoutEvent{ElectionID: electionID, Persisted: n, Timestamp: p.cfg.Now().UTC()})
}
