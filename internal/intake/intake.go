// Package intake accepts ballots: it spends the credential, checks answers
// against the question schema and queues the ballot for persistence.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/audit"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/credential"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/ids"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/obs"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/queue"
)

// BallotStatus is what a voter sees when polling a confirmation id.
type BallotStatus string

const (
	StatusPending      BallotStatus = "pending"
	StatusPersisted    BallotStatus = "persisted"
	StatusDeadLettered BallotStatus = "dead_lettered"
	StatusUnknown      BallotStatus = "unknown"
)

// Receipt is returned as soon as the ballot is queued.
type Receipt struct {
	ConfirmationID string       `json:"confirmation_id"`
	Status         BallotStatus `json:"status"`
}

// DefaultTimeout bounds a submission when Config.Timeout is unset.
const DefaultTimeout = 2 * time.Second

// Store is the read access intake needs.
type Store interface {
	LookupCredential(ctx context.Context, hash string) (election.Credential, error)
	BallotPersisted(ctx context.Context, idempotencyKey string) (bool, error)
}

// Questions resolves an election's question schema.
type Questions interface {
	Questions(ctx context.Context, electionID string) ([]election.Question, error)
}

// Service is the ballot intake path.
type Service struct {
	store     Store
	questions Questions
	validator *credential.Validator
	queue     queue.Queue
	audit     *audit.Log
	timeout   time.Duration
	now       func() time.Time
}

// Config carries intake tunables.
type Config struct {
	// Timeout bounds one submission end to end.
	Timeout time.Duration
	Now     func() time.Time
}

func NewService(store Store, questions Questions, validator *credential.Validator, q queue.Queue, log *audit.Log, cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:     store,
		questions: questions,
		validator: validator,
		queue:     q,
		audit:     log,
		timeout:   cfg.Timeout,
		now:       cfg.Now,
	}
}

// SubmitBallot spends raw and queues answers. Answers are checked against the
// schema before the credential is spent whenever the credential is still
// usable, so a malformed ballot does not cost the voter their credential.
//
// Errors: *election.InvalidCredentialError, *election.SchemaValidationError,
// or election.ErrEnqueueFailed once the credential has been spent.
func (s *Service) SubmitBallot(ctx context.Context, raw string, answers election.Answers) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	raw = strings.TrimSpace(raw)
	checked := false
	if raw != "" {
		cred, err := s.store.LookupCredential(ctx, credential.HashToken(raw))
		switch {
		case errors.Is(err, election.ErrNotFound):
		case err != nil:
			return Receipt{}, fmt.Errorf("lookup credential: %w", err)
		case cred.UsedAt == nil && s.now().Before(cred.ExpiresAt):
			if err := s.checkAnswers(ctx, cred.ElectionID, answers); err != nil {
				s.rejected(ctx, cred.ElectionID, err)
				return Receipt{}, err
			}
			checked = true
		}
	}

	spent, err := s.validator.Validate(ctx, raw)
	if err != nil {
		return Receipt{}, err
	}
	if !checked {
		if err := s.checkAnswers(ctx, spent.ElectionID, answers); err != nil {
			s.rejected(ctx, spent.ElectionID, err)
			return Receipt{}, err
		}
	}

	key := ids.Confirmation()
	msg, err := queue.BallotMessage{
		CredentialHash: spent.Hash,
		ElectionID:     spent.ElectionID,
		Answers:        answers,
		IdempotencyKey: key,
		SubmittedAt:    s.now().UTC(),
	}.Encode()
	if err == nil {
		err = s.queue.Publish(ctx, msg)
	}
	if err != nil {
		obs.BallotsEnqueueFailed.Inc()
		obs.Error("ballot_enqueue_failed", map[string]any{"election_id": spent.ElectionID, "error": err.Error()})
		s.audit.Record(ctx, audit.Event{
			Action:       audit.ActionBallotEnqueueFailed,
			ResourceType: audit.ResourceElection,
			ResourceID:   spent.ElectionID,
			Outcome:      audit.OutcomeFailure,
			Reason:       "ballot_not_recorded",
		})
		return Receipt{}, fmt.Errorf("%w: %v", election.ErrEnqueueFailed, err)
	}
	obs.BallotsEnqueued.Inc()
	return Receipt{ConfirmationID: key, Status: StatusPending}, nil
}

func (s *Service) checkAnswers(ctx context.Context, electionID string, answers election.Answers) error {
	qs, err := s.questions.Questions(ctx, electionID)
	if err != nil {
		return fmt.Errorf("load questions: %w", err)
	}
	return election.ValidateAnswers(qs, answers)
}

// rejected audits a ballot refused for its answers. Only the reason code is
// kept; answer content never reaches the audit trail.
func (s *Service) rejected(ctx context.Context, electionID string, err error) {
	var schemaErr *election.SchemaValidationError
	if !errors.As(err, &schemaErr) {
		return
	}
	s.audit.Record(ctx, audit.Event{
		Action:       audit.ActionBallotRejected,
		ResourceType: audit.ResourceElection,
		ResourceID:   electionID,
		Outcome:      audit.OutcomeFailure,
		Reason:       "schema_violation",
	})
}

// Status derives a ballot's state from storage and the queue. Nothing is
// written on the submission path to support it.
func (s *Service) Status(ctx context.Context, confirmationID string) (BallotStatus, error) {
	if _, err := uuid.Parse(confirmationID); err != nil {
		return StatusUnknown, nil
	}
	persisted, err := s.store.BallotPersisted(ctx, confirmationID)
	if err != nil {
		return "", fmt.Errorf("ballot status: %w", err)
	}
	if persisted {
		return StatusPersisted, nil
	}
	st, err := s.queue.State(ctx, confirmationID)
	if err != nil {
		return "", fmt.Errorf("queue state: %w", err)
	}
	switch st {
	case queue.StatePending:
		return StatusPending, nil
	case queue.StateDeadLettered:
		return StatusDeadLettered, nil
	}
	// The persister may have acked between the two reads.
	if persisted, err := s.store.BallotPersisted(ctx, confirmationID); err == nil && persisted {
		return StatusPersisted, nil
	}
	return StatusUnknown, nil
}
