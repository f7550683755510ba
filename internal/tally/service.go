package tally

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/audit"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/intake"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/obs"
)

// staleAttempts bounds how often a snapshot is recomputed when ballots keep
// landing between tabulation and the write.
const staleAttempts = 5

// ErrDrainTimeout means queued ballots were still pending when the close
// deadline passed. The election stays closed and closing again resumes.
var ErrDrainTimeout = errors.New("ballot queue did not drain in time")

// Store is the persistence the tabulator needs.
type Store interface {
	GetElection(ctx context.Context, id string) (election.Election, error)
	Questions(ctx context.Context, electionID string) ([]election.Question, error)
	TransitionStatus(ctx context.Context, id string, from, to election.Status, at time.Time) error
	ListBallots(ctx context.Context, electionID string) ([]election.Ballot, error)
	SaveResults(ctx context.Context, r election.Results) error
	LatestResults(ctx context.Context, electionID string) (election.Results, error)
}

// Backlog reports queued ballots not yet persisted.
type Backlog interface {
	Pending(ctx context.Context, electionID string) (int, error)
}

// Config tunes closing.
type Config struct {
	// DrainTimeout bounds how long CloseElection waits for the queue.
	DrainTimeout time.Duration
	// Settle is the minimum time after closing before the queue is trusted to
	// be empty; it covers submissions that spent a credential just before the
	// close and are still publishing. Defaults to the intake publish timeout.
	Settle       time.Duration
	PollInterval time.Duration
	Now          func() time.Time
}

// Service closes elections and serves their results.
type Service struct {
	store   Store
	backlog Backlog
	audit   *audit.Log
	cfg     Config
}

func NewService(store Store, backlog Backlog, log *audit.Log, cfg Config) *Service {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.Settle <= 0 {
		cfg.Settle = intake.DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{store: store, backlog: backlog, audit: log, cfg: cfg}
}

// CloseElection ends voting, waits for queued ballots and writes the first
// result snapshot. Closing an election that already has results fails with
// election.ErrAlreadyClosed.
func (s *Service) CloseElection(ctx context.Context, id string) (election.Results, error) {
	e, err := s.store.GetElection(ctx, id)
	if err != nil {
		return election.Results{}, err
	}
	switch e.Status {
	case election.StatusDraft:
		return election.Results{}, &election.ElectionStateError{ElectionID: id, Status: e.Status, Op: "close"}
	case election.StatusActive:
		now := s.cfg.Now().UTC()
		err := s.store.TransitionStatus(ctx, id, election.StatusActive, election.StatusClosed, now)
		var stateErr *election.ElectionStateError
		switch {
		case err == nil:
			e.Status, e.UpdatedAt = election.StatusClosed, now
			s.record(ctx, audit.ActionElectionClosed, id, audit.OutcomeSuccess, "")
		case errors.As(err, &stateErr):
			// A concurrent close won; fall through to the snapshot check.
			if e, err = s.store.GetElection(ctx, id); err != nil {
				return election.Results{}, err
			}
		default:
			return election.Results{}, err
		}
	}
	if _, err := s.store.LatestResults(ctx, id); err == nil {
		return election.Results{}, election.ErrAlreadyClosed
	} else if !errors.Is(err, election.ErrNotFound) {
		return election.Results{}, err
	}

	if err := s.drain(ctx, id, e.UpdatedAt); err != nil {
		return election.Results{}, err
	}

	res, err := s.save(ctx, id, func(r *election.Results) { r.Version = 1 })
	if err != nil {
		return election.Results{}, err
	}
	s.record(ctx, audit.ActionResultsRecorded, id, audit.OutcomeSuccess, "")
	obs.Info("election_tabulated", map[string]any{"election_id": id, "questions": len(res.Questions)})
	return res, nil
}

func (s *Service) drain(ctx context.Context, id string, closedAt time.Time) error {
	if s.backlog == nil {
		return nil
	}
	deadline := s.cfg.Now().Add(s.cfg.DrainTimeout)
	settled := closedAt.Add(s.cfg.Settle)
	for {
		n, err := s.backlog.Pending(ctx, id)
		if err != nil {
			return fmt.Errorf("queue backlog: %w", err)
		}
		now := s.cfg.Now()
		if n == 0 && !now.Before(settled) {
			return nil
		}
		if !now.Before(deadline) {
			obs.Warn("election_drain_timeout", map[string]any{"election_id": id, "pending": n})
			return ErrDrainTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// GetResults returns the latest snapshot of a closed election. With preview
// it tabulates whatever is persisted right now without storing anything.
func (s *Service) GetResults(ctx context.Context, id string, preview bool) (election.Results, error) {
	e, err := s.store.GetElection(ctx, id)
	if err != nil {
		return election.Results{}, err
	}
	if preview {
		res, err := s.compute(ctx, id)
		if err != nil {
			return election.Results{}, err
		}
		res.Preview = true
		return res, nil
	}
	if e.Status != election.StatusClosed {
		return election.Results{}, election.ErrNotClosed
	}
	res, err := s.store.LatestResults(ctx, id)
	if errors.Is(err, election.ErrNotFound) {
		return election.Results{}, fmt.Errorf("%w: tabulation pending", election.ErrNotClosed)
	}
	return res, err
}

// Recompute writes a new snapshot version as an administrative override.
func (s *Service) Recompute(ctx context.Context, id, reason string) (election.Results, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" || len(reason) > 500 {
		return election.Results{}, fmt.Errorf("%w: override reason is required (max 500 characters)", election.ErrInvalidInput)
	}
	e, err := s.store.GetElection(ctx, id)
	if err != nil {
		return election.Results{}, err
	}
	if e.Status != election.StatusClosed {
		return election.Results{}, election.ErrNotClosed
	}
	latest, err := s.store.LatestResults(ctx, id)
	if errors.Is(err, election.ErrNotFound) {
		return election.Results{}, fmt.Errorf("%w: close the election first", election.ErrNotClosed)
	}
	if err != nil {
		return election.Results{}, err
	}

	res, err := s.save(ctx, id, func(r *election.Results) {
		r.Version = latest.Version + 1
		r.Override = true
		r.Reason = reason
	})
	if err != nil {
		return election.Results{}, err
	}
	s.record(ctx, audit.ActionResultsRecomputed, id, audit.OutcomeSuccess, "admin_override")
	return res, nil
}

// save tabulates and stores a snapshot, tabulating again when storage reports
// that ballots were persisted after the ballot list was read.
func (s *Service) save(ctx context.Context, id string, set func(*election.Results)) (election.Results, error) {
	for attempt := 1; ; attempt++ {
		res, err := s.compute(ctx, id)
		if err != nil {
			return election.Results{}, err
		}
		set(&res)
		err = s.store.SaveResults(ctx, res)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, election.ErrResultsStale) || attempt >= staleAttempts {
			return election.Results{}, err
		}
		obs.Warn("results_stale", map[string]any{"election_id": id, "attempt": attempt})
	}
}

func (s *Service) compute(ctx context.Context, id string) (election.Results, error) {
	qs, err := s.store.Questions(ctx, id)
	if err != nil {
		return election.Results{}, err
	}
	ballots, err := s.store.ListBallots(ctx, id)
	if err != nil {
		return election.Results{}, err
	}
	questions, err := Tabulate(qs, ballots)
	if err != nil {
		return election.Results{}, err
	}
	return election.Results{
		ElectionID: id,
		ComputedAt: s.cfg.Now().UTC(),
		Ballots:    len(ballots),
		Questions:  questions,
	}, nil
}

func (s *Service) record(ctx context.Context, action, id string, outcome audit.Outcome, reason string) {
	s.audit.Record(ctx, audit.Event{
		Action:       action,
		ResourceType: audit.ResourceElection,
		ResourceID:   id,
		Outcome:      outcome,
		Reason:       reason,
	})
}
