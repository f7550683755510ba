package election

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/audit"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/ids"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/obs"
)

// Draft carries the administrator-editable fields of an election.
type Draft struct {
	Title       string      `json:"title"`
	StartsAt    time.Time   `json:"starts_at"`
	EndsAt      time.Time   `json:"ends_at"`
	Eligibility Eligibility `json:"eligibility"`
}

func (d Draft) validate() error {
	var problems []string
	if strings.TrimSpace(d.Title) == "" {
		problems = append(problems, "title is required")
	}
	if d.StartsAt.IsZero() || d.EndsAt.IsZero() {
		problems = append(problems, "voting window is required")
	} else if !d.EndsAt.After(d.StartsAt) {
		problems = append(problems, "ends_at must be after starts_at")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// Service manages the election lifecycle: draft editing and activation.
// Closing lives with tabulation.
type Service struct {
	store Elections
	audit *audit.Log
	now   func() time.Time
}

// NewService wires the lifecycle service. now may be nil.
func NewService(store Elections, log *audit.Log, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, audit: log, now: now}
}

func (s *Service) Create(ctx context.Context, d Draft) (Election, error) {
	if err := d.validate(); err != nil {
		return Election{}, err
	}
	now := s.now().UTC()
	e := Election{
		ID:          ids.New(),
		Title:       strings.TrimSpace(d.Title),
		StartsAt:    d.StartsAt.UTC(),
		EndsAt:      d.EndsAt.UTC(),
		Status:      StatusDraft,
		Eligibility: normalizeEligibility(d.Eligibility),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateElection(ctx, e); err != nil {
		return Election{}, fmt.Errorf("create election: %w", err)
	}
	s.record(ctx, audit.ActionElectionCreated, e.ID, "")
	return e, nil
}

func (s *Service) Update(ctx context.Context, id string, d Draft) (Election, error) {
	if err := d.validate(); err != nil {
		return Election{}, err
	}
	e, err := s.store.GetElection(ctx, id)
	if err != nil {
		return Election{}, err
	}
	if e.Status != StatusDraft {
		return Election{}, &ElectionStateError{ElectionID: id, Status: e.Status, Op: "edit"}
	}
	e.Title = strings.TrimSpace(d.Title)
	e.StartsAt = d.StartsAt.UTC()
	e.EndsAt = d.EndsAt.UTC()
	e.Eligibility = normalizeEligibility(d.Eligibility)
	e.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateDraft(ctx, e); err != nil {
		return Election{}, err
	}
	s.record(ctx, audit.ActionElectionUpdated, e.ID, "")
	return e, nil
}

func (s *Service) Get(ctx context.Context, id string) (Election, error) {
	return s.store.GetElection(ctx, id)
}

func (s *Service) Questions(ctx context.Context, id string) ([]Question, error) {
	if _, err := s.store.GetElection(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Questions(ctx, id)
}

// AddQuestion validates q and attaches it to a draft election.
func (s *Service) AddQuestion(ctx context.Context, electionID string, q Question) (Question, error) {
	q.ElectionID = electionID
	q.Prompt = strings.TrimSpace(q.Prompt)
	if err := ValidateQuestion(q); err != nil {
		return Question{}, err
	}
	e, err := s.store.GetElection(ctx, electionID)
	if err != nil {
		return Question{}, err
	}
	if e.Status != StatusDraft {
		return Question{}, &ElectionStateError{ElectionID: electionID, Status: e.Status, Op: "add question to"}
	}
	q.ID = ids.New()
	if err := s.store.AddQuestion(ctx, q); err != nil {
		return Question{}, err
	}
	s.record(ctx, audit.ActionElectionQuestion, electionID, "")
	return q, nil
}

// Open activates a draft election immediately. An election needs at least one
// question to open.
func (s *Service) Open(ctx context.Context, id string) (Election, error) {
	e, err := s.store.GetElection(ctx, id)
	if err != nil {
		return Election{}, err
	}
	if e.Status != StatusDraft {
		return Election{}, &ElectionStateError{ElectionID: id, Status: e.Status, Op: "open"}
	}
	qs, err := s.store.Questions(ctx, id)
	if err != nil {
		return Election{}, err
	}
	if len(qs) == 0 {
		return Election{}, fmt.Errorf("%w: election has no questions", ErrInvalidInput)
	}
	now := s.now().UTC()
	if !now.Before(e.EndsAt) {
		return Election{}, &ElectionStateError{ElectionID: id, Status: e.Status, Op: "open after window end of"}
	}
	if err := s.store.TransitionStatus(ctx, id, StatusDraft, StatusActive, now); err != nil {
		return Election{}, err
	}
	s.record(ctx, audit.ActionElectionActivated, id, "manual")
	return s.store.GetElection(ctx, id)
}

// ActivateDue moves every draft whose window has started to active. Elections
// without questions are left in draft.
func (s *Service) ActivateDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		return 0, err
	}
	activated := 0
	for _, e := range due {
		qs, err := s.store.Questions(ctx, e.ID)
		if err != nil {
			return activated, err
		}
		if len(qs) == 0 {
			continue
		}
		err = s.store.TransitionStatus(ctx, e.ID, StatusDraft, StatusActive, now)
		var stateErr *ElectionStateError
		if errors.As(err, &stateErr) {
			// Someone else got there first.
			continue
		}
		if err != nil {
			return activated, err
		}
		activated++
		s.record(ctx, audit.ActionElectionActivated, e.ID, "scheduled")
	}
	return activated, nil
}

// RunScheduler calls ActivateDue every interval until ctx is done.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := s.ActivateDue(ctx); err != nil {
			obs.Error("election_activation_failed", map[string]any{"error": err.Error()})
		} else if n > 0 {
			obs.Info("elections_activated", map[string]any{"count": n})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) record(ctx context.Context, action, electionID, reason string) {
	s.audit.Record(ctx, audit.Event{
		Action:       action,
		ResourceType: audit.ResourceElection,
		ResourceID:   electionID,
		Outcome:      audit.OutcomeSuccess,
		Reason:       reason,
	})
}

func normalizeEligibility(el Eligibility) Eligibility {
	var roles []string
	seen := make(map[string]struct{})
	for _, r := range el.AllowedRoles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		roles = append(roles, r)
	}
	el.AllowedRoles = roles
	return el
}
