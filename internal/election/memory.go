package election

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store in process. Every method holds the store lock for
// its whole read-modify-write, which is what a single SQL statement gives the
// Postgres store.
type InMemory struct {
	mu          sync.RWMutex
	elections   map[string]*Election
	questions   map[string][]Question
	issuances   map[string]Issuance // electionID|memberRef
	credentials map[string]*Credential
	ballots     []Ballot
	ballotKeys  map[string]int // idempotency key -> index
	ballotCreds map[string]int // electionID|credential hash -> index
	snapshots   map[string][]Results
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		elections:   make(map[string]*Election),
		questions:   make(map[string][]Question),
		issuances:   make(map[string]Issuance),
		credentials: make(map[string]*Credential),
		ballotKeys:  make(map[string]int),
		ballotCreds: make(map[string]int),
		snapshots:   make(map[string][]Results),
	}
}

func (s *InMemory) CreateElection(ctx context.Context, e Election) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.elections[e.ID]; ok {
		return ErrInvalidInput
	}
	cp := e
	s.elections[e.ID] = &cp
	return nil
}

func (s *InMemory) GetElection(ctx context.Context, id string) (Election, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.elections[id]
	if !ok {
		return Election{}, ErrNotFound
	}
	return *e, nil
}

func (s *InMemory) UpdateDraft(ctx context.Context, e Election) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.elections[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusDraft {
		return &ElectionStateError{ElectionID: e.ID, Status: cur.Status, Op: "edit"}
	}
	cur.Title = e.Title
	cur.StartsAt = e.StartsAt
	cur.EndsAt = e.EndsAt
	cur.Eligibility = e.Eligibility
	cur.UpdatedAt = e.UpdatedAt
	return nil
}

func (s *InMemory) AddQuestion(ctx context.Context, q Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.elections[q.ElectionID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusDraft {
		return &ElectionStateError{ElectionID: q.ElectionID, Status: cur.Status, Op: "add question to"}
	}
	q.Position = len(s.questions[q.ElectionID])
	s.questions[q.ElectionID] = append(s.questions[q.ElectionID], q)
	return nil
}

func (s *InMemory) Questions(ctx context.Context, electionID string) ([]Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.elections[electionID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Question(nil), s.questions[electionID]...), nil
}

func (s *InMemory) TransitionStatus(ctx context.Context, id string, from, to Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.elections[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from || !from.CanTransition(to) {
		return &ElectionStateError{ElectionID: id, Status: cur.Status, Op: "move to " + string(to)}
	}
	cur.Status = to
	if to == StatusActive && cur.StartsAt.After(at) {
		cur.StartsAt = at
	}
	cur.UpdatedAt = at
	return nil
}

func (s *InMemory) ListDue(ctx context.Context, now time.Time) ([]Election, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Election
	for _, e := range s.elections {
		if e.Status == StatusDraft && e.InWindow(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) IssueCredential(ctx context.Context, iss Issuance, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := iss.ElectionID + "|" + iss.MemberRef
	if _, ok := s.issuances[key]; ok {
		return ErrAlreadyIssued
	}
	if _, ok := s.credentials[c.Hash]; ok {
		return ErrInvalidInput
	}
	s.issuances[key] = iss
	cp := c
	s.credentials[c.Hash] = &cp
	return nil
}

func (s *InMemory) HasIssuance(ctx context.Context, electionID, memberRef string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.issuances[electionID+"|"+memberRef]
	return ok, nil
}

func (s *InMemory) LookupCredential(ctx context.Context, hash string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[hash]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return *c, nil
}

func (s *InMemory) ConsumeCredential(ctx context.Context, hash string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[hash]
	if !ok {
		return "", &InvalidCredentialError{Reason: CredentialNotFound}
	}
	if c.UsedAt != nil {
		return "", &InvalidCredentialError{Reason: CredentialAlreadyUsed, ElectionID: c.ElectionID}
	}
	if !now.Before(c.ExpiresAt) {
		return "", &InvalidCredentialError{Reason: CredentialExpired, ElectionID: c.ElectionID}
	}
	e, ok := s.elections[c.ElectionID]
	if !ok || e.Status != StatusActive {
		return "", &InvalidCredentialError{Reason: CredentialElectionNotActive, ElectionID: c.ElectionID}
	}
	used := now
	c.UsedAt = &used
	return c.ElectionID, nil
}

func (s *InMemory) InsertBallot(ctx context.Context, b Ballot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ballotKeys[b.IdempotencyKey]; ok {
		return ErrDuplicateBallot
	}
	credKey := b.ElectionID + "|" + b.CredentialHash
	if _, ok := s.ballotCreds[credKey]; ok {
		return ErrDuplicateBallot
	}
	if _, ok := s.elections[b.ElectionID]; !ok {
		return &PoisonMessageError{Reason: "unknown_election"}
	}
	c, ok := s.credentials[b.CredentialHash]
	if !ok || c.ElectionID != b.ElectionID {
		return &PoisonMessageError{Reason: "unknown_credential"}
	}
	if len(s.snapshots[b.ElectionID]) > 0 {
		return TabulatedError()
	}
	s.ballots = append(s.ballots, b)
	idx := len(s.ballots) - 1
	s.ballotKeys[b.IdempotencyKey] = idx
	s.ballotCreds[credKey] = idx
	return nil
}

func (s *InMemory) BallotPersisted(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ballotKeys[idempotencyKey]
	return ok, nil
}

func (s *InMemory) ListBallots(ctx context.Context, electionID string) ([]Ballot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Ballot
	for _, b := range s.ballots {
		if b.ElectionID == electionID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *InMemory) CountBallots(ctx context.Context, electionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.ballots {
		if b.ElectionID == electionID {
			n++
		}
	}
	return n, nil
}

func (s *InMemory) SaveResults(ctx context.Context, r Results) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.elections[r.ElectionID]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.snapshots[r.ElectionID] {
		if existing.Version == r.Version {
			return ErrAlreadyClosed
		}
	}
	stored := 0
	for _, b := range s.ballots {
		if b.ElectionID == r.ElectionID {
			stored++
		}
	}
	if stored != r.Ballots {
		return ErrResultsStale
	}
	s.snapshots[r.ElectionID] = append(s.snapshots[r.ElectionID], r)
	return nil
}

func (s *InMemory) LatestResults(ctx context.Context, electionID string) (Results, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.snapshots[electionID]
	if len(list) == 0 {
		return Results{}, ErrNotFound
	}
	latest := list[0]
	for _, r := range list[1:] {
		if r.Version > latest.Version {
			latest = r
		}
	}
	return latest, nil
}
