package election

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyIssued is returned by IssueCredential when the (election, member)
// pair already received a credential.
var ErrAlreadyIssued = errors.New("credential already issued")

// Elections persists elections and their questions.
type Elections interface {
	CreateElection(ctx context.Context, e Election) error
	GetElection(ctx context.Context, id string) (Election, error)
	// UpdateDraft replaces title, window and eligibility while the election is a draft.
	UpdateDraft(ctx context.Context, e Election) error
	// AddQuestion attaches a question while the election is a draft.
	AddQuestion(ctx context.Context, q Question) error
	Questions(ctx context.Context, electionID string) ([]Question, error)
	// TransitionStatus moves an election from one status to the next as a
	// compare-and-set. Activating pulls StartsAt back to at when it is later.
	TransitionStatus(ctx context.Context, id string, from, to Status, at time.Time) error
	// ListDue returns drafts whose voting window contains now.
	ListDue(ctx context.Context, now time.Time) ([]Election, error)
}

// Credentials persists credential hashes and the issuance ledger.
type Credentials interface {
	// IssueCredential records the issuance and the credential hash atomically.
	IssueCredential(ctx context.Context, iss Issuance, c Credential) error
	HasIssuance(ctx context.Context, electionID, memberRef string) (bool, error)
	LookupCredential(ctx context.Context, hash string) (Credential, error)
	// ConsumeCredential marks the credential used in one conditional update and
	// returns its election id. Refusals are *InvalidCredentialError.
	ConsumeCredential(ctx context.Context, hash string, now time.Time) (string, error)
}

// Ballots persists append-only ballots.
type Ballots interface {
	// InsertBallot returns ErrDuplicateBallot when either uniqueness constraint
	// already holds a row, *PoisonMessageError for integrity violations.
	InsertBallot(ctx context.Context, b Ballot) error
	BallotPersisted(ctx context.Context, idempotencyKey string) (bool, error)
	ListBallots(ctx context.Context, electionID string) ([]Ballot, error)
	CountBallots(ctx context.Context, electionID string) (int, error)
}

// Snapshots persists immutable result snapshots.
type Snapshots interface {
	// SaveResults writes every question of r under r.Version. Returns
	// ErrAlreadyClosed when that version exists.
	SaveResults(ctx context.Context, r Results) error
	LatestResults(ctx context.Context, electionID string) (Results, error)
}

// Store is the full persistence surface.
type Store interface {
	Elections
	Credentials
	Ballots
	Snapshots
}
