package election

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an election. Transitions only move forward:
// draft -> active -> closed.
type Status string

const (
	StatusDraft  Status = "draft"
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

func (s Status) rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusActive:
		return 1
	case StatusClosed:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next is a forward step.
func (s Status) CanTransition(next Status) bool {
	return s.rank() >= 0 && next.rank() == s.rank()+1
}

// BallotType tags how a question is answered and tabulated.
type BallotType string

const (
	BallotBinary       BallotType = "binary"
	BallotSingleChoice BallotType = "single-choice"
	BallotRankedChoice BallotType = "ranked-choice"
)

// Valid reports whether t is one of the known ballot types.
func (t BallotType) Valid() bool {
	switch t {
	case BallotBinary, BallotSingleChoice, BallotRankedChoice:
		return true
	}
	return false
}

// Eligibility is the per-election issuance policy. Zero value admits every
// active member.
type Eligibility struct {
	RequireDues  bool     `json:"require_dues"`
	AllowedRoles []string `json:"allowed_roles,omitempty"`
}

type Election struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	StartsAt    time.Time   `json:"starts_at"`
	EndsAt      time.Time   `json:"ends_at"`
	Status      Status      `json:"status"`
	Eligibility Eligibility `json:"eligibility"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// InWindow reports whether now falls inside [StartsAt, EndsAt).
func (e Election) InWindow(now time.Time) bool {
	return !now.Before(e.StartsAt) && now.Before(e.EndsAt)
}

type Option struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type Question struct {
	ID         string     `json:"id"`
	ElectionID string     `json:"election_id"`
	Position   int        `json:"position"`
	Prompt     string     `json:"prompt"`
	Type       BallotType `json:"type"`
	Options    []Option   `json:"options"`
	Required   bool       `json:"required"`
}

// HasOption reports whether id is part of the question's option schema.
func (q Question) HasOption(id string) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// OptionIDs returns option ids in declaration order.
func (q Question) OptionIDs() []string {
	out := make([]string, len(q.Options))
	for i, o := range q.Options {
		out[i] = o.ID
	}
	return out
}

// Answer is one question's response. Binary and single-choice questions use
// Choice; ranked-choice questions use Ranking, most preferred first.
type Answer struct {
	Choice  string   `json:"choice,omitempty"`
	Ranking []string `json:"ranking,omitempty"`
}

// Answers maps question id to answer.
type Answers map[string]Answer

// MemberClaims is what the member registry asserts about the caller. It is
// consulted for the eligibility decision only and never stored.
type MemberClaims struct {
	MemberID string
	Status   string
	DuesPaid bool
	Roles    []string
}

// MembershipActive is the registry status that admits a member.
const MembershipActive = "active"

// Credential is the stored form of a voting credential: a hash, never the token.
type Credential struct {
	Hash       string
	ElectionID string
	ExpiresAt  time.Time
	UsedAt     *time.Time
	CreatedAt  time.Time
}

// Issuance records that a member reference received a credential for an
// election. It intentionally holds no credential hash.
type Issuance struct {
	ElectionID string
	MemberRef  string
	IssuedAt   time.Time
}

// Ballot is an append-only record of a spent credential's answers. It carries
// no voter reference.
type Ballot struct {
	ID             string          `json:"id"`
	ElectionID     string          `json:"election_id"`
	CredentialHash string          `json:"-"`
	IdempotencyKey string          `json:"-"`
	Answers        json.RawMessage `json:"answers"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	PersistedAt    time.Time       `json:"persisted_at"`
}

// Round is one instant-runoff round.
type Round struct {
	Number     int            `json:"number"`
	Tallies    map[string]int `json:"tallies"`
	Continuing int            `json:"continuing"`
	Exhausted  int            `json:"exhausted"`
	Eliminated []string       `json:"eliminated,omitempty"`
	Winner     string         `json:"winner,omitempty"`
}

// QuestionResult is the tally of one question.
type QuestionResult struct {
	QuestionID   string         `json:"question_id"`
	Type         BallotType     `json:"type"`
	TotalBallots int            `json:"total_ballots"`
	Counts       map[string]int `json:"counts,omitempty"`
	Rounds       []Round        `json:"rounds,omitempty"`
	Winners      []string       `json:"winners"`
	Tie          bool           `json:"tie"`
}

// Results is the set of per-question snapshots for one election version.
type Results struct {
	ElectionID string           `json:"election_id"`
	Version    int              `json:"version"`
	Preview    bool             `json:"preview"`
	Override   bool             `json:"override"`
	Reason     string           `json:"reason,omitempty"`
	ComputedAt time.Time        `json:"computed_at"`

	// Ballots is how many stored ballots the snapshot was computed from.
	Ballots   int              `json:"ballots"`
	Questions []QuestionResult `json:"questions"`
}

// DeadLetter describes a ballot message removed from automatic retry.
// The payload is kept in storage for triage but not exposed here.
type DeadLetter struct {
	Key        string    `json:"key"`
	ElectionID string    `json:"election_id"`
	Reason     string    `json:"reason"`
	Attempts   int       `json:"attempts"`
	FailedAt   time.Time `json:"failed_at"`
}
