package election

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrNotClosed       = errors.New("election is not closed")
	ErrAlreadyClosed   = errors.New("election results already recorded")
	ErrDuplicateBallot = errors.New("ballot already persisted")
	ErrEnqueueFailed   = errors.New("ballot could not be queued")
	ErrInvalidInput    = errors.New("invalid input")

	// ErrElectionTabulated is returned for a ballot that reaches storage after
	// the election's first result snapshot was written.
	ErrElectionTabulated = errors.New("election already tabulated")

	// ErrResultsStale is returned when a snapshot was computed from fewer
	// ballots than are stored; the caller recomputes.
	ErrResultsStale = errors.New("results computed from a stale ballot set")
)

// ReasonElectionTabulated is the dead-letter code for ballots refused because
// results were already recorded.
const ReasonElectionTabulated = "election_tabulated"

// TabulatedError returns the poison error storage reports for a ballot that
// arrives after tabulation.
func TabulatedError() error {
	return &PoisonMessageError{Reason: ReasonElectionTabulated, Err: ErrElectionTabulated}
}

// IneligibilityReason is a stable, user-facing code.
type IneligibilityReason string

const (
	ReasonMembershipInactive  IneligibilityReason = "membership_inactive"
	ReasonDuesUnpaid          IneligibilityReason = "dues_unpaid"
	ReasonRoleNotAllowed      IneligibilityReason = "role_not_allowed"
	ReasonElectionNotActive   IneligibilityReason = "election_not_active"
	ReasonOutsideVotingWindow IneligibilityReason = "outside_voting_window"
	ReasonAlreadyIssued       IneligibilityReason = "already_issued"
)

// IneligibilityError is returned when a member may not receive a credential.
type IneligibilityError struct {
	ElectionID string
	Reason     IneligibilityReason
}

func (e *IneligibilityError) Error() string {
	return fmt.Sprintf("not eligible for election %s: %s", e.ElectionID, e.Reason)
}

// CredentialReason explains a failed validation. Only audit and metrics see it.
type CredentialReason string

const (
	CredentialNotFound          CredentialReason = "not_found"
	CredentialExpired           CredentialReason = "expired"
	CredentialAlreadyUsed       CredentialReason = "already_used"
	CredentialElectionNotActive CredentialReason = "election_not_active"
)

// InvalidCredentialError is returned by validation. All reasons share one
// public message.
type InvalidCredentialError struct {
	Reason     CredentialReason
	ElectionID string
}

func (e *InvalidCredentialError) Error() string {
	return "invalid credential: " + string(e.Reason)
}

// PublicMessage is what callers outside the service are told.
func (e *InvalidCredentialError) PublicMessage() string {
	return "credential is not valid for voting"
}

// SchemaValidationError lists every problem found in a ballot.
type SchemaValidationError struct {
	Problems []string
}

func (e *SchemaValidationError) Error() string {
	return "invalid ballot: " + strings.Join(e.Problems, "; ")
}

// TransientPersistenceError wraps a storage failure that may succeed on redelivery.
type TransientPersistenceError struct {
	Err error
}

func (e *TransientPersistenceError) Error() string { return "transient persistence error: " + e.Err.Error() }
func (e *TransientPersistenceError) Unwrap() error { return e.Err }

// PoisonMessageError marks a queue message that can never be persisted.
type PoisonMessageError struct {
	Reason string
	Err    error
}

func (e *PoisonMessageError) Error() string {
	if e.Err != nil {
		return "poison message: " + e.Reason + ": " + e.Err.Error()
	}
	return "poison message: " + e.Reason
}

func (e *PoisonMessageError) Unwrap() error { return e.Err }

// ElectionStateError is returned when an operation is not allowed in the
// election's current lifecycle state.
type ElectionStateError struct {
	ElectionID string
	Status     Status
	Op         string
}

func (e *ElectionStateError) Error() string {
	return fmt.Sprintf("cannot %s election %s in status %s", e.Op, e.ElectionID, e.Status)
}

// IsTransient reports whether err should be retried by redelivery.
func IsTransient(err error) bool {
	var t *TransientPersistenceError
	return errors.As(err, &t)
}
