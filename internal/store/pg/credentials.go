package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
)

// IssueCredential writes the issuance row and the credential hash in one
// transaction. The two tables share no key.
func (s *Store) IssueCredential(ctx context.Context, iss election.Issuance, c election.Credential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		insert into credential_issuances (election_id, member_ref, issued_at)
		values ($1,$2,$3)
		on conflict (election_id, member_ref) do nothing
	`, iss.ElectionID, iss.MemberRef, iss.IssuedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return election.ErrNotFound
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return election.ErrAlreadyIssued
	}
	if _, err := tx.ExecContext(ctx, `
		insert into credentials (hash, election_id, expires_at, created_at)
		values ($1,$2,$3,$4)
	`, c.Hash, c.ElectionID, c.ExpiresAt, c.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return election.ErrInvalidInput
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) HasIssuance(ctx context.Context, electionID, memberRef string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from credential_issuances where election_id=$1 and member_ref=$2)
	`, electionID, memberRef).Scan(&ok)
	return ok, err
}

func (s *Store) LookupCredential(ctx context.Context, hash string) (election.Credential, error) {
	var (
		c    election.Credential
		used sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select hash, election_id, expires_at, used_at, created_at from credentials where hash=$1
	`, hash).Scan(&c.Hash, &c.ElectionID, &c.ExpiresAt, &used, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return election.Credential{}, election.ErrNotFound
	}
	if err != nil {
		return election.Credential{}, err
	}
	c.UsedAt = nullTime(used)
	return c, nil
}

// ConsumeCredential spends the credential in a single conditional update, so
// of any number of concurrent callers exactly one gets a row back.
func (s *Store) ConsumeCredential(ctx context.Context, hash string, now time.Time) (string, error) {
	var electionID string
	err := s.db.QueryRowContext(ctx, `
		update credentials c
		set used_at=$2
		from elections e
		where c.hash=$1
		  and c.used_at is null
		  and c.expires_at > $2
		  and e.id=c.election_id
		  and e.status='active'
		returning c.election_id
	`, hash, now).Scan(&electionID)
	if err == nil {
		return electionID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	return "", s.diagnoseCredential(ctx, hash, now)
}

// diagnoseCredential explains a refused consume. The order matters: a spent
// credential reads as already_used even after it expired.
func (s *Store) diagnoseCredential(ctx context.Context, hash string, now time.Time) error {
	var (
		electionID string
		expiresAt  time.Time
		used       sql.NullTime
		status     string
	)
	err := s.db.QueryRowContext(ctx, `
		select c.election_id, c.expires_at, c.used_at, e.status
		from credentials c
		join elections e on e.id = c.election_id
		where c.hash=$1
	`, hash).Scan(&electionID, &expiresAt, &used, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return &election.InvalidCredentialError{Reason: election.CredentialNotFound}
	}
	if err != nil {
		return err
	}
	switch {
	case used.Valid:
		return &election.InvalidCredentialError{Reason: election.CredentialAlreadyUsed, ElectionID: electionID}
	case !now.Before(expiresAt):
		return &election.InvalidCredentialError{Reason: election.CredentialExpired, ElectionID: electionID}
	default:
		return &election.InvalidCredentialError{Reason: election.CredentialElectionNotActive, ElectionID: electionID}
	}
}
