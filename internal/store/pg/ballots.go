package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/ids"
)

// InsertBallot appends b. Either uniqueness constraint firing means the
// ballot is already stored, which the caller treats as success. The election
// row is share-locked so the insert cannot interleave with SaveResults; once a
// snapshot exists new ballots are refused.
func (s *Store) InsertBallot(ctx context.Context, b election.Ballot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &election.TransientPersistenceError{Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var tabulated bool
	err = tx.QueryRowContext(ctx, `
		select exists(select 1 from result_snapshots where election_id=$1)
		from elections where id=$1 for share
	`, b.ElectionID).Scan(&tabulated)
	if errors.Is(err, sql.ErrNoRows) {
		return &election.PoisonMessageError{Reason: "unknown_election"}
	}
	if err != nil {
		return classifyBallotError(err)
	}
	if tabulated {
		var stored bool
		err := tx.QueryRowContext(ctx, `
			select exists(select 1 from ballots
				where idempotency_key=$1 or (election_id=$2 and credential_hash=$3))
		`, b.IdempotencyKey, b.ElectionID, b.CredentialHash).Scan(&stored)
		if err != nil {
			return classifyBallotError(err)
		}
		if stored {
			return election.ErrDuplicateBallot
		}
		return election.TabulatedError()
	}

	res, err := tx.ExecContext(ctx, `
		insert into ballots (id, election_id, credential_hash, idempotency_key, answers, submitted_at, persisted_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict do nothing
	`, b.ID, b.ElectionID, b.CredentialHash, b.IdempotencyKey, []byte(b.Answers), b.SubmittedAt, b.PersistedAt)
	if err != nil {
		return classifyBallotError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return election.ErrDuplicateBallot
	}
	if err := tx.Commit(); err != nil {
		return classifyBallotError(err)
	}
	return nil
}

func classifyBallotError(err error) error {
	pgErr, ok := maybePgError(err)
	if !ok {
		return &election.TransientPersistenceError{Err: err}
	}
	switch {
	case pgErr.Code == pgErrUniqueViolation:
		return election.ErrDuplicateBallot
	case pgErr.Code == pgErrForeignKeyViolation:
		return &election.PoisonMessageError{Reason: "integrity_violation", Err: err}
	case pgErr.Code == pgErrCheckViolation, pgErr.Code == pgErrNotNullViolation,
		strings.HasPrefix(pgErr.Code, "22"):
		// class 22: data exceptions, e.g. malformed json
		return &election.PoisonMessageError{Reason: "integrity_violation", Err: err}
	}
	return &election.TransientPersistenceError{Err: err}
}

func (s *Store) BallotPersisted(ctx context.Context, idempotencyKey string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from ballots where idempotency_key=$1)
	`, idempotencyKey).Scan(&ok)
	return ok, err
}

// ListBallots returns ballots in insertion order. The credential hash is not
// read back.
func (s *Store) ListBallots(ctx context.Context, electionID string) ([]election.Ballot, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, idempotency_key, answers, submitted_at, persisted_at
		from ballots where election_id=$1
		order by persisted_at, id
	`, electionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []election.Ballot
	for rows.Next() {
		b := election.Ballot{ElectionID: electionID}
		var answers []byte
		if err := rows.Scan(&b.ID, &b.IdempotencyKey, &answers, &b.SubmittedAt, &b.PersistedAt); err != nil {
			return nil, err
		}
		b.Answers = json.RawMessage(answers)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) CountBallots(ctx context.Context, electionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from ballots where election_id=$1`, electionID).Scan(&n)
	return n, err
}

// SaveResults writes one snapshot row per question. The unique
// (election, question, version) key makes a concurrent second close fail.
// The election row is locked and the stored ballot count must equal
// r.Ballots, otherwise election.ErrResultsStale is returned.
func (s *Store) SaveResults(ctx context.Context, r election.Results) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `select 1 from elections where id=$1 for update`, r.ElectionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return election.ErrNotFound
	}
	if err != nil {
		return err
	}
	var stored int
	if err := tx.QueryRowContext(ctx, `select count(*) from ballots where election_id=$1`, r.ElectionID).Scan(&stored); err != nil {
		return err
	}
	if stored != r.Ballots {
		return election.ErrResultsStale
	}

	for _, q := range r.Questions {
		payload, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("encode result of question %s: %w", q.QuestionID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into result_snapshots (id, election_id, question_id, version, override, reason, payload, computed_at, ballots)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, ids.New(), r.ElectionID, q.QuestionID, r.Version, r.Override, r.Reason, payload, r.ComputedAt, r.Ballots); err != nil {
			if pgErr, ok := maybePgError(err); ok {
				switch pgErr.Code {
				case pgErrUniqueViolation:
					return election.ErrAlreadyClosed
				case pgErrForeignKeyViolation:
					return election.ErrNotFound
				}
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) LatestResults(ctx context.Context, electionID string) (election.Results, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.version, r.override, r.reason, r.payload, r.computed_at, r.ballots
		from result_snapshots r
		join questions q on q.id = r.question_id
		where r.election_id=$1
		  and r.version = (select max(version) from result_snapshots where election_id=$1)
		order by q.position
	`, electionID)
	if err != nil {
		return election.Results{}, err
	}
	defer rows.Close()

	res := election.Results{ElectionID: electionID}
	for rows.Next() {
		var (
			payload []byte
			q       election.QuestionResult
		)
		if err := rows.Scan(&res.Version, &res.Override, &res.Reason, &payload, &res.ComputedAt, &res.Ballots); err != nil {
			return election.Results{}, err
		}
		if err := json.Unmarshal(payload, &q); err != nil {
			return election.Results{}, fmt.Errorf("decode result snapshot: %w", err)
		}
		res.Questions = append(res.Questions, q)
	}
	if err := rows.Err(); err != nil {
		return election.Results{}, err
	}
	if res.Version == 0 {
		return election.Results{}, election.ErrNotFound
	}
	return res, nil
}
