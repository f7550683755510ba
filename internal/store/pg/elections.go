package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
)

const electionColumns = `id, title, starts_at, ends_at, status, require_dues, allowed_roles, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanElection(row rowScanner) (election.Election, error) {
	var (
		e     election.Election
		roles []byte
	)
	if err := row.Scan(&e.ID, &e.Title, &e.StartsAt, &e.EndsAt, &e.Status,
		&e.Eligibility.RequireDues, &roles, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return election.Election{}, err
	}
	if len(roles) > 0 {
		if err := json.Unmarshal(roles, &e.Eligibility.AllowedRoles); err != nil {
			return election.Election{}, fmt.Errorf("decode allowed roles: %w", err)
		}
	}
	if len(e.Eligibility.AllowedRoles) == 0 {
		e.Eligibility.AllowedRoles = nil
	}
	return e, nil
}

func encodeRoles(roles []string) ([]byte, error) {
	if roles == nil {
		roles = []string{}
	}
	return json.Marshal(roles)
}

func (s *Store) CreateElection(ctx context.Context, e election.Election) error {
	roles, err := encodeRoles(e.Eligibility.AllowedRoles)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into elections (`+electionColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.Title, e.StartsAt, e.EndsAt, string(e.Status), e.Eligibility.RequireDues, roles, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && (pgErr.Code == pgErrUniqueViolation || pgErr.Code == pgErrCheckViolation) {
			return election.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) GetElection(ctx context.Context, id string) (election.Election, error) {
	e, err := scanElection(s.db.QueryRowContext(ctx, `select `+electionColumns+` from elections where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return election.Election{}, election.ErrNotFound
	}
	return e, err
}

// stateError reports why a guarded update touched no row.
func (s *Store) stateError(ctx context.Context, q queryer, id, op string) error {
	var status string
	err := q.QueryRowContext(ctx, `select status from elections where id=$1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return election.ErrNotFound
	}
	if err != nil {
		return err
	}
	return &election.ElectionStateError{ElectionID: id, Status: election.Status(status), Op: op}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) UpdateDraft(ctx context.Context, e election.Election) error {
	roles, err := encodeRoles(e.Eligibility.AllowedRoles)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update elections
		set title=$2, starts_at=$3, ends_at=$4, require_dues=$5, allowed_roles=$6, updated_at=$7
		where id=$1 and status='draft'
	`, e.ID, e.Title, e.StartsAt, e.EndsAt, e.Eligibility.RequireDues, roles, e.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrCheckViolation {
			return election.ErrInvalidInput
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.stateError(ctx, s.db, e.ID, "edit")
	}
	return nil
}

func (s *Store) AddQuestion(ctx context.Context, q election.Question) error {
	options, err := json.Marshal(q.Options)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `select status from elections where id=$1 for update`, q.ElectionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return election.ErrNotFound
	}
	if err != nil {
		return err
	}
	if election.Status(status) != election.StatusDraft {
		return &election.ElectionStateError{ElectionID: q.ElectionID, Status: election.Status(status), Op: "add question to"}
	}
	if _, err := tx.ExecContext(ctx, `
		insert into questions (id, election_id, position, prompt, ballot_type, options, required)
		values ($1, $2, (select coalesce(max(position)+1, 0) from questions where election_id=$2), $3, $4, $5, $6)
	`, q.ID, q.ElectionID, q.Prompt, string(q.Type), options, q.Required); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return election.ErrInvalidInput
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) Questions(ctx context.Context, electionID string) ([]election.Question, error) {
	rows, err := s.db.QueryContext(ctx, `
		select q.id, q.position, q.prompt, q.ballot_type, q.options, q.required
		from elections e
		left join questions q on q.election_id = e.id
		where e.id=$1
		order by q.position
	`, electionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := false
	var out []election.Question
	for rows.Next() {
		found = true
		var (
			id, prompt, typ sql.NullString
			position        sql.NullInt64
			options         []byte
			required        sql.NullBool
		)
		if err := rows.Scan(&id, &position, &prompt, &typ, &options, &required); err != nil {
			return nil, err
		}
		if !id.Valid {
			continue
		}
		q := election.Question{
			ID:         id.String,
			ElectionID: electionID,
			Position:   int(position.Int64),
			Prompt:     prompt.String,
			Type:       election.BallotType(typ.String),
			Required:   required.Bool,
		}
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return nil, fmt.Errorf("decode options of question %s: %w", q.ID, err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, election.ErrNotFound
	}
	return out, nil
}

func (s *Store) TransitionStatus(ctx context.Context, id string, from, to election.Status, at time.Time) error {
	if !from.CanTransition(to) {
		return &election.ElectionStateError{ElectionID: id, Status: from, Op: "move to " + string(to)}
	}
	res, err := s.db.ExecContext(ctx, `
		update elections
		set status=$3,
		    starts_at = case when $3 = 'active' and starts_at > $4 then $4 else starts_at end,
		    updated_at=$4
		where id=$1 and status=$2
	`, id, string(from), string(to), at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.stateError(ctx, s.db, id, "move to "+string(to))
	}
	return nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time) ([]election.Election, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+electionColumns+` from elections
		where status='draft' and starts_at <= $1 and ends_at > $1
		order by id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []election.Election
	for rows.Next() {
		e, err := scanElection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
