package pg

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/audit"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumeCredentialReturnsElection(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("update credentials c").WithArgs("h1", now).
		WillReturnRows(sqlmock.NewRows([]string{"election_id"}).AddRow("e1"))

	id, err := s.ConsumeCredential(context.Background(), "h1", now)
	if err != nil {
		t.Fatalf("ConsumeCredential: %v", err)
	}
	if id != "e1" {
		t.Fatalf("election id = %q", id)
	}
	expectationsMet(t, mock)
}

func TestConsumeCredentialDiagnosesRefusal(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"election_id", "expires_at", "used_at", "status"}
	cases := []struct {
		name string
		rows *sqlmock.Rows
		want election.CredentialReason
	}{
		{"missing", sqlmock.NewRows(cols), election.CredentialNotFound},
		{"used", sqlmock.NewRows(cols).AddRow("e1", now.Add(-time.Hour), now.Add(-2*time.Hour), "active"), election.CredentialAlreadyUsed},
		{"expired at instant", sqlmock.NewRows(cols).AddRow("e1", now, nil, "active"), election.CredentialExpired},
		{"closed", sqlmock.NewRows(cols).AddRow("e1", now.Add(time.Hour), nil, "closed"), election.CredentialElectionNotActive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectQuery("update credentials c").WillReturnRows(sqlmock.NewRows([]string{"election_id"}))
			mock.ExpectQuery("from credentials c\\s+join elections e").WithArgs("h1").WillReturnRows(tc.rows)

			_, err := s.ConsumeCredential(context.Background(), "h1", now)
			var ic *election.InvalidCredentialError
			if !errors.As(err, &ic) {
				t.Fatalf("expected InvalidCredentialError, got %v", err)
			}
			if ic.Reason != tc.want {
				t.Fatalf("reason = %s, want %s", ic.Reason, tc.want)
			}
			expectationsMet(t, mock)
		})
	}
}

func TestIssueCredentialRefusesSecondIssuance(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into credential_issuances").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.IssueCredential(context.Background(),
		election.Issuance{ElectionID: "e1", MemberRef: "ref"},
		election.Credential{Hash: "h1", ElectionID: "e1"})
	if !errors.Is(err, election.ErrAlreadyIssued) {
		t.Fatalf("expected ErrAlreadyIssued, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestIssueCredentialWritesBothRows(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into credential_issuances").WithArgs("e1", "ref", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into credentials").WithArgs("h1", "e1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.IssueCredential(context.Background(),
		election.Issuance{ElectionID: "e1", MemberRef: "ref"},
		election.Credential{Hash: "h1", ElectionID: "e1"})
	if err != nil {
		t.Fatalf("IssueCredential: %v", err)
	}
	expectationsMet(t, mock)
}

func TestInsertBallotClassifiesErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		result int64
		check  func(error) bool
	}{
		{"inserted", nil, 1, func(err error) bool { return err == nil }},
		{"conflict", nil, 0, func(err error) bool { return errors.Is(err, election.ErrDuplicateBallot) }},
		{"unique", &pgconn.PgError{Code: pgErrUniqueViolation}, 0, func(err error) bool { return errors.Is(err, election.ErrDuplicateBallot) }},
		{"foreign key", &pgconn.PgError{Code: pgErrForeignKeyViolation}, 0, func(err error) bool {
			var p *election.PoisonMessageError
			return errors.As(err, &p)
		}},
		{"bad json", &pgconn.PgError{Code: "22P02"}, 0, func(err error) bool {
			var p *election.PoisonMessageError
			return errors.As(err, &p)
		}},
		{"connection", errors.New("connection reset"), 0, election.IsTransient},
		{"serialization", &pgconn.PgError{Code: "40001"}, 0, election.IsTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectBegin()
			expectElectionOpen(mock, "e1", false)
			exp := mock.ExpectExec("insert into ballots")
			switch {
			case tc.err != nil:
				exp.WillReturnError(tc.err)
				mock.ExpectRollback()
			case tc.result == 0:
				exp.WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectRollback()
			default:
				exp.WillReturnResult(sqlmock.NewResult(0, tc.result))
				mock.ExpectCommit()
			}
			err := s.InsertBallot(context.Background(), election.Ballot{
				ID: "b1", ElectionID: "e1", CredentialHash: "h1", IdempotencyKey: "k1",
				Answers: json.RawMessage(`{"q1":{"choice":"yes"}}`),
			})
			if !tc.check(err) {
				t.Fatalf("unexpected error classification: %v", err)
			}
			expectationsMet(t, mock)
		})
	}
}

func expectElectionOpen(mock sqlmock.Sqlmock, electionID string, tabulated bool) {
	mock.ExpectQuery("from elections where id=\\$1 for share").WithArgs(electionID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tabulated))
}

func TestInsertBallotAfterTabulation(t *testing.T) {
	cases := []struct {
		name   string
		stored bool
		check  func(error) bool
	}{
		{"new ballot refused", false, func(err error) bool {
			var p *election.PoisonMessageError
			return errors.As(err, &p) && p.Reason == election.ReasonElectionTabulated &&
				errors.Is(err, election.ErrElectionTabulated)
		}},
		{"redelivery acks", true, func(err error) bool { return errors.Is(err, election.ErrDuplicateBallot) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectBegin()
			expectElectionOpen(mock, "e1", true)
			mock.ExpectQuery("select exists\\(select 1 from ballots").WithArgs("k1", "e1", "h1").
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tc.stored))
			mock.ExpectRollback()

			err := s.InsertBallot(context.Background(), election.Ballot{
				ID: "b1", ElectionID: "e1", CredentialHash: "h1", IdempotencyKey: "k1",
				Answers: json.RawMessage(`{"q1":{"choice":"yes"}}`),
			})
			if !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			expectationsMet(t, mock)
		})
	}
}

func TestInsertBallotUnknownElection(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("for share").WithArgs("gone").WillReturnRows(sqlmock.NewRows([]string{"exists"}))
	mock.ExpectRollback()

	err := s.InsertBallot(context.Background(), election.Ballot{ID: "b1", ElectionID: "gone", CredentialHash: "h1", IdempotencyKey: "k1"})
	var p *election.PoisonMessageError
	if !errors.As(err, &p) || p.Reason != "unknown_election" {
		t.Fatalf("expected unknown_election poison, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestTransitionStatusReportsCurrentState(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now()
	mock.ExpectExec("update elections").WithArgs("e1", "active", "closed", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select status from elections").WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("closed"))

	err := s.TransitionStatus(context.Background(), "e1", election.StatusActive, election.StatusClosed, at)
	var se *election.ElectionStateError
	if !errors.As(err, &se) || se.Status != election.StatusClosed {
		t.Fatalf("expected state error in closed, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestTransitionStatusRejectsBackwardsWithoutQuery(t *testing.T) {
	s, mock := newMock(t)
	err := s.TransitionStatus(context.Background(), "e1", election.StatusClosed, election.StatusActive, time.Now())
	var se *election.ElectionStateError
	if !errors.As(err, &se) {
		t.Fatalf("expected state error, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestGetElectionDecodesEligibility(t *testing.T) {
	s, mock := newMock(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from elections where id").WithArgs("e1").WillReturnRows(
		sqlmock.NewRows([]string{"id", "title", "starts_at", "ends_at", "status", "require_dues", "allowed_roles", "created_at", "updated_at"}).
			AddRow("e1", "Board", start, start.Add(time.Hour), "draft", true, []byte(`["member"]`), start, start))

	e, err := s.GetElection(context.Background(), "e1")
	if err != nil {
		t.Fatalf("GetElection: %v", err)
	}
	if e.Status != election.StatusDraft || !e.Eligibility.RequireDues || len(e.Eligibility.AllowedRoles) != 1 {
		t.Fatalf("unexpected election %+v", e)
	}
	expectationsMet(t, mock)
}

func TestQuestionsDistinguishesMissingElection(t *testing.T) {
	s, mock := newMock(t)
	cols := []string{"id", "position", "prompt", "ballot_type", "options", "required"}
	mock.ExpectQuery("left join questions").WithArgs("nope").WillReturnRows(sqlmock.NewRows(cols))
	if _, err := s.Questions(context.Background(), "nope"); !errors.Is(err, election.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectQuery("left join questions").WithArgs("empty").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(nil, nil, nil, nil, nil, nil))
	qs, err := s.Questions(context.Background(), "empty")
	if err != nil || len(qs) != 0 {
		t.Fatalf("expected no questions, got %v %v", qs, err)
	}

	mock.ExpectQuery("left join questions").WithArgs("e1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("q1", 0, "Adopt?", "binary", []byte(`[{"id":"yes","label":"Yes"},{"id":"no","label":"No"}]`), true))
	qs, err = s.Questions(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Questions: %v", err)
	}
	if len(qs) != 1 || !qs[0].HasOption("no") || qs[0].Type != election.BallotBinary {
		t.Fatalf("unexpected questions %+v", qs)
	}
	expectationsMet(t, mock)
}

func TestSaveResultsSecondVersionWriteFails(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	expectResultsLock(mock, "e1", 3)
	mock.ExpectExec("insert into result_snapshots").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	err := s.SaveResults(context.Background(), election.Results{
		ElectionID: "e1",
		Version:    1,
		Ballots:    3,
		Questions:  []election.QuestionResult{{QuestionID: "q1", Type: election.BallotBinary}},
	})
	if !errors.Is(err, election.ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
	expectationsMet(t, mock)
}

func expectResultsLock(mock sqlmock.Sqlmock, electionID string, stored int) {
	mock.ExpectQuery("from elections where id=\\$1 for update").WithArgs(electionID).
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery("select count\\(\\*\\) from ballots").WithArgs(electionID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(stored))
}

func TestSaveResultsChecksBallotCount(t *testing.T) {
	cases := []struct {
		name   string
		stored int
		want   error
	}{
		{"matches", 2, nil},
		{"ballot landed after tabulation", 3, election.ErrResultsStale},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMock(t)
			mock.ExpectBegin()
			expectResultsLock(mock, "e1", tc.stored)
			if tc.want == nil {
				mock.ExpectExec("insert into result_snapshots").
					WithArgs(sqlmock.AnyArg(), "e1", "q1", 1, false, "", sqlmock.AnyArg(), sqlmock.AnyArg(), 2).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			} else {
				mock.ExpectRollback()
			}

			err := s.SaveResults(context.Background(), election.Results{
				ElectionID: "e1",
				Version:    1,
				Ballots:    2,
				ComputedAt: time.Now(),
				Questions:  []election.QuestionResult{{QuestionID: "q1", Type: election.BallotBinary}},
			})
			if !errors.Is(err, tc.want) {
				t.Fatalf("SaveResults: got %v, want %v", err, tc.want)
			}
			expectationsMet(t, mock)
		})
	}
}

func TestSaveResultsUnknownElection(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("gone").WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectRollback()

	if err := s.SaveResults(context.Background(), election.Results{ElectionID: "gone", Version: 1}); !errors.Is(err, election.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestLatestResultsReadsHighestVersion(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	payload, _ := json.Marshal(election.QuestionResult{QuestionID: "q1", Type: election.BallotBinary, Winners: []string{"yes"}})
	mock.ExpectQuery("from result_snapshots r").WithArgs("e1").WillReturnRows(
		sqlmock.NewRows([]string{"version", "override", "reason", "payload", "computed_at", "ballots"}).
			AddRow(2, true, "recount", payload, at, 7))

	r, err := s.LatestResults(context.Background(), "e1")
	if err != nil {
		t.Fatalf("LatestResults: %v", err)
	}
	if r.Version != 2 || !r.Override || r.Ballots != 7 || len(r.Questions) != 1 || r.Questions[0].Winners[0] != "yes" {
		t.Fatalf("unexpected results %+v", r)
	}

	mock.ExpectQuery("from result_snapshots r").WithArgs("e2").WillReturnRows(
		sqlmock.NewRows([]string{"version", "override", "reason", "payload", "computed_at", "ballots"}))
	if _, err := s.LatestResults(context.Background(), "e2"); !errors.Is(err, election.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestAppendAuditEvent(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into audit_events").
		WithArgs("ev1", sqlmock.AnyArg(), audit.ActionElectionClosed, audit.ResourceElection, "e1", "success", "", "admin", "req-1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Append(context.Background(), audit.Event{
		ID:           "ev1",
		OccurredAt:   time.Now(),
		Action:       audit.ActionElectionClosed,
		ResourceType: audit.ResourceElection,
		ResourceID:   "e1",
		Outcome:      audit.OutcomeSuccess,
		Actor:        "admin",
		RequestID:    "req-1",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	expectationsMet(t, mock)
}
