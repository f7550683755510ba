package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/audit"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
)

var start = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	store     *election.InMemory
	events    *audit.InMemory
	issuer    *Issuer
	validator *Validator
	now       time.Time
	mu        sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T, policy election.Eligibility, opts ...IssuerOption) (*fixture, election.Election) {
	t.Helper()
	f := &fixture{store: election.NewInMemory(), events: audit.NewInMemory(), now: start.Add(time.Minute)}
	ctx := context.Background()
	e := election.Election{ID: "el-1", Title: "Board", StartsAt: start, EndsAt: start.Add(2 * time.Hour), Status: election.StatusDraft, Eligibility: policy}
	if err := f.store.CreateElection(ctx, e); err != nil {
		t.Fatalf("CreateElection: %v", err)
	}
	if err := f.store.TransitionStatus(ctx, e.ID, election.StatusDraft, election.StatusActive, start); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}
	log := audit.NewLog(f.events, f.clock)
	opts = append([]IssuerOption{WithClock(f.clock), WithTTL(30 * time.Minute)}, opts...)
	issuer, err := NewIssuer(f.store, log, []byte("pepper"), opts...)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	f.issuer = issuer
	f.validator = NewValidator(f.store, log, f.clock)
	return f, e
}

func activeMember(id string) election.MemberClaims {
	return election.MemberClaims{MemberID: id, Status: "active", DuesPaid: true, Roles: []string{"member"}}
}

func TestTokenProperties(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	b, _ := NewToken()
	if a == b {
		t.Fatalf("tokens must differ")
	}
	if len(a) != 43 {
		t.Fatalf("expected 43 base64url chars for 256 bits, got %d", len(a))
	}
	if HashToken(a) == a || len(HashToken(a)) != 64 {
		t.Fatalf("unexpected hash %q", HashToken(a))
	}
	if MemberRef([]byte("p1"), "m1") == MemberRef([]byte("p2"), "m1") {
		t.Fatalf("member reference must depend on the pepper")
	}
}

func TestIssueStoresOnlyHash(t *testing.T) {
	f, e := newFixture(t, election.Eligibility{})
	issued, err := f.issuer.RequestCredential(context.Background(), e.ID, activeMember("m1"))
	if err != nil {
		t.Fatalf("RequestCredential: %v", err)
	}
	if !issued.ExpiresAt.Equal(f.now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", issued.ExpiresAt)
	}
	if _, err := f.store.LookupCredential(context.Background(), issued.Credential); !errors.Is(err, election.ErrNotFound) {
		t.Fatalf("raw token must not be a lookup key")
	}
	if _, err := f.store.LookupCredential(context.Background(), HashToken(issued.Credential)); err != nil {
		t.Fatalf("hash should be stored: %v", err)
	}
	for _, ev := range f.events.Events() {
		if ev.Actor == "m1" || ev.Reason == issued.Credential {
			t.Fatalf("audit leaked identity or credential: %+v", ev)
		}
	}
}

func TestExpiryCappedAtElectionEnd(t *testing.T) {
	f, e := newFixture(t, election.Eligibility{}, WithTTL(24*time.Hour))
	issued, err := f.issuer.RequestCredential(context.Background(), e.ID, activeMember("m1"))
	if err != nil {
		t.Fatalf("RequestCredential: %v", err)
	}
	if !issued.ExpiresAt.Equal(e.EndsAt) {
		t.Fatalf("expected expiry at election end, got %v", issued.ExpiresAt)
	}
}

func TestEligibilityOrder(t *testing.T) {
	policy := election.Eligibility{RequireDues: true, AllowedRoles: []string{"delegate"}}
	cases := []struct {
		name   string
		claims election.MemberClaims
		reason election.IneligibilityReason
	}{
		{"inactive beats everything", election.MemberClaims{MemberID: "m", Status: "lapsed"}, election.ReasonMembershipInactive},
		{"dues before roles", election.MemberClaims{MemberID: "m", Status: "active"}, election.ReasonDuesUnpaid},
		{"role not allowed", election.MemberClaims{MemberID: "m", Status: "active", DuesPaid: true, Roles: []string{"member"}}, election.ReasonRoleNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, e := newFixture(t, policy)
			_, err := f.issuer.RequestCredential(context.Background(), e.ID, tc.claims)
			var inel *election.IneligibilityError
			if !errors.As(err, &inel) || inel.Reason != tc.reason {
				t.Fatalf("expected %s, got %v", tc.reason, err)
			}
		})
	}
}

func TestIssueOutsideWindowAndClosed(t *testing.T) {
	f, e := newFixture(t, election.Eligibility{})
	f.advance(3 * time.Hour)
	_, err := f.issuer.RequestCredential(context.Background(), e.ID, activeMember("m1"))
	var inel *election.IneligibilityError
	if !errors.As(err, &inel) || inel.Reason != election.ReasonOutsideVotingWindow {
		t.Fatalf("expected outside_voting_window, got %v", err)
	}

	if err := f.store.TransitionStatus(context.Background(), e.ID, election.StatusActive, election.StatusClosed, f.clock()); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = f.issuer.RequestCredential(context.Background(), e.ID, activeMember("m1"))
	if !errors.As(err, &inel) || inel.Reason != election.ReasonElectionNotActive {
		t.Fatalf("expected election_not_active, got %v", err)
	}
}

func TestRepeatRequestIsAlreadyIssued(t *testing.T) {
	f, e := newFixture(t, election.Eligibility{})
	ctx := context.Background()
	if _, err := f.issuer.RequestCredential(ctx, e.ID, activeMember("m1")); err != nil {
		t.Fatalf("first request: %v", err)
	}
	for i := 0; i < 2; i++ {
		_, err := f.issuer.RequestCredential(ctx, e.ID, activeMember("m1"))
		var inel *election.IneligibilityError
		if !errors.As(err, &inel) || inel.Reason != election.ReasonAlreadyIssued {
			t.Fatalf("attempt %d: expected already_issued, got %v", i, err)
		}
	}
}

func TestConcurrentIssuanceSingleCredential(t *testing.T) {
	f, e := newFixture(t, election.Eligibility{})
	var ok int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.issuer.RequestCredential(context.Background(), e.ID, activeMember("m1")); err == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()
	if ok != 1 {
		t.Fatalf("expected exactly one issuance, got %d", ok)
	}
}

func TestMemberRateLimit(t *testing.T) {
	f, e := newFixture(t, election.Eligibility{}, WithMemberRateLimit(0.001, 1))
	ctx := context.Background()
	if _, err := f.issuer.RequestCredential(ctx, e.ID, activeMember("m1")); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := f.issuer.RequestCredential(ctx, e.ID, activeMember("m1")); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if _, err := f.issuer.RequestCredential(ctx, e.ID, activeMember("m2")); err != nil {
		t.Fatalf("other member should not be limited: %v", err)
	}
}

func TestMemberLimiterSweepsIdleBuckets(t *testing.T) {
	m := newMemberLimiter(rate.Limit(0.001), 1)
	now := start
	for _, ref := range []string{"a", "b", "c"} {
		if !m.allow(ref, now) {
			t.Fatalf("first request for %s refused", ref)
		}
	}
	if m.allow("a", now.Add(time.Minute)) {
		t.Fatal("second request inside the window must be refused")
	}

	later := now.Add(m.ttl + 2*time.Minute)
	if !m.allow("d", later) {
		t.Fatal("new member refused")
	}
	m.mu.Lock()
	n := len(m.buckets)
	_, kept := m.buckets["a"]
	m.mu.Unlock()
	if n != 1 || kept {
		t.Fatalf("idle buckets not swept: %d left", n)
	}
}

func TestValidateConcurrentExactlyOnce(t *testing.T) {
	f, e := newFixture(t, election.Eligibility{})
	issued, err := f.issuer.RequestCredential(context.Background(), e.ID, activeMember("m1"))
	if err != nil {
		t.Fatalf("RequestCredential: %v", err)
	}

	var successes, alreadyUsed int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.validator.Validate(context.Background(), issued.Credential)
			if err == nil {
				if v.ElectionID != e.ID {
					t.Errorf("unexpected election %q", v.ElectionID)
				}
				atomic.AddInt32(&successes, 1)
				return
			}
			var invalid *election.InvalidCredentialError
			if errors.As(err, &invalid) && invalid.Reason == election.CredentialAlreadyUsed {
				atomic.AddInt32(&alreadyUsed, 1)
			}
		}()
	}
	wg.Wait()
	if successes != 1 || alreadyUsed != 1 {
		t.Fatalf("expected 1 success and 1 already_used, got %d/%d", successes, alreadyUsed)
	}
}

func TestValidateAtExpiryInstant(t *testing.T) {
	f, e := newFixture(t, election.Eligibility{})
	issued, err := f.issuer.RequestCredential(context.Background(), e.ID, activeMember("m1"))
	if err != nil {
		t.Fatalf("RequestCredential: %v", err)
	}
	f.advance(issued.ExpiresAt.Sub(f.clock()))

	_, err = f.validator.Validate(context.Background(), issued.Credential)
	var invalid *election.InvalidCredentialError
	if !errors.As(err, &invalid) || invalid.Reason != election.CredentialExpired {
		t.Fatalf("expected expired, got %v", err)
	}
	if invalid.PublicMessage() != (&election.InvalidCredentialError{Reason: election.CredentialNotFound}).PublicMessage() {
		t.Fatalf("public message must not depend on reason")
	}

	last := f.events.Events()[len(f.events.Events())-1]
	if last.Action != audit.ActionCredentialRejected || last.Reason != string(election.CredentialExpired) {
		t.Fatalf("unexpected audit event: %+v", last)
	}
}

func TestValidateUnknownAndEmpty(t *testing.T) {
	f, _ := newFixture(t, election.Eligibility{})
	for _, raw := range []string{"", "not-a-real-token"} {
		_, err := f.validator.Validate(context.Background(), raw)
		var invalid *election.InvalidCredentialError
		if !errors.As(err, &invalid) || invalid.Reason != election.CredentialNotFound {
			t.Fatalf("%q: expected not_found, got %v", raw, err)
		}
	}
}
