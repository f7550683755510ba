package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/audit"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/obs"
)

// ErrRateLimited is returned when a member requests credentials too quickly.
var ErrRateLimited = errors.New("credential requests rate limited")

// IssuerStore is the persistence the Issuer needs.
type IssuerStore interface {
	GetElection(ctx context.Context, id string) (election.Election, error)
	HasIssuance(ctx context.Context, electionID, memberRef string) (bool, error)
	IssueCredential(ctx context.Context, iss election.Issuance, c election.Credential) error
}

// Issued is handed to the member exactly once.
type Issued struct {
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Issuer decides eligibility and mints credentials.
type Issuer struct {
	store   IssuerStore
	audit   *audit.Log
	pepper  []byte
	ttl     time.Duration
	now     func() time.Time
	limiter *memberLimiter
}

// IssuerOption customises an Issuer.
type IssuerOption func(*Issuer)

// WithTTL sets the credential lifetime. Expiry never passes the election end.
func WithTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// WithMemberRateLimit bounds credential requests per member reference.
func WithMemberRateLimit(perSecond float64, burst int) IssuerOption {
	return func(i *Issuer) {
		if perSecond > 0 && burst > 0 {
			i.limiter = newMemberLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewIssuer returns an Issuer. pepper keys member references and must be secret.
func NewIssuer(store IssuerStore, log *audit.Log, pepper []byte, opts ...IssuerOption) (*Issuer, error) {
	if len(pepper) == 0 {
		return nil, errors.New("member pepper is required")
	}
	i := &Issuer{
		store:  store,
		audit:  log,
		pepper: append([]byte(nil), pepper...),
		ttl:    30 * time.Minute,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// RequestCredential checks eligibility in order and, on success, mints a
// credential. Ineligibility is returned as *election.IneligibilityError.
func (i *Issuer) RequestCredential(ctx context.Context, electionID string, claims election.MemberClaims) (Issued, error) {
	if strings.TrimSpace(claims.MemberID) == "" {
		return Issued{}, fmt.Errorf("%w: member id is required", election.ErrInvalidInput)
	}
	ref := MemberRef(i.pepper, claims.MemberID)
	if i.limiter != nil && !i.limiter.allow(ref, i.now()) {
		return Issued{}, ErrRateLimited
	}

	e, err := i.store.GetElection(ctx, electionID)
	if err != nil {
		return Issued{}, err
	}
	now := i.now().UTC()

	if reason := checkEligibility(e, claims, now); reason != "" {
		return Issued{}, i.deny(ctx, electionID, ref, reason)
	}
	issued, err := i.store.HasIssuance(ctx, electionID, ref)
	if err != nil {
		return Issued{}, fmt.Errorf("check issuance: %w", err)
	}
	if issued {
		return Issued{}, i.deny(ctx, electionID, ref, election.ReasonAlreadyIssued)
	}

	token, err := NewToken()
	if err != nil {
		return Issued{}, err
	}
	expires := now.Add(i.ttl)
	if e.EndsAt.Before(expires) {
		expires = e.EndsAt
	}
	err = i.store.IssueCredential(ctx,
		election.Issuance{ElectionID: electionID, MemberRef: ref, IssuedAt: now},
		election.Credential{Hash: HashToken(token), ElectionID: electionID, ExpiresAt: expires, CreatedAt: now},
	)
	if errors.Is(err, election.ErrAlreadyIssued) {
		return Issued{}, i.deny(ctx, electionID, ref, election.ReasonAlreadyIssued)
	}
	if err != nil {
		return Issued{}, fmt.Errorf("store credential: %w", err)
	}

	obs.CredentialsIssued.Inc()
	i.audit.Record(ctx, audit.Event{
		Action:       audit.ActionCredentialIssued,
		ResourceType: audit.ResourceElection,
		ResourceID:   electionID,
		Outcome:      audit.OutcomeSuccess,
		Actor:        ref,
	})
	return Issued{Credential: token, ExpiresAt: expires}, nil
}

func checkEligibility(e election.Election, claims election.MemberClaims, now time.Time) election.IneligibilityReason {
	if !strings.EqualFold(strings.TrimSpace(claims.Status), election.MembershipActive) {
		return election.ReasonMembershipInactive
	}
	if e.Eligibility.RequireDues && !claims.DuesPaid {
		return election.ReasonDuesUnpaid
	}
	if len(e.Eligibility.AllowedRoles) > 0 && !hasAnyRole(claims.Roles, e.Eligibility.AllowedRoles) {
		return election.ReasonRoleNotAllowed
	}
	if e.Status != election.StatusActive {
		return election.ReasonElectionNotActive
	}
	if !e.InWindow(now) {
		return election.ReasonOutsideVotingWindow
	}
	return ""
}

func hasAnyRole(have, allowed []string) bool {
	for _, a := range allowed {
		for _, h := range have {
			if strings.EqualFold(strings.TrimSpace(h), a) {
				return true
			}
		}
	}
	return false
}

func (i *Issuer) deny(ctx context.Context, electionID, ref string, reason election.IneligibilityReason) error {
	obs.CredentialRequestsRejected.WithLabelValues(string(reason)).Inc()
	i.audit.Record(ctx, audit.Event{
		Action:       audit.ActionCredentialDenied,
		ResourceType: audit.ResourceElection,
		ResourceID:   electionID,
		Outcome:      audit.OutcomeFailure,
		Reason:       string(reason),
		Actor:        ref,
	})
	return &election.IneligibilityError{ElectionID: electionID, Reason: reason}
}

// memberLimiter keeps one token bucket per member reference. Buckets idle
// longer than ttl are swept at most once per ttl.
type memberLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	buckets   map[string]*memberBucket
}

type memberBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newMemberLimiter(limit rate.Limit, burst int) *memberLimiter {
	return &memberLimiter{limit: limit, burst: burst, ttl: 5 * time.Minute, buckets: make(map[string]*memberBucket)}
}

func (m *memberLimiter) allow(ref string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastSweep) >= m.ttl {
		for k, b := range m.buckets {
			if now.Sub(b.seen) > m.ttl {
				delete(m.buckets, k)
			}
		}
		m.lastSweep = now
	}
	b, ok := m.buckets[ref]
	if !ok {
		b = &memberBucket{lim: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[ref] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
