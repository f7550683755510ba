// Package registry verifies member assertions signed by the member registry.
// The claims are used for one eligibility decision and never stored.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
)

// DefaultIssuer is the iss claim the registry signs with.
const DefaultIssuer = "member-registry"

// ErrInvalidToken indicates the member assertion failed verification.
var ErrInvalidToken = errors.New("invalid member token")

// Claims mirrors the registry's custom claims.
type Claims struct {
	MembershipStatus string   `json:"membershipStatus"`
	FeesPaid         bool     `json:"feesPaid"`
	Roles            []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 member tokens.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier returns a Verifier for the shared registry secret. An empty
// issuer selects DefaultIssuer.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("registry secret is not configured")
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: 5 * time.Second}, nil
}

// Verify parses token and maps it to member claims. The registry reports
// "unpaid" for members in good standing whose dues are outstanding.
func (v *Verifier) Verify(token string) (election.MemberClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return election.MemberClaims{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return election.MemberClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return election.MemberClaims{}, ErrInvalidToken
	}

	status := strings.ToLower(strings.TrimSpace(claims.MembershipStatus))
	dues := claims.FeesPaid
	if status == "unpaid" {
		status = election.MembershipActive
		dues = false
	}
	return election.MemberClaims{
		MemberID: claims.Subject,
		Status:   status,
		DuesPaid: dues,
		Roles:    normalizeRoles(claims.Roles),
	}, nil
}

// Sign issues a member token the way the registry does. Used by operator
// tooling and tests.
func (v *Verifier) Sign(memberID, status string, feesPaid bool, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(memberID) == "" {
		return "", errors.New("member id is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be greater than zero")
	}
	now := time.Now().UTC()
	claims := Claims{
		MembershipStatus: status,
		FeesPaid:         feesPaid,
		Roles:            roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   memberID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign member token: %w", err)
	}
	return signed, nil
}

func normalizeRoles(roles []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
