package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
)

func TestVerifyRoundTrip(t *testing.T) {
	v, err := NewVerifier("registry-secret", "")
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	token, err := v.Sign("member-1", "active", true, []string{"Member", "member", "delegate"}, time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.MemberID != "member-1" || claims.Status != election.MembershipActive || !claims.DuesPaid {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("roles not normalized: %v", claims.Roles)
	}
}

func TestUnpaidMapsToDues(t *testing.T) {
	v, _ := NewVerifier("registry-secret", "")
	token, _ := v.Sign("member-2", "unpaid", true, nil, time.Minute)
	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Status != election.MembershipActive || claims.DuesPaid {
		t.Fatalf("unpaid should be an active member with dues outstanding, got %+v", claims)
	}
}

func TestVerifyRejects(t *testing.T) {
	v, _ := NewVerifier("registry-secret", "")
	other, _ := NewVerifier("other-secret", "")
	foreignIssuer, _ := NewVerifier("registry-secret", "someone-else")

	forged, _ := other.Sign("m", "active", true, nil, time.Minute)
	wrongIss, _ := foreignIssuer.Sign("m", "active", true, nil, time.Minute)
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		MembershipStatus: "active",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			Subject:   "m",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}).SignedString([]byte("registry-secret"))
	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		MembershipStatus: "active",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: DefaultIssuer, Subject: "m"},
	}).SignedString([]byte("registry-secret"))

	for name, token := range map[string]string{
		"empty":     "",
		"forged":    forged,
		"issuer":    wrongIss,
		"expired":   expired,
		"no expiry": noExpiry,
		"not a jwt": "abc.def",
	} {
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(" ", ""); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
