package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/auth"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
)

const (
	authHeader       = "Authorization"
	bearer           = "Bearer "
	credentialHeader = "X-Voting-Credential"
)

type memberKey struct{}

// withAdmin authenticates an administrator token. Requests without one pass
// through anonymous; RequirePermission decides.
func (a *API) withAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(authHeader)
		if strings.TrimSpace(header) == "" {
			next.ServeHTTP(w, r)
			return
		}
		if a.svc.Admins == nil {
			writeError(w, r, http.StatusServiceUnavailable, "admin authentication not configured")
			return
		}
		token, err := extractBearerToken(header)
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		claims, err := a.svc.Admins.Verify(token)
		if err != nil {
			unauthorized(w, r, "invalid token")
			return
		}
		ctx := auth.ContextWithUser(r.Context(), claims.Subject, claims.Roles)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission rejects callers whose roles do not grant perm.
func RequirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := auth.UserIDFromContext(r.Context()); !ok {
				unauthorized(w, r, "authentication required")
				return
			}
			if !auth.Allowed(r.Context(), perm) {
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				writeReason(w, r, http.StatusForbidden, "forbidden", "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withMember verifies the registry-issued member token. The member id lives
// only in the request context and is handed to the issuer for the
// eligibility decision.
func (a *API) withMember(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.svc.Members == nil {
			writeError(w, r, http.StatusServiceUnavailable, "member registry not configured")
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		claims, err := a.svc.Members.Verify(token)
		if err != nil {
			unauthorized(w, r, "invalid member token")
			return
		}
		ctx := context.WithValue(r.Context(), memberKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func memberFromContext(ctx context.Context) (election.MemberClaims, bool) {
	claims, ok := ctx.Value(memberKey{}).(election.MemberClaims)
	return claims, ok
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="ekklesia"`)
	writeReason(w, r, http.StatusUnauthorized, msg, "unauthenticated")
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
