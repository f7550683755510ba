package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/credential"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/obs"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/tally"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeReason(w, r, code, msg, "")
}

// writeReason adds a stable machine-readable reason code next to the message.
func writeReason(w http.ResponseWriter, r *http.Request, code int, msg, reason string) {
	payload := map[string]any{
		"error": msg,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// rejectBody answers a request whose JSON body could not be decoded. The
// decoder's text is logged, never echoed.
func rejectBody(w http.ResponseWriter, r *http.Request, err error) {
	obs.Warn("request_body_rejected", map[string]any{
		"request_id": RequestIDFromContext(r.Context()),
		"path":       r.URL.Path,
		"error":      err.Error(),
	})
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeReason(w, r, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request")
		return
	}
	writeReason(w, r, http.StatusBadRequest, "request body is not valid for this endpoint", "invalid_request")
}

// handleServiceError maps domain errors to status codes. Low-level error
// text never reaches the client.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		inelig  *election.IneligibilityError
		invalid *election.InvalidCredentialError
		schema  *election.SchemaValidationError
		state   *election.ElectionStateError
	)
	switch {
	case errors.As(err, &invalid):
		writeReason(w, r, http.StatusUnauthorized, invalid.PublicMessage(), "invalid_credential")
	case errors.As(err, &inelig):
		code := http.StatusForbidden
		if inelig.Reason == election.ReasonAlreadyIssued {
			code = http.StatusConflict
		}
		writeReason(w, r, code, "not eligible for a credential", string(inelig.Reason))
	case errors.As(err, &schema):
		payload := map[string]any{
			"error":    "ballot does not match the election's questions",
			"reason":   "schema_violation",
			"problems": schema.Problems,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusUnprocessableEntity, payload)
	case errors.As(err, &state):
		writeReason(w, r, http.StatusConflict, "election is "+string(state.Status), "election_state")
	case errors.Is(err, credential.ErrRateLimited):
		w.Header().Set("Retry-After", "5")
		writeReason(w, r, http.StatusTooManyRequests, "too many credential requests", "rate_limited")
	case errors.Is(err, election.ErrEnqueueFailed):
		writeReason(w, r, http.StatusServiceUnavailable, "ballot was not recorded", "ballot_not_recorded")
	case errors.Is(err, tally.ErrDrainTimeout):
		writeReason(w, r, http.StatusServiceUnavailable, "ballot queue still draining; close again to resume", "drain_timeout")
	case errors.Is(err, election.ErrAlreadyClosed):
		writeReason(w, r, http.StatusConflict, "results already recorded", "already_closed")
	case errors.Is(err, election.ErrNotClosed):
		msg := "election is not closed"
		if strings.Contains(err.Error(), "tabulation pending") {
			msg = "tabulation pending"
		}
		writeReason(w, r, http.StatusConflict, msg, "not_closed")
	case errors.Is(err, election.ErrInvalidInput):
		writeReason(w, r, http.StatusBadRequest, err.Error(), "invalid_input")
	case errors.Is(err, election.ErrNotFound):
		writeReason(w, r, http.StatusNotFound, "not found", "not_found")
	default:
		obs.Error("request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
