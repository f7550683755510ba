package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/stream"
)

type submitBallotRequest struct {
	Answers election.Answers `json:"answers"`
}

func (a *API) requestCredential(w http.ResponseWriter, r *http.Request) {
	claims, ok := memberFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "member token required")
		return
	}
	issued, err := a.svc.Issuer.RequestCredential(r.Context(), chi.URLParam(r, "id"), claims)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// submitBallot takes the credential from a header so it never appears in
// access logs or alongside the answers in the body.
func (a *API) submitBallot(w http.ResponseWriter, r *http.Request) {
	var req submitBallotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rejectBody(w, r, err)
		return
	}
	receipt, err := a.svc.Intake.SubmitBallot(r.Context(), r.Header.Get(credentialHeader), req.Answers)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (a *API) ballotStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "confirmationID")
	st, err := a.svc.Intake.Status(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"confirmation_id": id,
		"status":          st,
	})
}

// turnout streams persisted-ballot counts as Server-Sent Events.
func (a *API) turnout(w http.ResponseWriter, r *http.Request) {
	if a.svc.Turnout == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.svc.Elections.Get(r.Context(), id); err != nil {
		handleServiceError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.svc.Turnout.Subscribe(ctx, id)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		writeEvent(w, event)
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event stream.TurnoutEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: turnout\ndata: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}
