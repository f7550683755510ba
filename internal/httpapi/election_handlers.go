package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/auth"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
)

type electionView struct {
	election.Election
	Questions []election.Question `json:"questions"`
}

type questionRequest struct {
	Prompt   string            `json:"prompt"`
	Type     string            `json:"type"`
	Options  []election.Option `json:"options"`
	Required bool              `json:"required"`
}

type recomputeRequest struct {
	Reason string `json:"reason"`
}

func (a *API) createElection(w http.ResponseWriter, r *http.Request) {
	var req election.Draft
	if err := decodeJSON(w, r, &req); err != nil {
		rejectBody(w, r, err)
		return
	}
	e, err := a.svc.Elections.Create(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, electionView{Election: e, Questions: []election.Question{}})
}

func (a *API) updateElection(w http.ResponseWriter, r *http.Request) {
	var req election.Draft
	if err := decodeJSON(w, r, &req); err != nil {
		rejectBody(w, r, err)
		return
	}
	e, err := a.svc.Elections.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.writeElection(w, r, e)
}

// getElection is public for active and closed elections so voters can read
// the ballot; drafts are visible to election managers only.
func (a *API) getElection(w http.ResponseWriter, r *http.Request) {
	e, err := a.svc.Elections.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if e.Status == election.StatusDraft && !auth.Allowed(r.Context(), auth.PermElectionManage) {
		writeReason(w, r, http.StatusNotFound, "not found", "not_found")
		return
	}
	a.writeElection(w, r, e)
}

func (a *API) writeElection(w http.ResponseWriter, r *http.Request, e election.Election) {
	qs, err := a.svc.Elections.Questions(r.Context(), e.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if qs == nil {
		qs = []election.Question{}
	}
	writeJSON(w, http.StatusOK, electionView{Election: e, Questions: qs})
}

func (a *API) addQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rejectBody(w, r, err)
		return
	}
	q, err := a.svc.Elections.AddQuestion(r.Context(), chi.URLParam(r, "id"), election.Question{
		Prompt:   req.Prompt,
		Type:     election.BallotType(strings.TrimSpace(req.Type)),
		Options:  req.Options,
		Required: req.Required,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (a *API) openElection(w http.ResponseWriter, r *http.Request) {
	e, err := a.svc.Elections.Open(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) closeElection(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.Tally.CloseElection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// getResults serves recorded results to anyone once the election is closed.
// A preview needs results.read.
func (a *API) getResults(w http.ResponseWriter, r *http.Request) {
	preview := false
	if raw := r.URL.Query().Get("preview"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeReason(w, r, http.StatusBadRequest, "preview must be a boolean", "invalid_request")
			return
		}
		preview = v
	}
	if preview && !auth.Allowed(r.Context(), auth.PermResultsRead) {
		if _, ok := auth.UserIDFromContext(r.Context()); !ok {
			unauthorized(w, r, "authentication required")
			return
		}
		writeReason(w, r, http.StatusForbidden, "forbidden", "forbidden")
		return
	}
	res, err := a.svc.Tally.GetResults(r.Context(), chi.URLParam(r, "id"), preview)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) recomputeResults(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rejectBody(w, r, err)
		return
	}
	res, err := a.svc.Tally.Recompute(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if a.svc.DeadLetters == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []election.DeadLetter{}})
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		rejectBody(w, r, err)
		return
	}
	items, err := a.svc.DeadLetters.DeadLetters(r.Context(), limit)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []election.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		return 0, fmt.Errorf("limit must be between %d and %d", min, max)
	}
	return v, nil
}
