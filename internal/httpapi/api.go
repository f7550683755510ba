// Package httpapi exposes the voting service over HTTP and its readiness over
// gRPC health.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/auth"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/credential"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/intake"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/obs"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/registry"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/stream"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/tally"
)

const serviceName = "ekklesia-voting"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database when there is one.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// DeadLetterLister lists messages parked by the persister.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, limit int) ([]election.DeadLetter, error)
}

// Services are the domain components behind the routes.
type Services struct {
	Elections   *election.Service
	Issuer      *credential.Issuer
	Intake      *intake.Service
	Tally       *tally.Service
	DeadLetters DeadLetterLister
	Turnout     *stream.Stream
	Members     *registry.Verifier
	Admins      *auth.Verifier
}

// API is the HTTP layer over the voting services.
type API struct {
	svc         Services
	readyProbe  readinessChecker
	version     string
	rateBurst   int
	ratePerSec  float64
	corsOrigins []string
	maxBody     int64
}

// Option configures an API.
type Option func(*API)

// WithRateLimit sets the per-IP token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

// WithCORSOrigins adds allowed browser origins.
func WithCORSOrigins(origins []string) Option {
	return func(a *API) { a.corsOrigins = origins }
}

func New(rp readinessChecker, version string, svc Services, opts ...Option) *API {
	a := &API{
		svc:        svc,
		readyProbe: rp,
		version:    version,
		rateBurst:  100,
		ratePerSec: 50,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler assembles the middleware chain and routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, LoggingJSON, SecurityHeaders, CORS(a.corsOrigins), MaxBodyBytes(a.maxBody))
	r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Members authenticate with a registry token, not an admin token.
		r.With(a.withMember).Post("/elections/{id}/credentials", a.requestCredential)

		r.Group(func(r chi.Router) {
			r.Use(a.withAdmin)

			r.Post("/ballots", a.submitBallot)
			r.Get("/ballots/{confirmationID}", a.ballotStatus)

			r.Get("/elections/{id}", a.getElection)
			r.Get("/elections/{id}/results", a.getResults)

			r.Group(func(r chi.Router) {
				r.Use(RequirePermission(auth.PermElectionManage))
				r.Post("/elections", a.createElection)
				r.Patch("/elections/{id}", a.updateElection)
				r.Post("/elections/{id}/questions", a.addQuestion)
				r.Post("/elections/{id}/open", a.openElection)
				r.Post("/elections/{id}/close", a.closeElection)
			})
			r.With(RequirePermission(auth.PermResultsOverride)).Post("/elections/{id}/results/recompute", a.recomputeResults)
			r.With(RequirePermission(auth.PermResultsRead)).Get("/elections/{id}/turnout", a.turnout)
			r.With(RequirePermission(auth.PermDeadLettersRead)).Get("/dead-letters", a.listDeadLetters)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(methodNotAllowed)

	return obs.Instrument(r)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		obs.Warn("readiness_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
