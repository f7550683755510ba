package credential

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/audit"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/obs"
)

// ValidatorStore consumes credentials with a single conditional update.
type ValidatorStore interface {
	ConsumeCredential(ctx context.Context, hash string, now time.Time) (string, error)
}

// Validated identifies a credential that has just been spent.
type Validated struct {
	ElectionID string
	Hash       string
}

// Validator redeems credentials. It holds no lock of its own; exclusivity
// comes from the store's conditional update.
type Validator struct {
	store ValidatorStore
	audit *audit.Log
	now   func() time.Time
}

func NewValidator(store ValidatorStore, log *audit.Log, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{store: store, audit: log, now: now}
}

// Validate hashes raw and marks the credential used. Any refusal is an
// *election.InvalidCredentialError.
func (v *Validator) Validate(ctx context.Context, raw string) (Validated, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Validated{}, v.reject(ctx, &election.InvalidCredentialError{Reason: election.CredentialNotFound})
	}
	hash := HashToken(raw)
	electionID, err := v.store.ConsumeCredential(ctx, hash, v.now().UTC())
	if err != nil {
		var invalid *election.InvalidCredentialError
		if errors.As(err, &invalid) {
			return Validated{}, v.reject(ctx, invalid)
		}
		obs.CredentialValidations.WithLabelValues("error").Inc()
		return Validated{}, err
	}
	obs.CredentialValidations.WithLabelValues("valid").Inc()
	v.audit.Record(ctx, audit.Event{
		Action:       audit.ActionCredentialValidated,
		ResourceType: audit.ResourceElection,
		ResourceID:   electionID,
		Outcome:      audit.OutcomeSuccess,
	})
	return Validated{ElectionID: electionID, Hash: hash}, nil
}

func (v *Validator) reject(ctx context.Context, invalid *election.InvalidCredentialError) error {
	obs.CredentialValidations.WithLabelValues(string(invalid.Reason)).Inc()
	v.audit.Record(ctx, audit.Event{
		Action:       audit.ActionCredentialRejected,
		ResourceType: audit.ResourceElection,
		ResourceID:   invalid.ElectionID,
		Outcome:      audit.OutcomeFailure,
		Reason:       string(invalid.Reason),
	})
	return invalid
}
