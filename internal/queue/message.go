package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
)

// BallotMessage is the queued form of an accepted ballot.
type BallotMessage struct {
	CredentialHash string           `json:"credential_hash"`
	ElectionID     string           `json:"election_id"`
	Answers        election.Answers `json:"answers"`
	IdempotencyKey string           `json:"idempotency_key"`
	SubmittedAt    time.Time        `json:"submitted_at"`
}

// Encode wraps b as a queue Message.
func (b BallotMessage) Encode() (Message, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return Message{}, fmt.Errorf("encode ballot message: %w", err)
	}
	return Message{Key: b.IdempotencyKey, ElectionID: b.ElectionID, Body: body}, nil
}

// DecodeBallot parses and checks a message body. Any error means the message
// can never be persisted.
func DecodeBallot(body []byte) (BallotMessage, error) {
	var b BallotMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return BallotMessage{}, fmt.Errorf("decode ballot message: %w", err)
	}
	var missing []string
	if b.CredentialHash == "" {
		missing = append(missing, "credential_hash")
	}
	if b.ElectionID == "" {
		missing = append(missing, "election_id")
	}
	if b.IdempotencyKey == "" {
		missing = append(missing, "idempotency_key")
	}
	if b.SubmittedAt.IsZero() {
		missing = append(missing, "submitted_at")
	}
	if len(missing) > 0 {
		return BallotMessage{}, fmt.Errorf("ballot message missing %s", strings.Join(missing, ", "))
	}
	return b, nil
}
