package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/auth"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestRecordFillsContextAndEmitsLine(t *testing.T) {
	buf := captureLog(t)
	store := NewInMemory()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := NewLog(store, func() time.Time { return fixed })

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithUser(ctx, "admin-7", []string{"election-admin"})

	log.Record(ctx, Event{
		Action:       ActionElectionClosed,
		ResourceType: ResourceElection,
		ResourceID:   "el-1",
		Outcome:      OutcomeSuccess,
	})

	events := store.Events()
	if len(events) != 1 {
		t.Fatalf("expected one stored event, got %d", len(events))
	}
	ev := events[0]
	if ev.ID == "" || !ev.OccurredAt.Equal(fixed) {
		t.Fatalf("id/time not filled: %+v", ev)
	}
	if ev.RequestID != "req-123" || ev.Actor != "admin-7" {
		t.Fatalf("context not applied: %+v", ev)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["event"] != ActionElectionClosed {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
}

func TestRecordRejectsFreeTextReason(t *testing.T) {
	captureLog(t)
	store := NewInMemory()
	log := NewLog(store, nil)

	log.Record(context.Background(), Event{
		Action:       ActionCredentialRejected,
		ResourceType: ResourceElection,
		Outcome:      OutcomeFailure,
		Reason:       "answers were {\"q1\":{\"choice\":\"yes\"}}",
	})
	if n := len(store.Events()); n != 0 {
		t.Fatalf("expected event to be rejected, stored %d", n)
	}
}

type failingStore struct{}

func (failingStore) Append(context.Context, Event) error { return errors.New("disk full") }

func TestRecordSwallowsStoreFailure(t *testing.T) {
	buf := captureLog(t)
	log := NewLog(failingStore{}, nil)
	log.Record(context.Background(), Event{
		Action:       ActionElectionCreated,
		ResourceType: ResourceElection,
		ResourceID:   "el-1",
		Outcome:      OutcomeSuccess,
	})
	if !strings.Contains(buf.String(), "audit_append_failed") {
		t.Fatalf("expected failure to be logged, got %q", buf.String())
	}
}

func TestNilLogIsNoop(t *testing.T) {
	var log *Log
	log.Record(context.Background(), Event{Action: "x"})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		ok   bool
	}{
		{"valid", Event{Action: "a.b", ResourceType: "election", Outcome: OutcomeSuccess, Reason: "already_used"}, true},
		{"missing action", Event{ResourceType: "election", Outcome: OutcomeSuccess}, false},
		{"bad outcome", Event{Action: "a", ResourceType: "election", Outcome: "maybe"}, false},
		{"uppercase reason", Event{Action: "a", ResourceType: "election", Outcome: OutcomeFailure, Reason: "Nope"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}
