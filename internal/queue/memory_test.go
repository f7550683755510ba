package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryVisibilityTimeoutRedelivers(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemory(10*time.Second, clk.Now)
	ctx := context.Background()

	if err := q.Publish(ctx, Message{Key: "k1", ElectionID: "e1", Body: []byte("{}")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d, _, err := q.TryReceive()
	if err != nil || d.Attempt != 1 {
		t.Fatalf("first receive: %+v %v", d, err)
	}
	if _, _, err := q.TryReceive(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("in-flight message must be invisible, got %v", err)
	}

	clk.Advance(10 * time.Second)
	d, _, err = q.TryReceive()
	if err != nil || d.Attempt != 2 || d.Key != "k1" {
		t.Fatalf("expected redelivery, got %+v %v", d, err)
	}
	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if st, _ := q.State(ctx, "k1"); st != StateUnknown {
		t.Fatalf("acked message should be gone, state %s", st)
	}
}

func TestMemoryNackDelayAndDeadLetter(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	q := NewMemory(time.Minute, clk.Now)
	ctx := context.Background()
	_ = q.Publish(ctx, Message{Key: "k1", ElectionID: "e1"})

	d, _, _ := q.TryReceive()
	if err := q.Nack(ctx, d, 5*time.Second); err != nil {
		t.Fatalf("Nack: %v", err)
	}
	_, next, err := q.TryReceive()
	if !errors.Is(err, ErrEmpty) || !next.Equal(clk.Now().Add(5*time.Second)) {
		t.Fatalf("expected delayed message, next=%v err=%v", next, err)
	}
	clk.Advance(5 * time.Second)
	d, _, err = q.TryReceive()
	if err != nil || d.Attempt != 2 {
		t.Fatalf("expected second attempt, got %+v %v", d, err)
	}

	if err := q.DeadLetter(ctx, d, "max_attempts"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	if st, _ := q.State(ctx, "k1"); st != StateDeadLettered {
		t.Fatalf("expected dead_lettered, got %s", st)
	}
	dls, _ := q.DeadLetters(ctx, 10)
	if len(dls) != 1 || dls[0].Attempts != 2 || dls[0].Reason != "max_attempts" || dls[0].ElectionID != "e1" {
		t.Fatalf("unexpected dead letters: %+v", dls)
	}
	if n, _ := q.Pending(ctx, ""); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

func TestMemoryPendingPerElectionAndFIFO(t *testing.T) {
	q := NewMemory(time.Minute, nil)
	ctx := context.Background()
	for _, m := range []Message{{Key: "a", ElectionID: "e1"}, {Key: "b", ElectionID: "e2"}, {Key: "c", ElectionID: "e1"}, {Key: "a", ElectionID: "e1"}} {
		_ = q.Publish(ctx, m)
	}
	if n, _ := q.Pending(ctx, "e1"); n != 2 {
		t.Fatalf("expected 2 pending for e1, got %d", n)
	}
	var order []string
	for i := 0; i < 3; i++ {
		d, err := q.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		order = append(order, d.Key)
	}
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestMemoryReceiveBlocksUntilPublish(t *testing.T) {
	q := NewMemory(time.Minute, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan Delivery, 1)
	go func() {
		d, err := q.Receive(ctx)
		if err == nil {
			got <- d
		}
	}()
	time.Sleep(20 * time.Millisecond)
	_ = q.Publish(context.Background(), Message{Key: "late", ElectionID: "e1"})

	select {
	case d := <-got:
		if d.Key != "late" {
			t.Fatalf("unexpected key %q", d.Key)
		}
	case <-ctx.Done():
		t.Fatalf("receive did not wake on publish")
	}
}

func TestMemoryReceiveHonoursContext(t *testing.T) {
	q := NewMemory(time.Minute, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestBallotMessageRoundTripAndStrictDecode(t *testing.T) {
	in := BallotMessage{
		CredentialHash: "h",
		ElectionID:     "e1",
		Answers:        election.Answers{"q1": {Choice: "yes"}},
		IdempotencyKey: "k",
		SubmittedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	m, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if m.Key != "k" || m.ElectionID != "e1" {
		t.Fatalf("unexpected envelope %+v", m)
	}
	out, err := DecodeBallot(m.Body)
	if err != nil || out.Answers["q1"].Choice != "yes" {
		t.Fatalf("DecodeBallot: %+v %v", out, err)
	}

	for _, body := range []string{`not json`, `{"election_id":"e1"}`, `{"credential_hash":"h","election_id":"e1","idempotency_key":"k","submitted_at":"2026-01-01T00:00:00Z","voter":"x"}`} {
		if _, err := DecodeBallot([]byte(body)); err == nil {
			t.Fatalf("expected decode failure for %s", body)
		}
	}
}
