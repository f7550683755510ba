package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
)

type memItem struct {
	msg         Message
	seq         uint64
	attempts    int
	availableAt time.Time
	lockedUntil time.Time
}

// Memory is an in-process Queue. Messages survive consumer crashes through the
// visibility timeout but not process restarts.
type Memory struct {
	mu         sync.Mutex
	visibility time.Duration
	now        func() time.Time
	seq        uint64
	items      map[string]*memItem
	dead       map[string]election.DeadLetter
	wake       chan struct{}
}

var _ Queue = (*Memory)(nil)

// NewMemory builds a queue with the given visibility timeout.
func NewMemory(visibility time.Duration, now func() time.Time) *Memory {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Memory{
		visibility: visibility,
		now:        now,
		items:      make(map[string]*memItem),
		dead:       make(map[string]election.DeadLetter),
		wake:       make(chan struct{}),
	}
}

// broadcast wakes every blocked Receive. Caller holds mu.
func (q *Memory) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Memory) Publish(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[m.Key]; ok {
		return nil
	}
	q.seq++
	q.items[m.Key] = &memItem{msg: m, seq: q.seq, availableAt: q.now()}
	q.broadcast()
	return nil
}

// TryReceive delivers the oldest available message or returns ErrEmpty
// together with the earliest time something may become available.
func (q *Memory) TryReceive() (Delivery, time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tryReceiveLocked()
}

func (q *Memory) tryReceiveLocked() (Delivery, time.Time, error) {
	now := q.now()
	var best *memItem
	var next time.Time
	for _, it := range q.items {
		ready := it.availableAt
		if it.lockedUntil.After(ready) {
			ready = it.lockedUntil
		}
		if ready.After(now) {
			if next.IsZero() || ready.Before(next) {
				next = ready
			}
			continue
		}
		if best == nil || it.seq < best.seq {
			best = it
		}
	}
	if best == nil {
		return Delivery{}, next, ErrEmpty
	}
	best.attempts++
	best.lockedUntil = now.Add(q.visibility)
	return Delivery{
		Message: best.msg,
		ID:      strconv.FormatUint(best.seq, 10),
		Attempt: best.attempts,
	}, time.Time{}, nil
}

func (q *Memory) Receive(ctx context.Context) (Delivery, error) {
	for {
		q.mu.Lock()
		d, next, err := q.tryReceiveLocked()
		wake := q.wake
		q.mu.Unlock()
		if err == nil {
			return d, nil
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if !next.IsZero() {
			timer = time.NewTimer(next.Sub(q.now()))
			fire = timer.C
		}
		select {
		case <-ctx.Done():
		case <-wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
		if ctx.Err() != nil {
			return Delivery{}, ctx.Err()
		}
	}
}

func (q *Memory) Ack(ctx context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.items, d.Key)
	q.broadcast()
	return nil
}

func (q *Memory) Nack(ctx context.Context, d Delivery, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[d.Key]
	if !ok {
		return nil
	}
	it.availableAt = q.now().Add(delay)
	it.lockedUntil = time.Time{}
	q.broadcast()
	return nil
}

func (q *Memory) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	attempts := d.Attempt
	if it, ok := q.items[d.Key]; ok {
		attempts = it.attempts
		delete(q.items, d.Key)
	}
	q.dead[d.Key] = election.DeadLetter{
		Key:        d.Key,
		ElectionID: d.ElectionID,
		Reason:     reason,
		Attempts:   attempts,
		FailedAt:   q.now().UTC(),
	}
	q.broadcast()
	return nil
}

func (q *Memory) State(ctx context.Context, key string) (State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[key]; ok {
		return StatePending, nil
	}
	if _, ok := q.dead[key]; ok {
		return StateDeadLettered, nil
	}
	return StateUnknown, nil
}

func (q *Memory) Pending(ctx context.Context, electionID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if electionID == "" || it.msg.ElectionID == electionID {
			n++
		}
	}
	return n, nil
}

func (q *Memory) DeadLetters(ctx context.Context, limit int) ([]election.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]election.DeadLetter, 0, len(q.dead))
	for _, dl := range q.dead {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
