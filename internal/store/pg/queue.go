package pg

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/election"
	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/queue"
)

// NotifyChannel is the LISTEN/NOTIFY channel that wakes queue consumers.
const NotifyChannel = "ballot_queue"

// Waker signals that new work may be available.
type Waker interface {
	Wake() <-chan struct{}
}

// Queue is a durable queue.Queue on the ballot_queue table. Consumers claim
// rows with FOR UPDATE SKIP LOCKED and hold them through locked_until.
type Queue struct {
	db         *sql.DB
	visibility time.Duration
	poll       time.Duration
	now        func() time.Time
	waker      Waker
}

var _ queue.Queue = (*Queue)(nil)

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithVisibility sets how long a received message stays invisible.
func WithVisibility(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

// WithPollInterval bounds how long Receive sleeps between empty polls.
func WithPollInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.poll = d
		}
	}
}

// WithWaker shortens Receive sleeps when a notification arrives.
func WithWaker(w Waker) QueueOption {
	return func(q *Queue) { q.waker = w }
}

// WithQueueClock overrides time.Now.
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func NewQueue(db *sql.DB, opts ...QueueOption) *Queue {
	q := &Queue{
		db:         db,
		visibility: 30 * time.Second,
		poll:       time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Publish(ctx context.Context, m queue.Message) error {
	_, err := q.db.ExecContext(ctx, `
		insert into ballot_queue (key, election_id, body, available_at)
		values ($1,$2,$3,$4)
		on conflict (key) do nothing
	`, m.Key, m.ElectionID, m.Body, q.now())
	if err != nil {
		return err
	}
	if q.waker != nil {
		// Best effort: pollers still pick the row up without it.
		_, _ = q.db.ExecContext(ctx, `select pg_notify($1, '')`, NotifyChannel)
	}
	return nil
}

// TryReceive claims the oldest deliverable row or returns queue.ErrEmpty.
func (q *Queue) TryReceive(ctx context.Context) (queue.Delivery, error) {
	now := q.now()
	var (
		d  queue.Delivery
		id int64
	)
	err := q.db.QueryRowContext(ctx, `
		update ballot_queue m
		set attempts = m.attempts + 1, locked_until = $2
		where m.id = (
			select id from ballot_queue
			where available_at <= $1 and (locked_until is null or locked_until <= $1)
			order by id
			for update skip locked
			limit 1
		)
		returning m.id, m.key, m.election_id, m.body, m.attempts
	`, now, now.Add(q.visibility)).Scan(&id, &d.Key, &d.ElectionID, &d.Body, &d.Attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Delivery{}, queue.ErrEmpty
	}
	if err != nil {
		return queue.Delivery{}, err
	}
	d.ID = strconv.FormatInt(id, 10)
	return d, nil
}

func (q *Queue) Receive(ctx context.Context) (queue.Delivery, error) {
	for {
		d, err := q.TryReceive(ctx)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, queue.ErrEmpty) {
			if ctx.Err() != nil {
				return queue.Delivery{}, ctx.Err()
			}
			return queue.Delivery{}, err
		}
		var wake <-chan struct{}
		if q.waker != nil {
			wake = q.waker.Wake()
		}
		timer := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
		if ctx.Err() != nil {
			return queue.Delivery{}, ctx.Err()
		}
	}
}

func (q *Queue) Ack(ctx context.Context, d queue.Delivery) error {
	_, err := q.db.ExecContext(ctx, `delete from ballot_queue where key=$1`, d.Key)
	return err
}

func (q *Queue) Nack(ctx context.Context, d queue.Delivery, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		update ballot_queue set available_at=$2, locked_until=null where key=$1
	`, d.Key, q.now().Add(delay))
	return err
}

// DeadLetter moves the row to ballot_dead_letters in one transaction.
func (q *Queue) DeadLetter(ctx context.Context, d queue.Delivery, reason string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	electionID, body, attempts := d.ElectionID, d.Body, d.Attempt
	err = tx.QueryRowContext(ctx, `
		delete from ballot_queue where key=$1 returning election_id, body, attempts
	`, d.Key).Scan(&electionID, &body, &attempts)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if body == nil {
		body = []byte{}
	}
	if _, err := tx.ExecContext(ctx, `
		insert into ballot_dead_letters (key, election_id, body, reason, attempts, failed_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (key) do nothing
	`, d.Key, electionID, body, reason, attempts, q.now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *Queue) State(ctx context.Context, key string) (queue.State, error) {
	var pending, dead bool
	err := q.db.QueryRowContext(ctx, `
		select exists(select 1 from ballot_queue where key=$1),
		       exists(select 1 from ballot_dead_letters where key=$1)
	`, key).Scan(&pending, &dead)
	if err != nil {
		return queue.StateUnknown, err
	}
	switch {
	case pending:
		return queue.StatePending, nil
	case dead:
		return queue.StateDeadLettered, nil
	}
	return queue.StateUnknown, nil
}

func (q *Queue) Pending(ctx context.Context, electionID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		select count(*) from ballot_queue where $1::text = '' or election_id = $1
	`, electionID).Scan(&n)
	return n, err
}

func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]election.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		select key, election_id, reason, attempts, failed_at
		from ballot_dead_letters
		order by failed_at desc, key
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []election.DeadLetter
	for rows.Next() {
		var dl election.DeadLetter
		if err := rows.Scan(&dl.Key, &dl.ElectionID, &dl.Reason, &dl.Attempts, &dl.FailedAt); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}
