package pg

import (
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/sosialistaflokkurinn/ekklesia-sub000/internal/obs"
)

// Notifier listens on a Postgres channel on its own connection and turns
// notifications into wakeups for Queue.Receive.
type Notifier struct {
	listener *pq.Listener

	mu   sync.Mutex
	wake chan struct{}
	done chan struct{}
}

var _ Waker = (*Notifier)(nil)

// NewNotifier opens a dedicated listener connection. dsn uses lib/pq syntax,
// which accepts the same postgres:// URLs as pgx.
func NewNotifier(dsn, channel string) (*Notifier, error) {
	l := pq.NewListener(dsn, 100*time.Millisecond, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			obs.Warn("queue listener event", map[string]any{"event": int(ev), "error": err.Error()})
		}
	})
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, err
	}
	n := &Notifier{listener: l, wake: make(chan struct{}), done: make(chan struct{})}
	go n.loop()
	return n, nil
}

func (n *Notifier) loop() {
	defer close(n.done)
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case _, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect: work may have been missed, wake anyway
			n.broadcast()
		case <-ping.C:
			go func() { _ = n.listener.Ping() }()
		}
	}
}

func (n *Notifier) broadcast() {
	n.mu.Lock()
	close(n.wake)
	n.wake = make(chan struct{})
	n.mu.Unlock()
}

// Wake returns a channel closed on the next notification.
func (n *Notifier) Wake() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.wake
}

func (n *Notifier) Close() error {
	err := n.listener.Close()
	<-n.done
	return err
}
