// Package stream fans out election turnout updates to live subscribers.
// Events carry counts only, never ballot content.
package stream

import (
	"context"
	"sync"
	"time"
)

// TurnoutEvent reports how many ballots an election has persisted.
type TurnoutEvent struct {
	ElectionID string    `json:"election_id"`
	Persisted  int       `json:"persisted"`
	Timestamp  time.Time `json:"timestamp"`
}

type subscriber struct {
	electionID string
	ch         chan TurnoutEvent
}

// Stream fan-outs turnout events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber for one election and returns a channel
// which will receive its events. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, electionID string) <-chan TurnoutEvent {
	ch := make(chan TurnoutEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{electionID: electionID, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Watched reports whether anyone is subscribed to electionID.
func (s *Stream) Watched(electionID string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.electionID == electionID {
			return true
		}
	}
	return false
}

// Publish fan-outs the event to the election's subscribers.
func (s *Stream) Publish(evt TurnoutEvent) {
	if s == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.electionID != evt.ElectionID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
