package service

import (
	"sync"
	"time"

	"github.com/11PRIMUS/memento3/internal/domain"
)

// RepoEvent is a repository status change, streamed to SSE subscribers.
type RepoEvent struct {
	RepoID int64             `json:"repo_id"`
	Name   string            `json:"name"`
	Status domain.RepoStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
	At     time.Time         `json:"at"`
}

// RepoEventBus broadcasts repository status changes. Slow subscribers miss events
// rather than block publishers.
type RepoEventBus struct {
	mu   sync.RWMutex
	subs []chan RepoEvent
}

func NewRepoEventBus() *RepoEventBus {
	return &RepoEventBus{}
}

// Publish delivers evt to every subscriber with room in its buffer. A nil bus is a no-op.
func (b *RepoEventBus) Publish(evt RepoEvent) {
	if b == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *RepoEventBus) Subscribe() chan RepoEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan RepoEvent, 16)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *RepoEventBus) Unsubscribe(ch chan RepoEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			break
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (b *RepoEventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
