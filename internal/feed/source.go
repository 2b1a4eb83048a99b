package feed

import (
	"context"
	"sync"
)

// Source hands out per-account subscriptions to the change stream. The
// channel closes when the subscription's context is cancelled or the source
// shuts down.
type Source interface {
	Subscribe(ctx context.Context, accountID string) (<-chan Change, error)
}

// MemorySource is an in-process Source. It backs tests and embedded
// deployments, and is the fan-out point the Kafka consumer publishes into.
type MemorySource struct {
	mu   sync.Mutex
	subs map[string][]chan Change
}

func NewMemorySource() *MemorySource {
	return &MemorySource{subs: make(map[string][]chan Change)}
}

func (s *MemorySource) Subscribe(ctx context.Context, accountID string) (<-chan Change, error) {
	ch := make(chan Change, 256)
	s.mu.Lock()
	s.subs[accountID] = append(s.subs[accountID], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[accountID]
		for i, c := range subs {
			if c == ch {
				s.subs[accountID] = append(subs[:i], subs[i+1:]...)
				close(c)
				break
			}
		}
	}()
	return ch, nil
}

// Publish delivers a change to every subscriber of its account. Delivery is
// non-blocking; a subscriber that cannot keep up loses the event and will
// resync from its watermark on reconnect. The sends stay under the lock:
// the unsubscribe goroutine closes channels under the same lock, so a
// channel can never close mid-send.
func (s *MemorySource) Publish(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[c.AccountID] {
		select {
		case ch <- c:
		default:
			droppedChanges.WithLabelValues(c.AccountID).Inc()
		}
	}
}
