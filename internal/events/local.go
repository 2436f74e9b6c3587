package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalBus fans events out in process. A subscriber that falls behind its
// buffer loses events rather than blocking publishers.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[int]chan *Event
	nextID int
	closed bool
	buffer int
	logger *zap.Logger
}

// NewLocalBus creates an in-process bus.
func NewLocalBus(logger *zap.Logger) *LocalBus {
	return &LocalBus{subs: make(map[int]chan *Event), buffer: 64, logger: logger}
}

// Publish delivers ev to every current subscriber.
func (b *LocalBus) Publish(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		cp := *ev
		select {
		case ch <- &cp:
		default:
			b.logger.Warn("event dropped, subscriber full", zap.Int("subscriber", id), zap.String("type", ev.Type))
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx ends.
func (b *LocalBus) Subscribe(ctx context.Context) <-chan *Event {
	ch := make(chan *Event, b.buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}()
	return ch
}

// Close closes every subscription.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	return nil
}
