// Package events carries lobby lifecycle notifications out of the lobby
// manager to observers (the admin websocket feed, NATS).
package events

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/multierr"

	"github.com/DoyleJ11/pong-sync/internal/lobby"
)

type Kind string

const (
	KindQueued    Kind = "queued"
	KindExpired   Kind = "expired"
	KindCreated   Kind = "created"
	KindActive    Kind = "active"
	KindCompleted Kind = "completed"
	KindRemoved   Kind = "removed"
)

type Event struct {
	Kind     Kind        `json:"kind"`
	At       time.Time   `json:"at"`
	Username string      `json:"username,omitempty"`
	Lobby    *lobby.View `json:"lobby,omitempty"`
}

func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func Decode(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Publisher must not block the caller for long; the lobby manager publishes
// from its own loop.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers and combines their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var err error
	for _, p := range m {
		err = multierr.Append(err, p.Publish(ctx, e))
	}
	return err
}

// Broadcaster delivers events to in-process subscribers. A subscriber whose
// buffer is full is dropped and its channel closed.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a function that ends the
// subscription.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			close(ch)
			delete(b.subs, id)
		}
	}
}

func (b *Broadcaster) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			close(ch)
			delete(b.subs, id)
		}
	}
	return nil
}

func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
