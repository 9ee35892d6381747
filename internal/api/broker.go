package api

import (
	"sync"
)

const EventRunCompleted = "run.completed"

type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// EventBroker fans events out per partition key.
type EventBroker interface {
	Subscribe(key string) chan Event
	Unsubscribe(key string, ch chan Event)
	Publish(key string, evt Event)
}

type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // partition key -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Broker) Subscribe(key string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[key] == nil {
		b.subs[key] = map[chan Event]struct{}{}
	}
	b.subs[key][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(key string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[key]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, key)
	}
	close(ch)
}

// Publish never blocks; slow subscribers miss events.
func (b *Broker) Publish(key string, evt Event) {
	b.mu.Lock()
	for ch := range b.subs[key] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
