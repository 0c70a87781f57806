// Package events records progress of plugin tasks and fans it out to
// subscribers such as the websocket event stream.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/dmplugins/plugin-manager/internal/logutil"
)

// Type identifies the kind of task event.
type Type string

const (
	Started  Type = "started"
	Finished Type = "finished"
	Failed   Type = "failed"
)

// Event is a state change of one deployment task.
type Event struct {
	TaskID    string    `json:"task_id"`
	Operation string    `json:"operation"`
	Plugin    string    `json:"plugin"`
	Format    string    `json:"format"`
	Platform  string    `json:"platform,omitempty"`
	Type      Type      `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives task events.
type Sink interface {
	Publish(Event)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// maxEvents limits the number of stored events.
const maxEvents = 100

// subscriberBuffer is the channel capacity of each subscriber. Events are
// dropped for subscribers that fall this far behind.
const subscriberBuffer = 32

// Broker keeps a ring buffer of recent events and forwards new ones to
// subscribers.
type Broker struct {
	mu     sync.RWMutex
	events []Event
	subs   map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan Event]struct{})}
}

// Publish stores e, logs it and delivers it to every subscriber without
// blocking.
func (b *Broker) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.events = append(b.events, e)
	if len(b.events) > maxEvents {
		b.events = b.events[len(b.events)-maxEvents:]
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.Unlock()

	if e.Detail != "" {
		log.Printf("[events] %s %s %s/%s: %s", e.Type, e.Operation, e.Format, logutil.SanitizeForLog(e.Plugin), logutil.SanitizeForLog(e.Detail))
	} else {
		log.Printf("[events] %s %s %s/%s", e.Type, e.Operation, e.Format, logutil.SanitizeForLog(e.Plugin))
	}
}

// Recent returns up to n most recent events, oldest first. n <= 0 returns
// all stored events.
func (b *Broker) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src := b.events
	if n > 0 && len(src) > n {
		src = src[len(src)-n:]
	}
	out := make([]Event, len(src))
	copy(out, src)
	return out
}

// Subscribe returns a channel of future events and a function that cancels
// the subscription and closes the channel.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}
