package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names something that happened on the relay.
type EventType string

const (
	EventClientConnected   EventType = "clientConnected"
	EventClientLost        EventType = "clientLost"
	EventDatagramReceived  EventType = "datagramReceived"
	EventChallengeReceived EventType = "challengeReceived"
	EventChallengeExpired  EventType = "challengeExpired"
	EventResponseReceived  EventType = "responseReceived"
	EventEmulatorOn        EventType = "emulatorOn"
	EventEmulatorOff       EventType = "emulatorOff"
	EventEmulatorKeepAlive EventType = "emulatorKeepAlive"
	EventEmulatorReset     EventType = "emulatorReset"
	EventEmulatorGarbage   EventType = "emulatorGarbage"
	EventEmulatorError     EventType = "emulatorError"
	EventVictimChanged     EventType = "victimChanged"
)

// Event is delivered to subscribers.
type Event struct {
	ID      string        `json:"id"`
	Type    EventType     `json:"type"`
	Time    time.Time     `json:"time"`
	Peer    string        `json:"peer,omitempty"`
	Data    []byte        `json:"data,omitempty"`
	Latency time.Duration `json:"latency,omitempty"`
	Message string        `json:"message,omitempty"`
}

// eventBus fans events out to subscribers without ever blocking the relay
// loop: a subscriber that falls behind loses events.
type eventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan Event)}
}

func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (b *eventBus) publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
