// Package events fans out task and run progress to in-process subscribers
// such as the SSE and WebSocket streams.
package events

import (
	"sync"
	"time"
)

// Type names an event
type Type string

const (
	TaskCreated   Type = "task.created"
	TaskStarted   Type = "task.started"
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
	TaskReset     Type = "task.reset"
	TaskDeleted   Type = "task.deleted"
	RunStarted    Type = "run.started"
	RunFinished   Type = "run.finished"
	RunRequeued   Type = "run.requeued"
)

// Event is one progress notification
type Event struct {
	Type   Type      `json:"type"`
	TaskID int64     `json:"task_id"`
	RunID  int64     `json:"run_id,omitempty"`
	Status string    `json:"status,omitempty"`
	Time   time.Time `json:"time"`
	Data   any       `json:"data,omitempty"`
}

// Publisher is implemented by Bus; components that only emit take this
type Publisher interface {
	Publish(Event)
}

// Bus delivers events to subscribers. A subscriber whose buffer is full is
// dropped and its channel closed.
type Bus struct {
	mu      sync.RWMutex
	clients map[chan Event]struct{}
	buffer  int
}

// NewBus creates a bus whose subscriber channels hold buffer events
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		clients: make(map[chan Event]struct{}),
		buffer:  buffer,
	}
}

// Subscribe returns a channel of events and a function that unsubscribes
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(ch) })
	}
}

// Publish sends e to every subscriber without blocking
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	var slow []chan Event
	b.mu.RLock()
	for ch := range b.clients {
		select {
		case ch <- e:
		default:
			slow = append(slow, ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range slow {
		b.remove(ch)
	}
}

// Subscribers returns the number of live subscribers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Bus) remove(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
}

// Nop discards events
type Nop struct{}

// Publish does nothing
func (Nop) Publish(Event) {}
