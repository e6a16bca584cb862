package events

import (
	"strings"
	"sync"
	"time"

	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

const defaultBufferSize = 64

// Event kinds
const (
	KindStageStarted  = "stage_started"
	KindStageRetrying = "stage_retrying"
	KindStatusChanged = "status_changed"
	KindCompleted     = "completed"
	KindFailed        = "failed"
)

// StatusEvent is published whenever the pipeline moves a task
type StatusEvent struct {
	TaskID  string           `json:"task_id"`
	Kind    string           `json:"kind"`
	Stage   types.Stage      `json:"stage,omitempty"`
	Status  types.Status     `json:"status"`
	Attempt int              `json:"attempt,omitempty"`
	Error   *types.TaskError `json:"error,omitempty"`
	At      time.Time        `json:"at"`
}

// TaskTopic is the topic prefix every event of one task is published under
func TaskTopic(taskID string) string {
	return "task." + taskID + "."
}

// Subscription receives the events matching its prefix
type Subscription struct {
	id     int
	prefix string
	ch     chan StatusEvent
}

// Ch returns the channel to receive events on
func (s *Subscription) Ch() <-chan StatusEvent {
	return s.ch
}

// Bus is an in-process pub/sub bus with topic prefix matching.
// Delivery is non-blocking; a subscriber whose buffer is full misses events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates an empty bus
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers interest in topics starting with prefix.
// An empty prefix matches everything.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		ch:     make(chan StatusEvent, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends ev to every subscriber of its task topic
func (b *Bus) Publish(ev StatusEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	topic := TaskTopic(ev.TaskID) + ev.Kind

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
