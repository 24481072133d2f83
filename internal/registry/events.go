package registry

import (
	"sync"

	"github.com/abdullathedruid/companiond/internal/timeline"
)

// EventType enumerates the events the registry publishes.
type EventType string

const (
	EventConversationUpdate   EventType = "conversation-update"
	EventStatusChange         EventType = "status-change"
	EventPendingApproval      EventType = "pending-approval"
	EventCompaction           EventType = "compaction"
	EventOtherSessionActivity EventType = "other-session-activity"
	EventErrorDetected        EventType = "error-detected"
	EventSessionCompleted     EventType = "session-completed"
)

// Event is one published registry event.
type Event struct {
	Type      EventType `json:"event"`
	SessionID string    `json:"sessionId"`
	Payload   any       `json:"payload,omitempty"`
}

// ConversationUpdatePayload accompanies conversation-update.
type ConversationUpdatePayload struct {
	Path       string                    `json:"path"`
	Messages   []*timeline.Message       `json:"messages"`
	Highlights []timeline.ActivityRecord `json:"highlights,omitempty"`
}

// StatusChangePayload accompanies status-change.
type StatusChangePayload struct {
	IsWaitingForInput bool   `json:"isWaitingForInput"`
	CurrentActivity   string `json:"currentActivity,omitempty"`
	LastMessage       string `json:"lastMessage,omitempty"`
}

// PendingApprovalPayload accompanies pending-approval.
type PendingApprovalPayload struct {
	ProjectPath string                 `json:"projectPath"`
	Tools       []timeline.PendingTool `json:"tools"`
}

// CompactionPayload accompanies compaction.
type CompactionPayload struct {
	ProjectPath string `json:"projectPath"`
	SessionName string `json:"sessionName"`
	Summary     string `json:"summary"`
	Timestamp   string `json:"timestamp"`
}

// OtherSessionActivityPayload accompanies other-session-activity.
type OtherSessionActivityPayload struct {
	ProjectPath       string `json:"projectPath"`
	SessionName       string `json:"sessionName"`
	IsWaitingForInput bool   `json:"isWaitingForInput"`
	LastMessage       string `json:"lastMessage,omitempty"`
	NewMessageCount   int    `json:"newMessageCount"`
}

// NotificationPayload accompanies error-detected and session-completed.
type NotificationPayload struct {
	ProjectPath string `json:"projectPath"`
	SessionName string `json:"sessionName"`
	Content     string `json:"content"`
}

// subscriberQueueSize bounds each subscriber's backlog; slow consumers
// lose the oldest events first.
const subscriberQueueSize = 64

// Broker fans registry events out to subscribers. Each subscriber has a
// bounded queue; on overflow the oldest event is dropped so the stream
// stays current.
type Broker struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its id and channel.
func (b *Broker) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberQueueSize)
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Queue full: drop the oldest, then deliver.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close removes all subscribers.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
