// internal/gameplay/events.go
package gameplay

import (
	"sync"
	"time"
)

// EventType 会话事件类型
type EventType string

const (
	EventNarration EventType = "narration"
	EventChoices   EventType = "choices"
	EventCommitted EventType = "committed"
	EventError     EventType = "error"
	EventState     EventType = "state"
)

const subscriberBuffer = 64

// Event 推送给订阅者的事件。Narration 和 Choices 是当前累计的完整内容。
type Event struct {
	Type      EventType    `json:"type"`
	SessionID string       `json:"session_id"`
	Text      string       `json:"text,omitempty"`
	Choices   []string     `json:"choices,omitempty"`
	Error     string       `json:"error,omitempty"`
	View      *SessionView `json:"view,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// EventBus 非阻塞广播，订阅者来不及读时丢弃事件
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewEventBus 创建事件总线
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Subscribe 返回事件通道和取消函数
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Publish 广播事件
func (b *EventBus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Len 订阅者数量
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
