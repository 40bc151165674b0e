// bus.go implements thread-safe pub/sub with bounded per-subscriber
// channels and bounded replay history. Publish never blocks: a subscriber
// that falls behind loses events rather than stalling the publisher.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// DefaultHistorySize is the number of recent events retained for replay.
	DefaultHistorySize = 500

	// DefaultChannelBuffer is the per-subscriber channel capacity.
	DefaultChannelBuffer = 100
)

// SubscriptionID identifies one subscription.
type SubscriptionID string

// subscription couples a handler with its delivery channel.
type subscription struct {
	id        SubscriptionID
	eventType EventType
	handler   func(Event)
	ch        chan Event
	done      chan struct{}
}

// Bus is the event bus. Handlers run on a dedicated goroutine per
// subscription, in publish order for that subscription.
type Bus struct {
	mu          sync.RWMutex
	subs        map[SubscriptionID]*subscription
	typed       map[EventType]map[SubscriptionID]*subscription
	wildcard    map[SubscriptionID]*subscription
	subCounter  uint64
	history     []Event
	historySize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a bus with the default history size.
func New() *Bus {
	return NewWithHistory(DefaultHistorySize)
}

// NewWithHistory creates a bus retaining historySize events for replay.
func NewWithHistory(historySize int) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:        make(map[SubscriptionID]*subscription),
		typed:       make(map[EventType]map[SubscriptionID]*subscription),
		wildcard:    make(map[SubscriptionID]*subscription),
		history:     make([]Event, 0, historySize),
		historySize: historySize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Subscribe registers a handler for eventType. An empty event type
// subscribes to all events. Returns the subscription ID.
func (b *Bus) Subscribe(eventType EventType, handler func(Event)) SubscriptionID {
	if b.closed.Load() {
		return ""
	}

	b.mu.Lock()
	b.subCounter++
	id := SubscriptionID(fmt.Sprintf("sub_%d", b.subCounter))
	sub := &subscription{
		id:        id,
		eventType: eventType,
		handler:   handler,
		ch:        make(chan Event, DefaultChannelBuffer),
		done:      make(chan struct{}),
	}
	b.subs[id] = sub
	if eventType == "" {
		b.wildcard[id] = sub
	} else {
		if b.typed[eventType] == nil {
			b.typed[eventType] = make(map[SubscriptionID]*subscription)
		}
		b.typed[eventType][id] = sub
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliver(sub)
	return id
}

func (b *Bus) deliver(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case event := <-sub.ch:
			sub.handler(event)
		case <-sub.done:
			return
		case <-b.ctx.Done():
			return
		}
	}
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id SubscriptionID) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}

	b.mu.Lock()
	sub, exists := b.subs[id]
	if !exists {
		b.mu.Unlock()
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(b.subs, id)
	if sub.eventType == "" {
		delete(b.wildcard, id)
	} else if typed, ok := b.typed[sub.eventType]; ok {
		delete(typed, id)
		if len(typed) == 0 {
			delete(b.typed, sub.eventType)
		}
	}
	b.mu.Unlock()

	close(sub.done)
	return nil
}

// Publish fans an event out to matching subscribers. Never blocks; a full
// subscriber channel drops the event for that subscriber only.
func (b *Bus) Publish(event Event) error {
	if b.closed.Load() {
		return fmt.Errorf("bus is closed")
	}
	if event.ID == "" {
		filled := NewEvent(event.Type)
		filled.RequestID = event.RequestID
		filled.ConversationID = event.ConversationID
		filled.Status = event.Status
		filled.Role = event.Role
		filled.Content = event.Content
		filled.State = event.State
		filled.Error = event.Error
		event = filled
	}

	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.wildcard {
		select {
		case sub.ch <- event:
		default:
		}
	}
	for _, sub := range b.typed[event.Type] {
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// History returns a copy of the retained events.
func (b *Bus) History() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make([]Event, len(b.history))
	copy(result, b.history)
	return result
}

// RecentHistory returns the last n retained events.
func (b *Bus) RecentHistory(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n > len(b.history) {
		n = len(b.history)
	}
	result := make([]Event, n)
	copy(result, b.history[len(b.history)-n:])
	return result
}

// SubscriptionsCount returns the number of active subscriptions.
func (b *Bus) SubscriptionsCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts down the bus and all delivery goroutines.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already closed")
	}

	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	b.subs = make(map[SubscriptionID]*subscription)
	b.typed = make(map[EventType]map[SubscriptionID]*subscription)
	b.wildcard = make(map[SubscriptionID]*subscription)
	b.mu.Unlock()
	return nil
}
