package pubsub

import (
	"context"
	"sync"

	"hxat/internal/domain"
)

const subscriberBuffer = 64

// MemoryBroker is a single-process broker. A member whose buffer is full
// misses the message; delivery is at most once.
type MemoryBroker struct {
	mu     sync.RWMutex
	groups map[string]map[*memorySubscription]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{groups: make(map[string]map[*memorySubscription]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, group string, msg domain.NotificationMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.groups[group] {
		select {
		case sub.out <- msg:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, group string) (domain.Subscription, error) {
	sub := &memorySubscription{broker: b, group: group, out: make(chan domain.NotificationMessage, subscriberBuffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.groups[group] == nil {
		b.groups[group] = make(map[*memorySubscription]struct{})
	}
	b.groups[group][sub] = struct{}{}
	return sub, nil
}

// Members reports how many subscriptions a group has.
func (b *MemoryBroker) Members(group string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups[group])
}

func (b *MemoryBroker) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := b.groups[sub.group]
	if _, ok := members[sub]; !ok {
		return
	}
	delete(members, sub)
	if len(members) == 0 {
		delete(b.groups, sub.group)
	}
	close(sub.out)
}

type memorySubscription struct {
	broker *MemoryBroker
	group  string
	out    chan domain.NotificationMessage
}

func (s *memorySubscription) Messages() <-chan domain.NotificationMessage {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.broker.remove(s)
	return nil
}

var (
	_ domain.Broker = (*MemoryBroker)(nil)
	_ domain.Broker = (*RedisBroker)(nil)
)
