package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"hxat/internal/domain"

	"github.com/redis/go-redis/v9"
)

// RedisBroker fans messages out over Redis PUBLISH/SUBSCRIBE so every
// gateway replica reaches its own websocket members.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBroker(client redis.UniversalClient, prefix string) *RedisBroker {
	return &RedisBroker{client: client, prefix: prefix}
}

func (b *RedisBroker) Publish(ctx context.Context, group string, msg domain.NotificationMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.prefix+group, payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotificationPublish, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so messages
// published after it returns are delivered.
func (b *RedisBroker) Subscribe(ctx context.Context, group string) (domain.Subscription, error) {
	ps := b.client.Subscribe(ctx, b.prefix+group)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSubscription{ps: ps, out: make(chan domain.NotificationMessage, subscriberBuffer)}
	go sub.relay()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan domain.NotificationMessage
	once sync.Once
}

func (s *redisSubscription) relay() {
	defer close(s.out)
	for m := range s.ps.Channel() {
		var msg domain.NotificationMessage
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			continue
		}
		select {
		case s.out <- msg:
		default:
		}
	}
}

func (s *redisSubscription) Messages() <-chan domain.NotificationMessage {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}
