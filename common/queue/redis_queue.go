package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openrepo/editsync/common/logger"
	"github.com/openrepo/editsync/common/redis"
)

// envelope carries the message key across Redis pub/sub, which only has a payload
type envelope struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// RedisQueue fans messages out across instances over Redis pub/sub
type RedisQueue struct {
	client *redis.Client
	log    *logger.Logger
	mu     sync.Mutex
	closed bool
	cancel []context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisQueue creates a queue backed by Redis pub/sub
func NewRedisQueue(client *redis.Client, log *logger.Logger) *RedisQueue {
	return &RedisQueue{client: client, log: log}
}

// Publish publishes a message on the topic channel
func (q *RedisQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	payload, err := json.Marshal(envelope{Key: key, Value: message})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return q.client.PublishEvent(ctx, topic, string(payload))
}

// Subscribe listens on the topic channel until ctx is cancelled or the queue closes
func (q *RedisQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = append(q.cancel, cancel)
	q.mu.Unlock()

	pubsub := q.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	q.log.Info("subscribed to redis channel", "topic", topic)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					q.log.Warn("dropping malformed message", "topic", topic, "error", err)
					continue
				}
				if err := handler(ctx, env.Key, env.Value); err != nil {
					q.log.Error("message handler error", "topic", topic, "key", env.Key, "error", err)
				}
			}
		}
	}()

	return nil
}

// Close cancels every subscription
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	cancels := q.cancel
	q.cancel = nil
	q.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	q.wg.Wait()
	return nil
}
