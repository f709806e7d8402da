package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/openrepo/editsync/common/logger"
)

// ErrClosed is returned when publishing to or subscribing on a closed queue
var ErrClosed = errors.New("queue closed")

// Queue interface for message passing. Every subscriber of a topic receives
// every message published after it subscribed.
type Queue interface {
	Publish(ctx context.Context, topic string, key string, message []byte) error
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Close() error
}

// MessageHandler processes messages
type MessageHandler func(ctx context.Context, key string, value []byte) error

// Message represents a queue message
type Message struct {
	Topic string
	Key   string
	Value []byte
}

const subscriberBuffer = 1000

// MemoryQueue is an in-process broadcast queue
type MemoryQueue struct {
	topics map[string][]chan *Message
	closed bool
	mu     sync.RWMutex
	log    *logger.Logger
	wg     sync.WaitGroup
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		topics: make(map[string][]chan *Message),
		log:    log,
	}
}

// Publish publishes a message to every subscriber of topic
func (q *MemoryQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	msg := &Message{
		Topic: topic,
		Key:   key,
		Value: message,
	}

	for _, ch := range q.topics[topic] {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		default:
			q.log.Warn("queue full, dropping message", "topic", topic, "key", key)
		}
	}
	return nil
}

// Subscribe registers handler for topic until ctx is cancelled
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	ch := make(chan *Message, subscriberBuffer)
	q.topics[topic] = append(q.topics[topic], ch)
	q.mu.Unlock()

	q.log.Info("subscribing to topic", "topic", topic)

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.unsubscribe(topic, ch)
		for {
			select {
			case <-ctx.Done():
				q.log.Info("subscription cancelled", "topic", topic)
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, msg.Key, msg.Value); err != nil {
					q.log.Error("message handler error", "topic", topic, "key", msg.Key, "error", err)
				}
			}
		}
	}()

	return nil
}

func (q *MemoryQueue) unsubscribe(topic string, ch chan *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	subs := q.topics[topic]
	for i, c := range subs {
		if c == ch {
			q.topics[topic] = append(subs[:i], subs[i+1:]...)
			if !q.closed {
				close(ch)
			}
			return
		}
	}
}

// Close closes every subscription and waits for handlers to return
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for topic, subs := range q.topics {
		for _, ch := range subs {
			close(ch)
		}
		q.log.Info("closed topic", "topic", topic)
	}
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}
