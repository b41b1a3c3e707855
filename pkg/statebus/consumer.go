// Package statebus moves JSON messages between the gateway and the rest of
// the fleet over Kafka.
package statebus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by a consumer that will never yield another message.
var ErrClosed = errors.New("statebus: consumer closed")

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Producer interface {
	Publish(ctx context.Context, key string, v any) error
	Close() error
}

// ChanConsumer is an in-process Consumer fed through Send.
type ChanConsumer struct {
	ch   chan Message
	once sync.Once
	done chan struct{}
}

func NewChanConsumer(buffer int) *ChanConsumer {
	return &ChanConsumer{ch: make(chan Message, buffer), done: make(chan struct{})}
}

// Send queues a message. It reports false once the consumer is closed.
func (c *ChanConsumer) Send(ctx context.Context, m Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.ch <- m:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *ChanConsumer) ReadMessage(ctx context.Context) (Message, error) {
	select {
	case m := <-c.ch:
		return m, nil
	case <-c.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *ChanConsumer) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
