// Package queue is an in-memory Watermill pubsub with subscription groups.
//
// Every (topic, group) pair owns an ordered queue. Subscribers of the same
// group compete for its messages, an acked message is removed and a nacked
// one goes back to the head of the queue. A group created after messages
// were published starts with every message the topic has seen, so a topic
// can be seeded before anyone subscribes to it.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("queue: pubsub closed")

// DefaultGroup is the group used by the PubSub's own Subscribe.
const DefaultGroup = ""

type PubSub struct {
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	topics  map[string]*topic

	deliveries sync.WaitGroup
}

type topic struct {
	retained []*message.Message
	groups   map[string]*group
}

type group struct {
	mu      sync.Mutex
	pending []*message.Message
	signal  chan struct{}
}

func New(logger watermill.LoggerAdapter) *PubSub {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &PubSub{
		logger:  logger,
		closing: make(chan struct{}),
		topics:  make(map[string]*topic),
	}
}

func (p *PubSub) Publish(topicName string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	t := p.topicLocked(topicName)
	for _, msg := range messages {
		stored := msg.Copy()
		t.retained = append(t.retained, stored)
		for _, g := range t.groups {
			g.pushBack(stored)
		}
	}
	return nil
}

// Subscribe consumes topicName in the default group.
func (p *PubSub) Subscribe(ctx context.Context, topicName string) (<-chan *message.Message, error) {
	return p.subscribe(ctx, topicName, DefaultGroup)
}

// Subscriber returns a subscriber bound to group. Closing it does not close
// the PubSub.
func (p *PubSub) Subscriber(groupName string) message.Subscriber {
	return groupSubscriber{pubsub: p, group: groupName}
}

// Close stops every delivery. Unacked messages are dropped.
func (p *PubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()

	p.deliveries.Wait()
	p.logger.Debug("Queue pubsub closed", nil)
	return nil
}

func (p *PubSub) topicLocked(name string) *topic {
	t, ok := p.topics[name]
	if !ok {
		t = &topic{groups: make(map[string]*group)}
		p.topics[name] = t
	}
	return t
}

func (p *PubSub) subscribe(ctx context.Context, topicName, groupName string) (<-chan *message.Message, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	t := p.topicLocked(topicName)
	g, ok := t.groups[groupName]
	if !ok {
		g = &group{signal: make(chan struct{}, 1)}
		g.pending = append(g.pending, t.retained...)
		t.groups[groupName] = g
	}
	p.deliveries.Add(1)
	p.mu.Unlock()

	out := make(chan *message.Message)
	go p.deliver(ctx, g, out, watermill.LogFields{"topic": topicName, "group": groupName})
	return out, nil
}

// deliver hands the group's messages to out one at a time, in queue order.
func (p *PubSub) deliver(ctx context.Context, g *group, out chan<- *message.Message, fields watermill.LogFields) {
	defer p.deliveries.Done()
	defer close(out)

	for {
		stored, ok := g.pop(ctx, p.closing)
		if !ok {
			return
		}

		delivered := stored.Copy()
		delivered.SetContext(ctx)
		select {
		case out <- delivered:
		case <-ctx.Done():
			g.pushFront(stored)
			return
		case <-p.closing:
			return
		}
		go p.settle(ctx, g, stored, delivered, fields)
	}
}

func (p *PubSub) settle(ctx context.Context, g *group, stored, delivered *message.Message, fields watermill.LogFields) {
	select {
	case <-delivered.Acked():
	case <-delivered.Nacked():
		p.logger.Trace("Nack received, requeueing message", fields.Add(watermill.LogFields{"message_uuid": stored.UUID}))
		g.pushFront(stored)
	case <-ctx.Done():
		select {
		case <-delivered.Acked():
		default:
			g.pushFront(stored)
		}
	case <-p.closing:
	}
}

func (g *group) pop(ctx context.Context, closing <-chan struct{}) (*message.Message, bool) {
	for {
		g.mu.Lock()
		if len(g.pending) > 0 {
			msg := g.pending[0]
			g.pending[0] = nil
			g.pending = g.pending[1:]
			more := len(g.pending) > 0
			g.mu.Unlock()
			if more {
				g.notify()
			}
			return msg, true
		}
		g.mu.Unlock()

		select {
		case <-g.signal:
		case <-ctx.Done():
			return nil, false
		case <-closing:
			return nil, false
		}
	}
}

func (g *group) pushBack(msg *message.Message) {
	g.mu.Lock()
	g.pending = append(g.pending, msg)
	g.mu.Unlock()
	g.notify()
}

func (g *group) pushFront(msg *message.Message) {
	g.mu.Lock()
	g.pending = append([]*message.Message{msg}, g.pending...)
	g.mu.Unlock()
	g.notify()
}

func (g *group) notify() {
	select {
	case g.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of messages waiting in a group, for tests and
// diagnostics. It is zero for a group nobody subscribed yet.
func (p *PubSub) Len(topicName, groupName string) int {
	p.mu.Lock()
	t, ok := p.topics[topicName]
	var g *group
	if ok {
		g = t.groups[groupName]
	}
	p.mu.Unlock()
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

type groupSubscriber struct {
	pubsub *PubSub
	group  string
}

func (s groupSubscriber) Subscribe(ctx context.Context, topicName string) (<-chan *message.Message, error) {
	return s.pubsub.subscribe(ctx, topicName, s.group)
}

func (groupSubscriber) Close() error { return nil }
