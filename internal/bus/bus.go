// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus is an in-process pub/sub layer with batched, debounced
// per-topic delivery. Rapid publishes to a topic collapse into one
// flush after batchDelay of quiet; each flush groups the topic's
// queued events by subtype and hands every group to the subscribers in
// subscription order. Delivery runs on a single bus goroutine, so
// handlers must not block.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one published occurrence on a topic. Type is the subtype
// used to group events within a batch.
type Event struct {
	Topic     string         `json:"topic"`
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Handler receives one subtype group per invocation, in publish order.
// A returned error is logged; it never stops delivery to other
// subscribers.
type Handler func(events []*Event) error

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus   *Bus
	topic string
	id    int64
	once  sync.Once
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.topic, s.id)
	})
}

type subscriber struct {
	id      int64
	handler Handler
}

type topicQueue struct {
	timer  *time.Timer
	events []*Event
}

type flushJob struct {
	topic  string
	events []*Event
}

// Bus delivers events to topic subscribers in debounced batches.
type Bus struct {
	batchDelay time.Duration
	logger     *slog.Logger

	mu          sync.Mutex
	closed      bool
	subscribers map[string][]*subscriber
	pending     map[string]*topicQueue
	nextSubID   int64

	history *historyRing
	dropped atomic.Int64

	flushCh   chan flushJob
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New creates a bus whose topics flush after batchDelay of publish
// silence and whose history retains the last maxHistorySize events.
func New(batchDelay time.Duration, maxHistorySize int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if batchDelay <= 0 {
		batchDelay = 100 * time.Millisecond
	}
	if maxHistorySize <= 0 {
		maxHistorySize = 100
	}

	b := &Bus{
		batchDelay:  batchDelay,
		logger:      logger.With("component", "bus"),
		subscribers: make(map[string][]*subscriber),
		pending:     make(map[string]*topicQueue),
		history:     newHistoryRing(maxHistorySize),
		flushCh:     make(chan flushJob, 64),
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers a handler for a topic. Subscribers receive
// batches in the order they subscribed.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	id := b.nextSubID
	b.subscribers[topic] = append(b.subscribers[topic], &subscriber{id: id, handler: handler})
	setSubscriberCount(topic, len(b.subscribers[topic]))

	return &Subscription{bus: b, topic: topic, id: id}
}

func (b *Bus) unsubscribe(topic string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[topic]) == 0 {
		delete(b.subscribers, topic)
	}
	setSubscriberCount(topic, len(b.subscribers[topic]))
}

// Publish queues an event on its topic and (re-)schedules the topic's
// flush timer. The event lands in history immediately; delivery to
// subscribers happens after the debounce window closes.
func (b *Bus) Publish(topic string, event *Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}

	event.Topic = topic
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.history.add(event)
	recordPublished(topic)

	tq, exists := b.pending[topic]
	if exists {
		tq.timer.Stop()
		tq.events = append(tq.events, event)
	} else {
		tq = &topicQueue{events: []*Event{event}}
		b.pending[topic] = tq
	}
	tq.timer = time.AfterFunc(b.batchDelay, func() {
		b.flush(topic)
	})
	b.mu.Unlock()

	return nil
}

// flush moves a topic's queued events onto the delivery loop.
func (b *Bus) flush(topic string) {
	b.mu.Lock()
	tq, exists := b.pending[topic]
	if !exists || b.closed {
		b.mu.Unlock()
		return
	}
	events := tq.events
	delete(b.pending, topic)
	b.mu.Unlock()

	if len(events) == 0 {
		return
	}

	select {
	case b.flushCh <- flushJob{topic: topic, events: events}:
	case <-b.stopCh:
		b.dropped.Add(int64(len(events)))
		recordDropped(len(events))
	}
}

// run is the bus delivery loop. All subscriber invocations happen
// here, one batch at a time.
func (b *Bus) run() {
	defer close(b.stoppedCh)
	for {
		select {
		case job := <-b.flushCh:
			b.deliver(job)
		case <-b.stopCh:
			// Jobs still queued for delivery are dropped along with
			// the pending debounce queues.
			for {
				select {
				case job := <-b.flushCh:
					b.dropped.Add(int64(len(job.events)))
					recordDropped(len(job.events))
				default:
					return
				}
			}
		}
	}
}

// deliver hands one topic batch, grouped by subtype, to every
// subscriber in subscription order. A failing subscriber is logged and
// skipped for that group only.
func (b *Bus) deliver(job flushJob) {
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subscribers[job.topic]))
	copy(subs, b.subscribers[job.topic])
	b.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	for _, group := range groupBySubtype(job.events) {
		for _, sub := range subs {
			b.invoke(job.topic, sub, group)
		}
	}
	recordBatchDelivered(job.topic)
}

func (b *Bus) invoke(topic string, sub *subscriber, events []*Event) {
	defer func() {
		if r := recover(); r != nil {
			recordHandlerError(topic)
			b.logger.Error("subscriber panicked",
				"topic", topic,
				"subtype", events[0].Type,
				"panic", r)
		}
	}()
	if err := sub.handler(events); err != nil {
		recordHandlerError(topic)
		b.logger.Warn("subscriber failed",
			"topic", topic,
			"subtype", events[0].Type,
			"error", err)
	}
}

// groupBySubtype partitions a batch by event subtype, preserving the
// publish order of first appearance and within each group.
func groupBySubtype(events []*Event) [][]*Event {
	var order []string
	groups := make(map[string][]*Event)
	for _, event := range events {
		if _, seen := groups[event.Type]; !seen {
			order = append(order, event.Type)
		}
		groups[event.Type] = append(groups[event.Type], event)
	}

	out := make([][]*Event, 0, len(order))
	for _, subtype := range order {
		out = append(out, groups[subtype])
	}
	return out
}

// History returns up to limit recent events, oldest first. An empty
// topic matches all topics; limit <= 0 means no limit.
func (b *Bus) History(topic string, limit int) []*Event {
	return b.history.snapshot(topic, limit)
}

// DroppedUpdates reports how many queued events were discarded at
// shutdown instead of delivered.
func (b *Bus) DroppedUpdates() int64 {
	return b.dropped.Load()
}

// Close clears all pending flush timers, drops their queued events
// into the droppedUpdates count, and stops the delivery loop. No
// subscriber runs after Close returns.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	var droppedNow int
	for topic, tq := range b.pending {
		tq.timer.Stop()
		droppedNow += len(tq.events)
		delete(b.pending, topic)
	}
	b.mu.Unlock()

	if droppedNow > 0 {
		b.dropped.Add(int64(droppedNow))
		recordDropped(droppedNow)
	}

	close(b.stopCh)
	<-b.stoppedCh

	if dropped := b.dropped.Load(); dropped > 0 {
		b.logger.Info("bus closed", "dropped_updates", dropped)
	} else {
		b.logger.Info("bus closed")
	}
	return nil
}
