// Package bus implements the core's topic-keyed event bus: a
// thread-safe, reentrancy-guarded multi-producer/multi-consumer
// pub/sub mechanism that the hotkey interceptor, input executor,
// scheduler and macro controller communicate through instead of
// holding references to one another.
package bus

import (
	"fmt"
	"sync"

	"github.com/soloxyq/pyahk/internal/logx"
)

// ErrorTopic is where aggregated handler failures are published.
const ErrorTopic = "core:handler_error"

// HandlerError is the payload published on ErrorTopic.
type HandlerError struct {
	Topic string
	Cause error
}

// Handler receives a published payload. A panic inside a handler is
// recovered and isolated: it neither stops sibling handlers for the
// same publish, nor the publisher.
type Handler func(payload any)

type subscription struct {
	id      uint64
	topic   string
	handler Handler
}

// Bus routes published payloads to per-topic subscriber lists.
type Bus struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[string][]subscription
	bridged map[string]chan any // topic -> coordinator inbox, for bridged topics
	wg      sync.WaitGroup

	// publishing tracks, per topic, whether a publish of that topic is
	// currently in progress on some goroutine, and the queue of nested
	// publishes deferred until the outer one finishes.
	publishing map[string]*inflight
}

type inflight struct {
	mu      sync.Mutex
	active  bool
	pending []any
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[string][]subscription),
		bridged:    make(map[string]chan any),
		publishing: make(map[string]*inflight),
	}
}

// Subscribe registers handler for topic and returns a subscription id
// usable with Unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id, topic, handler})
	return id
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subs {
		for i, s := range subs {
			if s.id == id {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Bridge marks topic as bridged: publishes to it are marshaled onto a
// single coordinator goroutine instead of running synchronously on the
// publisher's goroutine, so every handler for a bridged topic observes
// deliveries in one serialized order regardless of which goroutine
// published them. Bridge must be called before the first Publish to
// that topic; it is not safe to call concurrently with Publish.
func (b *Bus) Bridge(topic string) {
	b.mu.Lock()
	if _, ok := b.bridged[topic]; ok {
		b.mu.Unlock()
		return
	}
	inbox := make(chan any, 256)
	b.bridged[topic] = inbox
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for payload := range inbox {
			b.deliver(topic, payload)
		}
	}()
}

// Publish delivers payload to every subscriber of topic. For
// non-bridged topics delivery is synchronous on the caller's
// goroutine; for bridged topics it is handed off to the topic's
// coordinator goroutine and this call returns immediately.
//
// Reentrancy guard: if publish(topic) is already in progress somewhere
// on the call stack that led here, the nested publish is queued and
// delivered after the outer publish's handlers have all run, rather
// than being delivered recursively. The guard is per topic, not per
// goroutine: a publish of a topic that another goroutine is currently
// delivering is queued the same way, delivered by that goroutine, and
// this call returns without waiting for it.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	if inbox, ok := b.bridged[topic]; ok {
		b.mu.Unlock()
		inbox <- payload
		return
	}
	b.mu.Unlock()

	b.mu.Lock()
	fl, ok := b.publishing[topic]
	if !ok {
		fl = &inflight{}
		b.publishing[topic] = fl
	}
	b.mu.Unlock()

	fl.mu.Lock()
	if fl.active {
		fl.pending = append(fl.pending, payload)
		fl.mu.Unlock()
		return
	}
	fl.active = true
	fl.mu.Unlock()

	b.deliver(topic, payload)

	for {
		fl.mu.Lock()
		if len(fl.pending) == 0 {
			fl.active = false
			fl.mu.Unlock()
			return
		}
		next := fl.pending[0]
		fl.pending = fl.pending[1:]
		fl.mu.Unlock()
		b.deliver(topic, next)
	}
}

// deliver invokes every subscriber of topic with payload, isolating
// each handler's failure from its siblings and from the publisher.
func (b *Bus) deliver(topic string, payload any) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.Unlock()

	var failures []error
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					failures = append(failures, fmt.Errorf("handler panic: %v", r))
				}
			}()
			s.handler(payload)
		}()
	}
	for _, err := range failures {
		logx.Error("bus: handler failed for topic %q: %s", topic, err)
		if topic != ErrorTopic {
			b.Publish(ErrorTopic, HandlerError{Topic: topic, Cause: err})
		}
	}
}

// Close waits for bridged-topic coordinator goroutines to drain. It
// does not unsubscribe handlers; callers that own a Bus for the
// lifetime of a process do not need to call it.
func (b *Bus) Close() {
	b.mu.Lock()
	inboxes := make([]chan any, 0, len(b.bridged))
	for _, inbox := range b.bridged {
		inboxes = append(inboxes, inbox)
	}
	b.bridged = make(map[string]chan any)
	b.mu.Unlock()
	for _, inbox := range inboxes {
		close(inbox)
	}
	b.wg.Wait()
}
