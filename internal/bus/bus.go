// Package bus implements the simulation's publish/subscribe message broker.
//
// Messages are never delivered at publish time. They sit in a priority queue
// keyed by (timestamp, message_id) until the kernel asks for everything up to
// a given timestamp to be flushed, which keeps delivery order deterministic
// regardless of which agent happened to publish first.
package bus

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kairos/internal/metrics"
)

// Message is a single published event. Payload carries a concrete, per-topic
// struct defined by whichever agent owns that topic (see the exchange
// package for the simulator's own payload types); the bus never inspects it.
type Message struct {
	Timestamp int64
	Topic     string
	Payload   any
	SourceID  string
	MessageID string
}

// Handler is invoked once per matching message delivered to a subscriber.
type Handler func(Message)

// Bus is the simulation's message broker. It is not safe for concurrent use;
// the kernel drives it from a single goroutine, matching the rest of the
// simulation core.
type Bus struct {
	log           zerolog.Logger
	metrics       *metrics.Instrumentation
	subscriptions map[string]map[string]struct{} // exact topic -> subscriber IDs
	wildcards     map[string]map[string]struct{} // pattern -> subscriber IDs
	handlers      map[string]Handler             // subscriber ID -> handler
	queue         messageHeap
	seq           uint64
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithInstrumentation attaches optional Prometheus counters. A nil
// Instrumentation (the zero value returned by metrics.New(nil)) is safe and
// turns every recorded metric into a no-op.
func WithInstrumentation(m *metrics.Instrumentation) Option {
	return func(b *Bus) { b.metrics = m }
}

// New returns an empty Bus ready to accept subscriptions and publications.
func New(opts ...Option) *Bus {
	b := &Bus{
		log:           log.With().Str("component", "bus").Logger(),
		subscriptions: make(map[string]map[string]struct{}),
		wildcards:     make(map[string]map[string]struct{}),
		handlers:      make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterHandler associates a subscriber ID with the function invoked when
// a message matching one of its subscriptions is delivered. Agents register
// themselves through kernel.RegisterAgent; tests may call this directly.
func (b *Bus) RegisterHandler(subscriberID string, h Handler) {
	b.handlers[subscriberID] = h
}

// Subscribe registers interest in an exact topic, a "PREFIX.*" pattern, a
// "*.SUFFIX" pattern, or the universal "*" pattern.
func (b *Bus) Subscribe(subscriberID, pattern string) {
	if isWildcard(pattern) {
		set := b.wildcards[pattern]
		if set == nil {
			set = make(map[string]struct{})
			b.wildcards[pattern] = set
		}
		set[subscriberID] = struct{}{}
		return
	}
	set := b.subscriptions[pattern]
	if set == nil {
		set = make(map[string]struct{})
		b.subscriptions[pattern] = set
	}
	set[subscriberID] = struct{}{}
}

// Unsubscribe removes a previously registered subscription. Unsubscribing
// from a pattern that was never subscribed to is a no-op.
func (b *Bus) Unsubscribe(subscriberID, pattern string) {
	if isWildcard(pattern) {
		if set, ok := b.wildcards[pattern]; ok {
			delete(set, subscriberID)
		}
		return
	}
	if set, ok := b.subscriptions[pattern]; ok {
		delete(set, subscriberID)
	}
}

// Publish enqueues a message for later delivery. It assigns a fresh
// MessageID drawn from a monotonic counter (any caller-supplied value is
// overwritten), so that delivery order among same-timestamp messages is a
// deterministic function of publish order -- the same role the kernel's own
// event heap gives agent ID on a timestamp tie, not a source of randomness
// the way a UUID would be. It returns the stamped message for callers that
// want to log or record it.
func (b *Bus) Publish(msg Message) Message {
	msg.MessageID = fmt.Sprintf("%020d", b.seq)
	b.seq++
	heap.Push(&b.queue, msg)
	return msg
}

// DeliverMessages pops every pending message with Timestamp <= t, in
// (timestamp, message_id) order, and invokes the handler of every matching
// subscriber once per message. A message with no matching subscribers, or
// whose subscriber never registered a handler, is dropped silently (with a
// debug log line) rather than treated as an error. Every due message is
// popped before any handler runs, so messages that handlers publish during
// this call stay queued for the next DeliverMessages call.
func (b *Bus) DeliverMessages(t int64) {
	var due []Message
	for b.queue.Len() > 0 && b.queue[0].Timestamp <= t {
		due = append(due, heap.Pop(&b.queue).(Message))
	}
	for _, msg := range due {
		recipients := b.findRecipients(msg.Topic)
		for _, id := range recipients {
			h, ok := b.handlers[id]
			if !ok {
				b.log.Debug().Str("subscriber", id).Str("topic", msg.Topic).Msg("no handler registered for subscriber")
				continue
			}
			h(msg)
			if b.metrics != nil {
				b.metrics.IncMessagesDelivered()
			}
		}
		if len(recipients) == 0 {
			b.log.Debug().Str("topic", msg.Topic).Msg("message has no subscribers")
		}
	}
}

func (b *Bus) findRecipients(topic string) []string {
	seen := make(map[string]struct{})
	if set, ok := b.subscriptions[topic]; ok {
		for id := range set {
			seen[id] = struct{}{}
		}
	}
	for pattern, set := range b.wildcards {
		if matchesPattern(topic, pattern) {
			for id := range set {
				seen[id] = struct{}{}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func isWildcard(pattern string) bool {
	return pattern == "*" || strings.HasSuffix(pattern, ".*") || strings.HasPrefix(pattern, "*.")
}

func matchesPattern(topic, pattern string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(topic, strings.TrimPrefix(pattern, "*"))
	default:
		return topic == pattern
	}
}

// messageHeap is a container/heap min-heap ordered by (Timestamp, MessageID).
type messageHeap []Message

func (h messageHeap) Len() int { return len(h) }
func (h messageHeap) Less(i, j int) bool {
	if h[i].Timestamp != h[j].Timestamp {
		return h[i].Timestamp < h[j].Timestamp
	}
	return h[i].MessageID < h[j].MessageID
}
func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x any)   { *h = append(*h, x.(Message)) }
func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	*h = old[:n-1]
	return m
}
