// Package agent provides the capability-interface contract every simulation
// participant is built from. Rather than a single abstract base class, a
// concrete agent embeds Base for the mechanical parts (bus binding,
// subscription bookkeeping, publish rate limiting) and implements Receive
// and, optionally, Wakeup itself.
package agent

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"kairos/internal/bus"
	"kairos/internal/kernel"
)

const (
	defaultPublishRate  = 10000 // messages per simulated second
	defaultPublishBurst = 10000
)

// Receiver is implemented by anything that can accept bus messages. Base
// satisfies it with a no-op so a passive agent needs no method of its own.
type Receiver interface {
	Receive(msg bus.Message)
}

// Waker is implemented by agents that schedule themselves for future
// wakeups. Base does not implement it; an embedder opts in by defining its
// own Wakeup method, which the kernel picks up when a scheduled wakeup
// fires, via a type assertion against kernel.Waker.
type Waker interface {
	Wakeup(timestamp int64)
}

// Base is the embeddable mechanical core shared by every agent: identity,
// bus binding, subscription management, rate-limited publish, and a bridge
// to the kernel's wakeup scheduling.
type Base struct {
	id            string
	bus           *bus.Bus
	clock         kernel.ClockSource
	subscriptions map[string]struct{}
	limiter       *rate.Limiter
	log           zerolog.Logger
}

// NewBase constructs an unbound agent core. It must be registered with a
// kernel (kernel.RegisterAgent) before Subscribe, Publish, or ScheduleWakeup
// may be called.
func NewBase(id string) *Base {
	return &Base{
		id:            id,
		subscriptions: make(map[string]struct{}),
		limiter:       rate.NewLimiter(rate.Limit(defaultPublishRate), defaultPublishBurst),
		log:           log.With().Str("component", "agent").Str("agentID", id).Logger(),
	}
}

// AgentID returns the agent's identity, as used in bus routing and kernel
// wakeup scheduling.
func (b *Base) AgentID() string { return b.id }

// Bind attaches the agent to its bus and kernel clock. kernel.RegisterAgent
// calls this; agents should not call it themselves.
func (b *Base) Bind(bs *bus.Bus, clock kernel.ClockSource) {
	b.bus = bs
	b.clock = clock
}

// Receive is the default, no-op message handler. Concrete agents override
// it by defining their own Receive method, which Go's method resolution
// prefers over this promoted one.
func (b *Base) Receive(bus.Message) {}

// Subscribe registers interest in a topic or pattern.
func (b *Base) Subscribe(pattern string) {
	b.requireBound()
	b.subscriptions[pattern] = struct{}{}
	b.bus.Subscribe(b.id, pattern)
}

// Unsubscribe removes a previously registered subscription.
func (b *Base) Unsubscribe(pattern string) {
	b.requireBound()
	delete(b.subscriptions, pattern)
	b.bus.Unsubscribe(b.id, pattern)
}

// Publish sends payload to topic, stamped with the kernel's current logical
// time unless an explicit timestamp is supplied. Publishing before the
// agent is bound to a kernel is a programmer error and panics. A burst of
// publishes beyond the agent's configured rate is dropped with a warning
// rather than blocking the simulation loop.
func (b *Base) Publish(topic string, payload any, timestamp ...int64) {
	b.requireBound()
	ts := b.clock.CurrentTime()
	if len(timestamp) > 0 {
		ts = timestamp[0]
	}
	if !b.limiter.AllowN(time.UnixMilli(ts), 1) {
		b.log.Warn().Str("topic", topic).Msg("publish dropped: agent outbound rate limit exceeded")
		return
	}
	b.bus.Publish(bus.Message{
		Timestamp: ts,
		Topic:     topic,
		Payload:   payload,
		SourceID:  b.id,
	})
}

// ScheduleWakeup asks the kernel to call this agent's Wakeup method at
// timestamp. The embedder must implement Wakeup itself; Base only bridges
// the request through to the kernel.
func (b *Base) ScheduleWakeup(timestamp int64) {
	b.requireBound()
	b.clock.ScheduleAgentWakeup(b.id, timestamp)
}

// CurrentTime returns the kernel's logical clock.
func (b *Base) CurrentTime() int64 {
	b.requireBound()
	return b.clock.CurrentTime()
}

func (b *Base) requireBound() {
	if b.bus == nil || b.clock == nil {
		panic(fmt.Sprintf("agent: %q used before kernel.RegisterAgent bound it to a bus and clock", b.id))
	}
}
