// Package kernel drives the simulation's discrete-event loop: a single
// logical clock, a min-heap of pending wakeups, and a mandatory end-of-run
// message flush. There is no wall-clock sleeping and no goroutine fan-out
// inside the loop itself; everything advances one event at a time.
package kernel

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kairos/internal/bus"
	"kairos/internal/metrics"
)

// ClockSource is the view of the kernel an agent is bound against: enough to
// read the current logical time and to ask for a future wakeup.
type ClockSource interface {
	CurrentTime() int64
	ScheduleAgentWakeup(agentID string, timestamp int64)
}

// Agent is the minimum any participant must implement to be registered with
// a Kernel: an identity, a way to receive its bus binding, and a way to
// receive messages. agent.Base implements all three.
type Agent interface {
	AgentID() string
	Bind(b *bus.Bus, clock ClockSource)
	Receive(msg bus.Message)
}

// Waker is an Agent that additionally wants scheduled wakeups. Agents that
// only react to messages (agent.Base embedders that never call
// ScheduleWakeup) need not implement it.
type Waker interface {
	Agent
	Wakeup(timestamp int64)
}

// Event is a single pending (timestamp, agent) wakeup.
type Event struct {
	Timestamp int64
	AgentID   string
}

// Kernel owns the event queue, the bus, and the registered agent set for one
// simulation run.
type Kernel struct {
	log         zerolog.Logger
	metrics     *metrics.Instrumentation
	bus         *bus.Bus
	agents      map[string]Agent
	heap        eventHeap
	wakeupSet   map[int64]map[string]struct{}
	currentTime int64
	endTime     int64
}

// Option configures a Kernel at construction time.
type Option func(*Kernel)

// WithInstrumentation attaches optional Prometheus counters.
func WithInstrumentation(m *metrics.Instrumentation) Option {
	return func(k *Kernel) { k.metrics = m }
}

// New returns a Kernel bound to b. The kernel does not own the bus's
// lifecycle beyond calling DeliverMessages as the run progresses.
func New(b *bus.Bus, opts ...Option) *Kernel {
	k := &Kernel{
		log:       log.With().Str("component", "kernel").Logger(),
		bus:       b,
		agents:    make(map[string]Agent),
		wakeupSet: make(map[int64]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// RegisterAgent binds a to the kernel's bus and clock and wires its Receive
// method as the bus handler for its agent ID. Registering the same agent ID
// twice is a programmer error.
func (k *Kernel) RegisterAgent(a Agent) {
	id := a.AgentID()
	if _, exists := k.agents[id]; exists {
		panic(fmt.Sprintf("kernel: agent %q already registered", id))
	}
	k.agents[id] = a
	a.Bind(k.bus, k)
	k.bus.RegisterHandler(id, a.Receive)
}

// CurrentTime returns the kernel's logical clock. It is only meaningful
// while, or after, a run is in progress.
func (k *Kernel) CurrentTime() int64 { return k.currentTime }

// ScheduleAgentWakeup requests that agentID's Wakeup be called at timestamp.
// Scheduling a wakeup in the past is a programmer error and panics;
// scheduling the same (timestamp, agentID) pair twice is deduplicated
// silently, matching the simulator's event-queue invariant.
func (k *Kernel) ScheduleAgentWakeup(agentID string, timestamp int64) {
	if timestamp < k.currentTime {
		panic(fmt.Sprintf("kernel: cannot schedule wakeup for %q in the past (t=%d, now=%d)", agentID, timestamp, k.currentTime))
	}
	set := k.wakeupSet[timestamp]
	if set == nil {
		set = make(map[string]struct{})
		k.wakeupSet[timestamp] = set
	}
	if _, dup := set[agentID]; dup {
		return
	}
	set[agentID] = struct{}{}
	heap.Push(&k.heap, Event{Timestamp: timestamp, AgentID: agentID})
	k.metrics.SetEventQueueDepth(k.heap.Len())
}

// Reset rewinds the kernel to time zero for a run ending at endTime. Run
// calls this itself; it is exposed so a caller that wants to drive the loop
// step by step (see the runner package) can do the same setup.
func (k *Kernel) Reset(endTime int64) {
	k.currentTime = 0
	k.endTime = endTime
}

// Running reports whether the run loop has more work to do. Once it
// reports false the caller must call Flush exactly once to complete the run.
func (k *Kernel) Running() bool {
	return k.currentTime < k.endTime
}

// Step executes one iteration of the run loop's body: it advances
// current_time to the next pending event's timestamp (or straight to
// end_time if the queue is empty or the next event lies beyond end_time),
// and processes whatever falls exactly at that timestamp. If the next event
// lies beyond end_time, Step jumps straight to end_time without processing
// that event at all -- it is simply never reached by this run.
func (k *Kernel) Step() {
	if !k.Running() {
		return
	}
	k.metrics.IncKernelSteps()
	if k.heap.Len() == 0 {
		k.currentTime = k.endTime
		return
	}
	next := k.heap[0].Timestamp
	if next > k.endTime {
		next = k.endTime
	}
	k.currentTime = next
	k.processEventsAt(next)
}

// Flush delivers any messages still pending at the current logical time.
// The run loop always ends with exactly one Flush call: the final Step may
// have triggered wakeups that published further same-timestamp messages,
// and there is no later Step to pick them up.
func (k *Kernel) Flush() {
	k.bus.DeliverMessages(k.currentTime)
}

// Run advances the kernel from time zero to endTime, delivering messages
// and firing wakeups along the way, then performs the mandatory post-loop
// flush. Skipping that final flush would silently drop any message a wakeup
// scheduled for exactly end_time published during the final step.
func (k *Kernel) Run(endTime int64) {
	k.Reset(endTime)
	for k.Running() {
		k.Step()
	}
	k.Flush()
}

func (k *Kernel) processEventsAt(t int64) {
	for k.heap.Len() > 0 && k.heap[0].Timestamp == t {
		heap.Pop(&k.heap)
	}
	k.metrics.SetEventQueueDepth(k.heap.Len())
	k.bus.DeliverMessages(t)
	ids, ok := k.wakeupSet[t]
	if !ok {
		return
	}
	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	delete(k.wakeupSet, t)
	for _, id := range sorted {
		a, ok := k.agents[id]
		if !ok {
			continue
		}
		w, ok := a.(Waker)
		if !ok {
			k.log.Warn().Str("agentID", id).Msg("wakeup scheduled for agent that does not implement Wakeup")
			continue
		}
		w.Wakeup(t)
	}
}

// eventHeap is a container/heap min-heap ordered by (Timestamp, AgentID).
// Ties within the same timestamp only ever occur across distinct agents,
// since (timestamp, agentID) pairs are deduplicated before reaching the
// heap; the AgentID comparison exists purely to give heap a total order.
type eventHeap []Event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].Timestamp != h[j].Timestamp {
		return h[i].Timestamp < h[j].Timestamp
	}
	return h[i].AgentID < h[j].AgentID
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(Event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
