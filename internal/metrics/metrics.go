// Package metrics wraps the simulator's optional Prometheus instrumentation.
// Every counter/gauge is observational only; nothing in the simulation core
// reads a metric back to make a decision, and a nil *Instrumentation makes
// every recorded call a no-op so components can hold one unconditionally.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Instrumentation holds the simulator's Prometheus collectors.
type Instrumentation struct {
	KernelSteps       prometheus.Counter
	EventQueueDepth   prometheus.Gauge
	MessagesDelivered prometheus.Counter
	TradesMatched     prometheus.Counter
	OrderBookDepth    *prometheus.GaugeVec
}

// New builds the collector set and, if registry is non-nil, registers them.
// Passing a nil registry is useful in tests that want real collectors
// without a global registration side effect.
func New(registry prometheus.Registerer) *Instrumentation {
	i := &Instrumentation{
		KernelSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kairos_kernel_steps_total",
			Help: "Number of discrete-event kernel steps processed.",
		}),
		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kairos_kernel_event_queue_depth",
			Help: "Number of pending events in the kernel's event queue.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kairos_bus_messages_delivered_total",
			Help: "Number of message bus deliveries made to subscriber handlers.",
		}),
		TradesMatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kairos_orderbook_trades_matched_total",
			Help: "Number of trades produced by order book matching.",
		}),
		OrderBookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kairos_orderbook_depth",
			Help: "Aggregate resting quantity across all price levels, by symbol and side.",
		}, []string{"symbol", "side"}),
	}
	if registry != nil {
		registry.MustRegister(i.KernelSteps, i.EventQueueDepth, i.MessagesDelivered, i.TradesMatched, i.OrderBookDepth)
	}
	return i
}

func (i *Instrumentation) IncKernelSteps() {
	if i == nil {
		return
	}
	i.KernelSteps.Inc()
}

func (i *Instrumentation) SetEventQueueDepth(n int) {
	if i == nil {
		return
	}
	i.EventQueueDepth.Set(float64(n))
}

func (i *Instrumentation) IncMessagesDelivered() {
	if i == nil {
		return
	}
	i.MessagesDelivered.Inc()
}

func (i *Instrumentation) IncTradesMatched() {
	if i == nil {
		return
	}
	i.TradesMatched.Inc()
}

func (i *Instrumentation) SetOrderBookDepth(symbol, side string, quantity uint64) {
	if i == nil {
		return
	}
	i.OrderBookDepth.WithLabelValues(symbol, side).Set(float64(quantity))
}
