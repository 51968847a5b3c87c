// Package runner wires a kernel, a bus, and an exchange agent together into
// a single runnable simulation and records everything published along the
// way, the way the original system's example driver scripts did by hand.
package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	tomb "gopkg.in/tomb.v2"

	"kairos/internal/agent"
	"kairos/internal/bus"
	"kairos/internal/exchange"
	"kairos/internal/kernel"
	"kairos/internal/metrics"
	"kairos/internal/orderbook"
	"kairos/internal/workerpool"
)

// Ledger accumulates every message published during a run, plus the trades
// extracted from TRADE messages, for post-run inspection or assertions. It
// is safe to read from a different goroutine than the one driving Run,
// since the run itself executes on a tomb-managed goroutine.
type Ledger struct {
	mu       sync.Mutex
	Messages []bus.Message
	Trades   []orderbook.Trade
}

func (l *Ledger) record(msg bus.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, msg)
	if strings.HasSuffix(msg.Topic, ".TRADE") {
		if tp, ok := msg.Payload.(exchange.TradePayload); ok {
			symbol := strings.TrimSuffix(msg.Topic, ".TRADE")
			l.Trades = append(l.Trades, orderbook.Trade{
				TradeID:   tp.TradeID,
				Symbol:    symbol,
				Price:     tp.Price,
				Quantity:  tp.Quantity,
				BuyerID:   tp.BuyerID,
				SellerID:  tp.SellerID,
				Timestamp: msg.Timestamp,
			})
		}
	}
}

// Snapshot returns a copy of the ledger's current message and trade lists.
func (l *Ledger) Snapshot() ([]bus.Message, []orderbook.Trade) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := make([]bus.Message, len(l.Messages))
	copy(msgs, l.Messages)
	trades := make([]orderbook.Trade, len(l.Trades))
	copy(trades, l.Trades)
	return msgs, trades
}

// recorder is a passive agent subscribed to every topic, used purely to
// populate a Ledger; it never publishes anything of its own.
type recorder struct {
	*agent.Base
	ledger *Ledger
}

func (r *recorder) Receive(msg bus.Message) {
	r.ledger.record(msg)
}

// Runner owns a kernel, bus, and exchange agent wired together for one
// simulation run, plus a Ledger recording everything published.
type Runner struct {
	Kernel   *kernel.Kernel
	Bus      *bus.Bus
	Exchange *exchange.ExchangeAgent
	Ledger   *Ledger

	t *tomb.Tomb
}

// New constructs a Runner with a fresh bus and kernel, registers an
// exchange agent under exchangeID, and wires a ledger recorder subscribed
// to every topic.
func New(exchangeID string, registry prometheus.Registerer, exchangeOpts ...exchange.Option) *Runner {
	var instrumentation *metrics.Instrumentation
	if registry != nil {
		instrumentation = metrics.New(registry)
		exchangeOpts = append(exchangeOpts, exchange.WithInstrumentation(instrumentation))
	}

	b := bus.New(bus.WithInstrumentation(instrumentation))
	k := kernel.New(b, kernel.WithInstrumentation(instrumentation))

	ex := exchange.New(exchangeID, exchangeOpts...)
	k.RegisterAgent(ex)

	ledger := &Ledger{}
	rec := &recorder{Base: agent.NewBase(exchangeID + "-ledger"), ledger: ledger}
	k.RegisterAgent(rec)
	rec.Subscribe("*")

	return &Runner{Kernel: k, Bus: b, Exchange: ex, Ledger: ledger}
}

// Run drives the kernel from time zero to endTime on a tomb-managed
// goroutine, so callers can cancel via ctx between steps. The kernel's own
// Run loop has no cancellation points, which is why Runner drives Step
// itself rather than calling Kernel.Run directly.
func (r *Runner) Run(ctx context.Context, endTime int64) error {
	t, ctx := tomb.WithContext(ctx)
	r.t = t
	t.Go(func() error {
		r.Kernel.Reset(endTime)
		for r.Kernel.Running() {
			select {
			case <-t.Dying():
				return nil
			default:
				r.Kernel.Step()
			}
		}
		r.Kernel.Flush()
		return nil
	})
	<-t.Dead()
	return t.Err()
}

// Stop requests early cancellation of an in-progress Run.
func (r *Runner) Stop() {
	if r.t != nil {
		r.t.Kill(nil)
	}
}

// SubmitLiquidityScoreJob takes a point-in-time snapshot of symbol's order
// book (at whatever depth the kernel has processed up to so far) and hands
// the score computation off to pool, entirely off the kernel's single
// logical thread. The result arrives on the returned channel once the pool
// gets to it; this never touches the live book after the snapshot is taken
// and must never be used to answer a MARKET_DEPTH query, which spec.md
// requires to be synchronous.
func (r *Runner) SubmitLiquidityScoreJob(pool *workerpool.Pool, symbol string, referenceQuantity uint64, depth int) (<-chan float64, error) {
	book, ok := r.Exchange.OrderBook(symbol)
	if !ok {
		return nil, fmt.Errorf("runner: unknown symbol %q", symbol)
	}
	snap := book.Snapshot(depth)
	result := make(chan float64, 1)
	pool.Submit(func() {
		result <- snap.LiquidityScore(referenceQuantity)
	})
	return result, nil
}
