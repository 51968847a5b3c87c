package exchange_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kairos/internal/agent"
	"kairos/internal/bus"
	"kairos/internal/exchange"
	"kairos/internal/kernel"
	"kairos/internal/orderbook"
)

// harness wires a bus, kernel, and exchange agent together, plus a
// passive subscriber that records every message it sees.
type harness struct {
	bus      *bus.Bus
	kernel   *kernel.Kernel
	exchange *exchange.ExchangeAgent
	watcher  *watcherAgent
}

type watcherAgent struct {
	*agent.Base
	received []bus.Message
}

func (w *watcherAgent) Receive(m bus.Message) {
	w.received = append(w.received, m)
}

func newHarness(t *testing.T, symbol string) *harness {
	t.Helper()
	b := bus.New()
	k := kernel.New(b)
	ex := exchange.New("EXCHANGE")
	k.RegisterAgent(ex)

	w := &watcherAgent{Base: agent.NewBase("watcher")}
	k.RegisterAgent(w)
	w.Subscribe(symbol + ".*")

	ex.InitializeSymbol(symbol)
	return &harness{bus: b, kernel: k, exchange: ex, watcher: w}
}

func (h *harness) submitOrder(symbol, sourceID string, p exchange.OrderPayload, ts int64) {
	h.bus.Publish(bus.Message{Timestamp: ts, Topic: symbol + ".ORDER", SourceID: sourceID, Payload: p})
}

func (h *harness) submitCancel(symbol, sourceID string, p exchange.CancelPayload, ts int64) {
	h.bus.Publish(bus.Message{Timestamp: ts, Topic: symbol + ".CANCEL", SourceID: sourceID, Payload: p})
}

func (h *harness) submitQuery(symbol, sourceID string, p exchange.MarketDepthQueryPayload, ts int64) {
	h.bus.Publish(bus.Message{Timestamp: ts, Topic: symbol + ".MARKET_DEPTH", SourceID: sourceID, Payload: p})
}

func tradesOf(msgs []bus.Message, symbol string) []exchange.TradePayload {
	var out []exchange.TradePayload
	for _, m := range msgs {
		if m.Topic == symbol+".TRADE" {
			out = append(out, m.Payload.(exchange.TradePayload))
		}
	}
	return out
}

// S1 — Simple cross.
func TestScenario_S1_SimpleCross(t *testing.T) {
	h := newHarness(t, "X")
	h.submitOrder("X", "A", exchange.OrderPayload{OrderID: "A1", Symbol: "X", Side: orderbook.Sell, Price: 100.0, Quantity: 10}, 100)
	h.submitOrder("X", "B", exchange.OrderPayload{OrderID: "B1", Symbol: "X", Side: orderbook.Buy, Price: 100.0, Quantity: 10}, 200)
	h.kernel.Run(300)

	trades := tradesOf(h.watcher.received, "X")
	require.Len(t, trades, 1)
	trade := trades[0]
	assert.Equal(t, "TRADE_B1_A1", trade.TradeID)
	assert.Equal(t, 100.0, trade.Price)
	assert.Equal(t, uint64(10), trade.Quantity)
	assert.Equal(t, "B", trade.BuyerID)
	assert.Equal(t, "A", trade.SellerID)

	book := exchangeBook(h, "X")
	assert.Equal(t, 0.0, book.BestBid())
}

// S2 — Partial fill and rest.
func TestScenario_S2_PartialFillAndRest(t *testing.T) {
	h := newHarness(t, "X")
	h.submitOrder("X", "A", exchange.OrderPayload{OrderID: "A1", Symbol: "X", Side: orderbook.Sell, Price: 100.0, Quantity: 5}, 100)
	h.submitOrder("X", "A", exchange.OrderPayload{OrderID: "A2", Symbol: "X", Side: orderbook.Sell, Price: 100.0, Quantity: 5}, 100)
	h.submitOrder("X", "B", exchange.OrderPayload{OrderID: "B1", Symbol: "X", Side: orderbook.Buy, Price: 100.0, Quantity: 8}, 200)
	h.kernel.Run(300)

	trades := tradesOf(h.watcher.received, "X")
	require.Len(t, trades, 2)
	assert.Equal(t, "TRADE_B1_A1", trades[0].TradeID)
	assert.Equal(t, uint64(5), trades[0].Quantity)
	assert.Equal(t, "TRADE_B1_A2", trades[1].TradeID)
	assert.Equal(t, uint64(3), trades[1].Quantity)

	book := exchangeBook(h, "X")
	assert.Equal(t, uint64(2), book.GetTotalQuantityAtSide(orderbook.Buy, 0))
}

// S3 — Market rejection.
func TestScenario_S3_MarketRejection(t *testing.T) {
	h := newHarness(t, "X")
	h.submitOrder("X", "A", exchange.OrderPayload{OrderID: "A1", Symbol: "X", Side: orderbook.Sell, Price: 100.0, Quantity: 10}, 100)
	h.submitOrder("X", "B", exchange.OrderPayload{
		OrderID: "B1", Symbol: "X", Side: orderbook.Buy,
		Price: math.Inf(1), Quantity: 100,
	}, 200)
	h.kernel.Run(300)

	trades := tradesOf(h.watcher.received, "X")
	assert.Empty(t, trades)

	book := exchangeBook(h, "X")
	assert.Equal(t, uint64(10), book.GetTotalQuantityAtSide(orderbook.Buy, 0))
}

// S4 — Cancel.
func TestScenario_S4_Cancel(t *testing.T) {
	h := newHarness(t, "X")
	h.submitOrder("X", "B", exchange.OrderPayload{OrderID: "B1", Symbol: "X", Side: orderbook.Buy, Price: 99.0, Quantity: 5}, 100)
	h.submitCancel("X", "B", exchange.CancelPayload{OrderID: "B1", Symbol: "X"}, 150)
	h.submitCancel("X", "B", exchange.CancelPayload{OrderID: "B1", Symbol: "X"}, 160)
	h.kernel.Run(300)

	book := exchangeBook(h, "X")
	assert.Equal(t, 0.0, book.BestBid())

	var confirms int
	for _, m := range h.watcher.received {
		if m.Topic == "X.CANCEL_CONFIRM" {
			confirms++
		}
	}
	assert.Equal(t, 1, confirms, "the second cancel of an already-cancelled order must not confirm again")
}

// S5 — Pub/sub ordering: TRADE, ORDERBOOK, PRICE published inside one
// handler call must all be delivered, in message_id order, on the next
// delivery pass.
func TestScenario_S5_PubSubOrdering(t *testing.T) {
	h := newHarness(t, "X")
	h.submitOrder("X", "A", exchange.OrderPayload{OrderID: "A1", Symbol: "X", Side: orderbook.Sell, Price: 100.0, Quantity: 10}, 100)
	h.submitOrder("X", "B", exchange.OrderPayload{OrderID: "B1", Symbol: "X", Side: orderbook.Buy, Price: 100.0, Quantity: 10}, 200)
	h.kernel.Run(300)

	var topicsAt200 []string
	for _, m := range h.watcher.received {
		// Only the exchange's own publications; the inbound X.ORDER at 200
		// also reaches the watcher through its X.* subscription.
		if m.Timestamp == 200 && m.SourceID == "EXCHANGE" {
			topicsAt200 = append(topicsAt200, m.Topic)
		}
	}
	require.GreaterOrEqual(t, len(topicsAt200), 3)
	assert.Equal(t, "X.TRADE", topicsAt200[0])
	assert.Equal(t, "X.ORDERBOOK", topicsAt200[1])
	assert.Equal(t, "X.PRICE", topicsAt200[2])
}

// S6 — Stats window.
func TestScenario_S6_StatsWindow(t *testing.T) {
	h := newHarness(t, "X")
	h.submitOrder("X", "A", exchange.OrderPayload{OrderID: "A1", Symbol: "X", Side: orderbook.Sell, Price: 100.0, Quantity: 10}, 50)
	h.submitOrder("X", "B", exchange.OrderPayload{OrderID: "B1", Symbol: "X", Side: orderbook.Buy, Price: 100.0, Quantity: 10}, 50)
	h.submitOrder("X", "C", exchange.OrderPayload{OrderID: "C1", Symbol: "X", Side: orderbook.Sell, Price: 110.0, Quantity: 20}, 150)
	h.submitOrder("X", "D", exchange.OrderPayload{OrderID: "D1", Symbol: "X", Side: orderbook.Buy, Price: 110.0, Quantity: 20}, 150)
	h.kernel.Run(300)

	var statsAt200 *exchange.StatsPayload
	for _, m := range h.watcher.received {
		if m.Topic == "X.STATS" && m.Timestamp == 200 {
			s := m.Payload.(exchange.StatsPayload)
			statsAt200 = &s
		}
	}
	require.NotNil(t, statsAt200)
	assert.Equal(t, uint64(20), statsAt200.Volume)
	assert.InDelta(t, 110.0, statsAt200.VWAP, 0.0001)
}

func TestMarketDepthQuery_EchoesQueryID(t *testing.T) {
	h := newHarness(t, "X")
	h.submitOrder("X", "A", exchange.OrderPayload{OrderID: "A1", Symbol: "X", Side: orderbook.Sell, Price: 100.0, Quantity: 10}, 50)
	h.submitQuery("X", "Q", exchange.MarketDepthQueryPayload{
		QueryID: "query-123", QueryType: exchange.QueryMarketDepth, Symbol: "X", Side: orderbook.Buy, Depth: 5,
	}, 60)
	h.kernel.Run(300)

	var resp *exchange.MarketDepthResponsePayload
	for _, m := range h.watcher.received {
		if m.Topic == "X.MARKET_DEPTH_RESPONSE" {
			r := m.Payload.(exchange.MarketDepthResponsePayload)
			resp = &r
		}
	}
	require.NotNil(t, resp)
	assert.Equal(t, "query-123", resp.QueryID)
	require.Len(t, resp.Levels, 1)
	assert.Equal(t, 100.0, resp.Levels[0].Price)
}

func TestMarketDepthQuery_UnknownSymbolIsSilentlyDropped(t *testing.T) {
	h := newHarness(t, "X")
	h.submitQuery("Y", "Q", exchange.MarketDepthQueryPayload{
		QueryID: "query-1", QueryType: exchange.QuerySpread, Symbol: "Y",
	}, 10)
	h.kernel.Run(100)

	for _, m := range h.watcher.received {
		assert.NotEqual(t, "Y.MARKET_DEPTH_RESPONSE", m.Topic)
	}
}

func exchangeBook(h *harness, symbol string) *orderbook.OrderBook {
	book, ok := h.exchange.OrderBook(symbol)
	if !ok {
		panic("symbol not initialized: " + symbol)
	}
	return book
}
