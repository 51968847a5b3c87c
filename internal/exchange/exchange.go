// Package exchange implements the simulation's central exchange agent: it
// owns one order book per symbol, turns incoming ORDER/CANCEL/MARKET_DEPTH
// messages into order book operations, and republishes trades, order book
// snapshots, price updates, cancellation confirmations, and periodic
// rolling statistics.
package exchange

import (
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"kairos/internal/agent"
	"kairos/internal/bus"
	"kairos/internal/metrics"
	"kairos/internal/orderbook"
)

// Defaults used when an ExchangeAgent is built without overriding options.
const (
	DefaultMarketDataIntervalMS     int64   = 100
	DefaultMinFillPercent           float64 = 0.8
	DefaultSnapshotDepth            int     = 5
	DefaultLiquidityReferenceQty    uint64  = 100
	DefaultCanFillMinPercent        float64 = 1.0
	DefaultMarketDepthQueryDepth    int     = 5
)

// Market depth query types, mirroring the exchange's MARKET_DEPTH dispatch.
const (
	QueryMarketDepth             = "get_market_depth"
	QueryTotalQuantityAtSide     = "get_total_quantity_at_side"
	QueryAveragePriceForQuantity = "get_average_price_for_quantity"
	QueryCanFillOrder            = "can_fill_order"
	QueryLiquidityScore          = "get_liquidity_score"
	QuerySpread                  = "get_spread"
	QueryImbalance               = "get_imbalance"
)

// OrderPayload is the ORDER topic payload. A BUY order with Price = +Inf or
// a SELL order with Price = 0 is treated as a market order.
type OrderPayload struct {
	OrderID  string
	Symbol   string
	Side     orderbook.Side
	Price    float64
	Quantity uint64
}

// CancelPayload is the CANCEL topic payload.
type CancelPayload struct {
	OrderID string
	Symbol  string
}

// MarketDepthQueryPayload is the MARKET_DEPTH topic payload. Only the
// fields relevant to QueryType need to be set; the rest are ignored.
type MarketDepthQueryPayload struct {
	QueryID           string
	QueryType         string
	Symbol            string
	Side              orderbook.Side
	Depth             int
	Quantity          uint64
	MinFillPercent    float64
	ReferenceQuantity uint64
}

// TradePayload is the TRADE topic payload.
type TradePayload struct {
	TradeID  string
	Price    float64
	Quantity uint64
	BuyerID  string
	SellerID string
}

// OrderBookPayload is the ORDERBOOK topic payload.
type OrderBookPayload struct {
	Bids    []orderbook.LevelQuantity
	Asks    []orderbook.LevelQuantity
	BestBid float64
	BestAsk float64
}

// PricePayload is the PRICE topic payload.
type PricePayload struct {
	BestBid float64
	BestAsk float64
	Spread  float64
}

// StatsPayload is the STATS topic payload.
type StatsPayload struct {
	Volume  uint64
	VWAP    float64
	BestBid float64
	BestAsk float64
}

// CancelConfirmPayload is the CANCEL_CONFIRM topic payload.
type CancelConfirmPayload struct {
	OrderID   string
	Cancelled bool
}

// MarketDepthResponsePayload is the MARKET_DEPTH_RESPONSE topic payload. It
// always echoes QueryID so the querying agent can correlate the reply with
// its request; only the fields relevant to QueryType are populated.
type MarketDepthResponsePayload struct {
	QueryID        string
	QueryType      string
	Levels         []orderbook.LevelQuantity
	Quantity       uint64
	AveragePrice   float64
	SlippageBps    float64
	FillFraction   float64
	CanFill        bool
	LiquidityScore float64
	Spread         float64
	Imbalance      float64
}

// Option configures an ExchangeAgent at construction time.
type Option func(*ExchangeAgent)

func WithMarketDataInterval(ms int64) Option {
	return func(e *ExchangeAgent) { e.marketDataIntervalMS = ms }
}

func WithMinFillPercent(p float64) Option {
	return func(e *ExchangeAgent) { e.minFillPercent = p }
}

func WithSnapshotDepth(depth int) Option {
	return func(e *ExchangeAgent) { e.snapshotDepth = depth }
}

func WithLiquidityReferenceQuantity(q uint64) Option {
	return func(e *ExchangeAgent) { e.liquidityReferenceQty = q }
}

func WithInstrumentation(m *metrics.Instrumentation) Option {
	return func(e *ExchangeAgent) { e.metrics = m }
}

// ExchangeAgent is the simulation's central limit order book venue. It
// embeds agent.Base for bus binding, subscription management, and
// rate-limited publish, and implements Receive/Wakeup itself.
type ExchangeAgent struct {
	*agent.Base

	symbols               map[string]*orderbook.OrderBook
	marketData            map[string]*orderbook.MarketData
	tradeHistory          []orderbook.Trade
	marketDataIntervalMS  int64
	minFillPercent        float64
	snapshotDepth         int
	liquidityReferenceQty uint64
	metrics               *metrics.Instrumentation
	log                   zerolog.Logger
}

// New returns an ExchangeAgent with the given agent ID, ready to be
// registered with a kernel.
func New(agentID string, opts ...Option) *ExchangeAgent {
	e := &ExchangeAgent{
		Base:                  agent.NewBase(agentID),
		symbols:               make(map[string]*orderbook.OrderBook),
		marketData:            make(map[string]*orderbook.MarketData),
		marketDataIntervalMS:  DefaultMarketDataIntervalMS,
		minFillPercent:        DefaultMinFillPercent,
		snapshotDepth:         DefaultSnapshotDepth,
		liquidityReferenceQty: DefaultLiquidityReferenceQty,
		log:                   log.With().Str("component", "exchange").Str("agentID", agentID).Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InitializeSymbol creates the order book and subscriptions for symbol if
// they don't already exist, and schedules this agent's first periodic
// statistics wakeup. Calling it twice for the same symbol is a no-op.
func (e *ExchangeAgent) InitializeSymbol(symbol string) {
	if _, ok := e.symbols[symbol]; ok {
		return
	}
	var bookOpts []orderbook.Option
	if e.metrics != nil {
		bookOpts = append(bookOpts, orderbook.WithInstrumentation(e.metrics))
	}
	e.symbols[symbol] = orderbook.New(symbol, bookOpts...)
	e.marketData[symbol] = &orderbook.MarketData{Symbol: symbol, BestBid: 0, BestAsk: math.Inf(1)}
	e.Subscribe(symbol + ".ORDER")
	e.Subscribe(symbol + ".CANCEL")
	e.Subscribe(symbol + ".MARKET_DEPTH")
	e.ScheduleWakeup(e.CurrentTime() + e.marketDataIntervalMS)
}

// OrderBook returns the order book for symbol and whether it has been
// initialized yet.
func (e *ExchangeAgent) OrderBook(symbol string) (*orderbook.OrderBook, bool) {
	book, ok := e.symbols[symbol]
	return book, ok
}

// Receive dispatches an incoming message based on its topic suffix.
func (e *ExchangeAgent) Receive(msg bus.Message) {
	switch {
	case strings.HasSuffix(msg.Topic, ".ORDER"):
		e.processOrder(msg)
	case strings.HasSuffix(msg.Topic, ".CANCEL"):
		e.processCancel(msg)
	case strings.HasSuffix(msg.Topic, ".MARKET_DEPTH"):
		e.processMarketDepthQuery(msg)
	}
}

// Wakeup publishes rolling statistics for every initialized symbol and
// reschedules itself for the next interval.
func (e *ExchangeAgent) Wakeup(t int64) {
	e.publishStatistics(t)
	e.ScheduleWakeup(t + e.marketDataIntervalMS)
}

func (e *ExchangeAgent) processOrder(msg bus.Message) {
	payload, ok := msg.Payload.(OrderPayload)
	if !ok {
		e.log.Error().Str("topic", msg.Topic).Msg("order message payload has unexpected type")
		return
	}
	e.InitializeSymbol(payload.Symbol)
	book := e.symbols[payload.Symbol]

	order := orderbook.Order{
		OrderID:   payload.OrderID,
		AgentID:   msg.SourceID,
		Symbol:    payload.Symbol,
		Side:      payload.Side,
		Price:     payload.Price,
		Quantity:  payload.Quantity,
		Timestamp: msg.Timestamp,
	}

	var trades []orderbook.Trade
	if order.IsMarket() {
		ok, ts := book.AddMarketOrder(order, e.minFillPercent)
		if !ok {
			e.log.Info().Str("orderID", order.OrderID).Msg("market order rejected: insufficient liquidity")
			return
		}
		trades = ts
	} else {
		trades = book.AddLimitOrder(order, false)
	}

	for _, t := range trades {
		e.tradeHistory = append(e.tradeHistory, t)
		e.Publish(payload.Symbol+".TRADE", TradePayload{
			TradeID:  t.TradeID,
			Price:    t.Price,
			Quantity: t.Quantity,
			BuyerID:  t.BuyerID,
			SellerID: t.SellerID,
		}, msg.Timestamp)
	}

	snap := book.Snapshot(e.snapshotDepth)
	e.Publish(payload.Symbol+".ORDERBOOK", OrderBookPayload{
		Bids:    snap.Bids,
		Asks:    snap.Asks,
		BestBid: snap.BestBid,
		BestAsk: snap.BestAsk,
	}, msg.Timestamp)

	e.publishPriceUpdate(payload.Symbol, msg.Timestamp)
}

func (e *ExchangeAgent) processCancel(msg bus.Message) {
	payload, ok := msg.Payload.(CancelPayload)
	if !ok {
		e.log.Error().Str("topic", msg.Topic).Msg("cancel message payload has unexpected type")
		return
	}
	book, ok := e.symbols[payload.Symbol]
	if !ok {
		return
	}
	if !book.CancelOrder(payload.OrderID) {
		return
	}
	e.Publish(payload.Symbol+".CANCEL_CONFIRM", CancelConfirmPayload{
		OrderID:   payload.OrderID,
		Cancelled: true,
	}, msg.Timestamp)
	e.publishPriceUpdate(payload.Symbol, msg.Timestamp)
}

func (e *ExchangeAgent) processMarketDepthQuery(msg bus.Message) {
	payload, ok := msg.Payload.(MarketDepthQueryPayload)
	if !ok {
		e.log.Error().Str("topic", msg.Topic).Msg("market depth query payload has unexpected type")
		return
	}
	book, ok := e.symbols[payload.Symbol]
	if !ok {
		e.log.Warn().Str("symbol", payload.Symbol).Msg("market depth query for unknown symbol")
		return
	}

	resp := MarketDepthResponsePayload{QueryID: payload.QueryID, QueryType: payload.QueryType}
	switch payload.QueryType {
	case QueryMarketDepth:
		depth := payload.Depth
		if depth == 0 {
			depth = DefaultMarketDepthQueryDepth
		}
		resp.Levels = book.MarketDepth(payload.Side, depth)
	case QueryTotalQuantityAtSide:
		resp.Quantity = book.GetTotalQuantityAtSide(payload.Side, payload.Depth)
	case QueryAveragePriceForQuantity:
		resp.AveragePrice, resp.SlippageBps, resp.FillFraction = book.GetAveragePriceForQuantity(payload.Side, payload.Quantity)
	case QueryCanFillOrder:
		minFill := payload.MinFillPercent
		if minFill == 0 {
			minFill = DefaultCanFillMinPercent
		}
		resp.CanFill, resp.FillFraction = book.CanFillOrder(payload.Side, payload.Quantity, minFill)
	case QueryLiquidityScore:
		ref := payload.ReferenceQuantity
		if ref == 0 {
			ref = e.liquidityReferenceQty
		}
		resp.LiquidityScore = book.GetLiquidityScore(ref)
	case QuerySpread:
		resp.Spread = book.GetSpread()
	case QueryImbalance:
		resp.Imbalance = book.GetImbalance()
	default:
		e.log.Warn().Str("queryType", payload.QueryType).Msg("unknown market depth query type")
		return
	}
	e.Publish(payload.Symbol+".MARKET_DEPTH_RESPONSE", resp, msg.Timestamp)
}

func (e *ExchangeAgent) publishPriceUpdate(symbol string, t int64) {
	book := e.symbols[symbol]
	md := e.marketData[symbol]
	md.Timestamp = t
	md.BestBid = book.BestBid()
	md.BestAsk = book.BestAsk()

	spread := 0.0
	if !math.IsInf(md.BestAsk, 1) {
		spread = md.BestAsk - md.BestBid
	}
	e.Publish(symbol+".PRICE", PricePayload{
		BestBid: md.BestBid,
		BestAsk: md.BestAsk,
		Spread:  spread,
	}, t)
}

func (e *ExchangeAgent) publishStatistics(t int64) {
	windowStart := t - e.marketDataIntervalMS

	volume := make(map[string]uint64)
	value := make(map[string]decimal.Decimal)
	for _, tr := range e.tradeHistory {
		if tr.Timestamp < windowStart {
			continue
		}
		volume[tr.Symbol] += tr.Quantity
		value[tr.Symbol] = value[tr.Symbol].Add(decimal.NewFromFloat(tr.Price).Mul(decimal.NewFromInt(int64(tr.Quantity))))
	}

	symbols := make([]string, 0, len(e.marketData))
	for symbol := range e.marketData {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		md := e.marketData[symbol]
		vol := volume[symbol]
		vwap := 0.0
		if vol > 0 {
			vwap, _ = value[symbol].Div(decimal.NewFromInt(int64(vol))).Float64()
		}
		md.RollingVolume = vol
		md.RollingVWAP = vwap
		e.Publish(symbol+".STATS", StatsPayload{
			Volume:  vol,
			VWAP:    vwap,
			BestBid: md.BestBid,
			BestAsk: md.BestAsk,
		}, t)
	}
}
