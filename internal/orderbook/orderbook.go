// Package orderbook implements a single-symbol price-time-priority limit
// order book: ordered price levels backed by a B-tree, FIFO queues within
// each level, and the analytics (depth, VWAP slippage, liquidity score,
// imbalance) an exchange agent needs to answer queries about it.
package orderbook

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/btree"

	"kairos/internal/metrics"
)

// Side identifies which side of the book an order or query applies to.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return fmt.Sprintf("Side(%d)", int(s))
	}
}

func validateSide(s Side) {
	if s != Buy && s != Sell {
		panic(fmt.Sprintf("orderbook: invalid side %d", int(s)))
	}
}

// Order is a single resting or incoming order. A BUY market order carries
// Price = +Inf; a SELL market order carries Price = 0. Both are sentinels
// meaning "cross at any price", never a real tradable level.
type Order struct {
	OrderID   string
	AgentID   string
	Symbol    string
	Side      Side
	Price     float64
	Quantity  uint64
	Timestamp int64
}

// IsMarket reports whether o carries one of the market-order sentinel
// prices for its side.
func (o Order) IsMarket() bool {
	switch o.Side {
	case Buy:
		return math.IsInf(o.Price, 1)
	case Sell:
		return o.Price == 0
	default:
		return false
	}
}

// PriceLevel is the FIFO queue of orders resting at a single price, plus
// their aggregate quantity. Quantity is always kept equal to the sum of
// Orders' Quantity fields; it is never allowed to drift, even transiently
// across a partial fill of an order still resting in this level.
type PriceLevel struct {
	Price    float64
	Orders   []*Order
	Quantity uint64
}

// LevelQuantity is the read-only view of a price level returned by depth
// and snapshot queries.
type LevelQuantity struct {
	Price    float64
	Quantity uint64
}

// Trade is a single execution produced by matching. TradeID is always
// derived deterministically from the two order IDs involved, so replaying
// the same sequence of orders reproduces identical trade IDs.
type Trade struct {
	TradeID   string
	Symbol    string
	Price     float64
	Quantity  uint64
	BuyerID   string
	SellerID  string
	Timestamp int64
}

// MarketData is the exchange's per-symbol running snapshot of best prices
// and rolling trade statistics, refreshed on every order/cancel and on each
// periodic wakeup.
type MarketData struct {
	Symbol        string
	Timestamp     int64
	BestBid       float64
	BestAsk       float64
	RollingVolume uint64
	RollingVWAP   float64
}

type levels = btree.BTreeG[*PriceLevel]

// OrderBook is the matching engine and order index for one symbol.
type OrderBook struct {
	Symbol  string
	bids    *levels
	asks    *levels
	index   map[string]*Order
	bestBid float64
	bestAsk float64
	log     zerolog.Logger
	metrics *metrics.Instrumentation
}

// Option configures an OrderBook at construction time.
type Option func(*OrderBook)

// WithInstrumentation attaches optional Prometheus counters.
func WithInstrumentation(m *metrics.Instrumentation) Option {
	return func(b *OrderBook) { b.metrics = m }
}

// New returns an empty order book for symbol.
func New(symbol string, opts ...Option) *OrderBook {
	b := &OrderBook{
		Symbol: symbol,
		// Bids: best (highest) price first.
		bids: btree.NewBTreeG(func(a, b *PriceLevel) bool { return a.Price > b.Price }),
		// Asks: best (lowest) price first.
		asks:    btree.NewBTreeG(func(a, b *PriceLevel) bool { return a.Price < b.Price }),
		index:   make(map[string]*Order),
		bestBid: 0,
		bestAsk: math.Inf(1),
		log:     log.With().Str("component", "orderbook").Str("symbol", symbol).Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BestBid returns the current best bid price, or 0 if the bid side is empty.
func (b *OrderBook) BestBid() float64 { return b.bestBid }

// BestAsk returns the current best ask price, or +Inf if the ask side is
// empty.
func (b *OrderBook) BestAsk() float64 { return b.bestAsk }

// AddLimitOrder inserts order at its own side's price level, then attempts
// to match it against the opposite side up to its limit price. If
// executePartialMarket is true and the opposite side has liquidity resting
// at exactly order's price, it first fills up to that level's quantity (see
// preCrossAtPrice) and only rests and matches the remainder.
func (b *OrderBook) AddLimitOrder(order Order, executePartialMarket bool) []Trade {
	validateSide(order.Side)
	var trades []Trade
	if executePartialMarket {
		trades = append(trades, b.preCrossAtPrice(&order)...)
	}
	if order.Quantity == 0 {
		return trades
	}
	ownLevel := b.rest(&order)
	trades = append(trades, b.match(&order, ownLevel)...)
	if ownLevel.Quantity == 0 {
		b.treeFor(order.Side).Delete(ownLevel)
	}
	b.updateBestPrices()
	return trades
}

// AddMarketOrder attempts to fill order immediately against the opposite
// side. It first checks whether the book can fill at least minFillPercent
// of the requested quantity; if not, the order is rejected outright (ok is
// false) and never touches the book. An accepted market order that still
// does not fully fill simply has its remainder discarded -- market orders
// never rest.
func (b *OrderBook) AddMarketOrder(order Order, minFillPercent float64) (ok bool, trades []Trade) {
	validateSide(order.Side)
	canFill, _ := b.CanFillOrder(order.Side, order.Quantity, minFillPercent)
	if !canFill {
		return false, nil
	}
	trades = b.match(&order, nil)
	b.updateBestPrices()
	return true, trades
}

// CancelOrder removes a resting order by ID. It reports false if no such
// order is resting (already filled, already cancelled, or never existed).
func (b *OrderBook) CancelOrder(orderID string) bool {
	order, ok := b.index[orderID]
	if !ok {
		return false
	}
	tree := b.treeFor(order.Side)
	lvl, ok := tree.GetMut(&PriceLevel{Price: order.Price})
	if ok {
		removeFromLevel(lvl, orderID)
		lvl.Quantity -= order.Quantity
		if lvl.Quantity == 0 {
			tree.Delete(lvl)
		}
	}
	delete(b.index, orderID)
	b.updateBestPrices()
	return true
}

// Snapshot returns up to depth price levels per side, best-of-book first.
// depth <= 0 defaults to 5.
func (b *OrderBook) Snapshot(depth int) Snapshot {
	if depth <= 0 {
		depth = 5
	}
	return Snapshot{
		// MarketDepth(side, ...) returns the side opposite side, so Sell
		// fetches the bid levels and Buy fetches the ask levels.
		Bids:    b.MarketDepth(Sell, depth),
		Asks:    b.MarketDepth(Buy, depth),
		BestBid: b.bestBid,
		BestAsk: b.bestAsk,
	}
}

// Snapshot is a point-in-time view of the book suitable for publishing on
// the ORDERBOOK topic, or for handing to an out-of-band analytics worker
// without holding a reference to the live, mutable book.
type Snapshot struct {
	Bids    []LevelQuantity
	Asks    []LevelQuantity
	BestBid float64
	BestAsk float64
}

func sumQuantity(levels []LevelQuantity) uint64 {
	var total uint64
	for _, lvl := range levels {
		total += lvl.Quantity
	}
	return total
}

// LiquidityScore computes the same bid/ask-balance score as
// OrderBook.GetLiquidityScore, purely from this already-captured snapshot,
// bounded to whatever depth the snapshot was taken with -- this is the
// advisory, slightly-approximate analogue an out-of-band worker computes
// instead of querying the live book. Shares GetLiquidityScore's side-flip
// convention: s.Bids holds resting BUY quantity, s.Asks holds resting SELL
// quantity.
func (s Snapshot) LiquidityScore(referenceQuantity uint64) float64 {
	if referenceQuantity == 0 {
		referenceQuantity = 100
	}
	bidScore := math.Min(float64(sumQuantity(s.Bids))/float64(referenceQuantity), 1.0)
	askScore := math.Min(float64(sumQuantity(s.Asks))/float64(referenceQuantity), 1.0)
	return (bidScore + askScore) / 2
}

// MarketDepth returns up to depth price levels on the side opposite to
// side, best-of-book first -- i.e. MarketDepth(Buy, ...) returns ask levels
// (what a buyer would sweep through) and MarketDepth(Sell, ...) returns bid
// levels. depth <= 0 means "all levels".
func (b *OrderBook) MarketDepth(side Side, depth int) []LevelQuantity {
	tree := b.oppositeTreeFor(side)
	var out []LevelQuantity
	tree.Scan(func(lvl *PriceLevel) bool {
		if depth > 0 && len(out) >= depth {
			return false
		}
		out = append(out, LevelQuantity{Price: lvl.Price, Quantity: lvl.Quantity})
		return true
	})
	return out
}

// GetTotalQuantityAtSide sums resting quantity on the side opposite to
// side, across up to depth levels (depth <= 0 means all levels). The name
// matches the operation the exchange's query dispatch exposes.
func (b *OrderBook) GetTotalQuantityAtSide(side Side, depth int) uint64 {
	var total uint64
	for _, lvl := range b.MarketDepth(side, depth) {
		total += lvl.Quantity
	}
	return total
}

// GetAveragePriceForQuantity walks the opposite side of the book from the
// top, filling as much of qty as resting liquidity allows, and returns the
// volume-weighted average fill price, the slippage in basis points relative
// to the best opposite price, and the fraction of qty that could be filled.
func (b *OrderBook) GetAveragePriceForQuantity(side Side, qty uint64) (avgPrice, slippageBps, fillFraction float64) {
	levelsAvailable := b.MarketDepth(side, 0)
	if len(levelsAvailable) == 0 || qty == 0 {
		return 0, 0, 0
	}
	reference := levelsAvailable[0].Price
	var filled uint64
	var totalCost float64
	for _, lvl := range levelsAvailable {
		if filled >= qty {
			break
		}
		take := min(lvl.Quantity, qty-filled)
		totalCost += lvl.Price * float64(take)
		filled += take
	}
	if filled == 0 {
		return 0, 0, 0
	}
	avgPrice = totalCost / float64(filled)
	fillFraction = float64(filled) / float64(qty)
	if reference != 0 {
		if side == Buy {
			slippageBps = (avgPrice - reference) / reference * 10000
		} else {
			slippageBps = (reference - avgPrice) / reference * 10000
		}
	}
	return avgPrice, slippageBps, fillFraction
}

// CanFillOrder reports whether at least minFillPercent of qty could be
// filled against the opposite side right now, along with the fraction that
// actually could be.
func (b *OrderBook) CanFillOrder(side Side, qty uint64, minFillPercent float64) (canFill bool, fillFraction float64) {
	_, _, fillFraction = b.GetAveragePriceForQuantity(side, qty)
	return fillFraction >= minFillPercent, fillFraction
}

// GetLiquidityScore returns a 0-1 score averaging how well each side of the
// book covers referenceQuantity (0 defaults to 100). The bid term comes
// from GetTotalQuantityAtSide(Sell, ...) and the ask term from
// GetTotalQuantityAtSide(Buy, ...): that method reports the side opposite
// its argument, so the two flips cancel and each term is the resting total
// of its own side (bids for the bid score, asks for the ask score).
func (b *OrderBook) GetLiquidityScore(referenceQuantity uint64) float64 {
	if referenceQuantity == 0 {
		referenceQuantity = 100
	}
	bidQuantity := b.GetTotalQuantityAtSide(Sell, 0)
	askQuantity := b.GetTotalQuantityAtSide(Buy, 0)
	bidScore := math.Min(float64(bidQuantity)/float64(referenceQuantity), 1.0)
	askScore := math.Min(float64(askQuantity)/float64(referenceQuantity), 1.0)
	return (bidScore + askScore) / 2
}

// GetSpread returns BestAsk - BestBid, or +Inf if either side is empty.
func (b *OrderBook) GetSpread() float64 {
	if math.IsInf(b.bestAsk, 1) || b.bestBid == 0 {
		return math.Inf(1)
	}
	return b.bestAsk - b.bestBid
}

// GetImbalance returns (bidQty-askQty)/(bidQty+askQty) in [-1, 1], or 0 if
// the book is empty on both sides. Like GetLiquidityScore, the quantities
// compared here are the side-flipped totals: GetTotalQuantityAtSide(Sell,
// ...) feeds the "bid" term and GetTotalQuantityAtSide(Buy, ...) feeds the
// "ask" term, preserving the same convention documented there.
func (b *OrderBook) GetImbalance() float64 {
	bidQuantity := b.GetTotalQuantityAtSide(Sell, 0)
	askQuantity := b.GetTotalQuantityAtSide(Buy, 0)
	total := bidQuantity + askQuantity
	if total == 0 {
		return 0
	}
	return (float64(bidQuantity) - float64(askQuantity)) / float64(total)
}

func (b *OrderBook) treeFor(side Side) *levels {
	if side == Buy {
		return b.bids
	}
	return b.asks
}

func (b *OrderBook) oppositeTreeFor(side Side) *levels {
	if side == Buy {
		return b.asks
	}
	return b.bids
}

// rest inserts order into its own side's price level, creating the level if
// necessary, and returns that level so the caller can keep its aggregate in
// sync as the order is matched.
func (b *OrderBook) rest(order *Order) *PriceLevel {
	tree := b.treeFor(order.Side)
	lvl, ok := tree.GetMut(&PriceLevel{Price: order.Price})
	if !ok {
		lvl = &PriceLevel{Price: order.Price}
		tree.Set(lvl)
	}
	lvl.Orders = append(lvl.Orders, order)
	lvl.Quantity += order.Quantity
	b.index[order.OrderID] = order
	return lvl
}

// preCrossAtPrice runs before the order is inserted. If the opposite side
// has a level at exactly order's price, it matches up to that level's
// quantity, starting from the best opposite level, so better-priced levels
// are consumed before the exact-price one. With no level at that price it
// does nothing.
func (b *OrderBook) preCrossAtPrice(order *Order) []Trade {
	oppTree := b.oppositeTreeFor(order.Side)
	lvl, ok := oppTree.GetMut(&PriceLevel{Price: order.Price})
	if !ok || lvl.Quantity == 0 {
		return nil
	}
	fillable := min(order.Quantity, lvl.Quantity)
	temp := &Order{
		OrderID:   order.OrderID,
		AgentID:   order.AgentID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Price:     order.Price,
		Quantity:  fillable,
		Timestamp: order.Timestamp,
	}
	trades := b.match(temp, nil)
	order.Quantity -= fillable
	return trades
}

// match walks the opposite side of order's book, consuming resting orders
// in price-time priority until order is exhausted or no more levels cross.
// If ownLevel is non-nil, order is itself resting there (the limit-order
// path) and its own level's aggregate quantity is kept in sync as order's
// remaining quantity shrinks.
func (b *OrderBook) match(order *Order, ownLevel *PriceLevel) []Trade {
	var trades []Trade
	oppTree := b.oppositeTreeFor(order.Side)
	for order.Quantity > 0 {
		lvl, ok := oppTree.MinMut()
		if !ok || !crosses(order, lvl.Price) {
			break
		}
		for len(lvl.Orders) > 0 && order.Quantity > 0 {
			rest := lvl.Orders[0]
			qty := matchQuantity(order, rest)
			lvl.Quantity -= qty
			trades = append(trades, buildTrade(order, rest, qty))
			if b.metrics != nil {
				b.metrics.IncTradesMatched()
			}
			if rest.Quantity == 0 {
				lvl.Orders = lvl.Orders[1:]
				delete(b.index, rest.OrderID)
			}
			if ownLevel != nil {
				ownLevel.Quantity -= qty
				if order.Quantity == 0 {
					removeFromLevel(ownLevel, order.OrderID)
					delete(b.index, order.OrderID)
				}
			}
		}
		if lvl.Quantity == 0 {
			oppTree.Delete(lvl)
		}
	}
	return trades
}

func matchQuantity(agg, rest *Order) uint64 {
	q := min(agg.Quantity, rest.Quantity)
	agg.Quantity -= q
	rest.Quantity -= q
	return q
}

// crosses reports whether a resting level at oppPrice is reachable by
// order, honoring the market-order sentinel prices.
func crosses(order *Order, oppPrice float64) bool {
	if order.Side == Buy {
		if math.IsInf(order.Price, 1) {
			return true
		}
		return oppPrice <= order.Price
	}
	if order.Price == 0 {
		return true
	}
	return oppPrice >= order.Price
}

// buildTrade assigns buyer/seller by each order's actual Side, never by
// which one happened to be the incoming aggressor.
func buildTrade(agg, rest *Order, qty uint64) Trade {
	var buyerID, sellerID string
	if agg.Side == Buy {
		buyerID, sellerID = agg.AgentID, rest.AgentID
	} else {
		buyerID, sellerID = rest.AgentID, agg.AgentID
	}
	return Trade{
		TradeID:   fmt.Sprintf("TRADE_%s_%s", agg.OrderID, rest.OrderID),
		Symbol:    agg.Symbol,
		Price:     rest.Price,
		Quantity:  qty,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Timestamp: agg.Timestamp,
	}
}

func removeFromLevel(lvl *PriceLevel, orderID string) {
	for i, o := range lvl.Orders {
		if o.OrderID == orderID {
			lvl.Orders = append(lvl.Orders[:i], lvl.Orders[i+1:]...)
			return
		}
	}
}

func (b *OrderBook) updateBestPrices() {
	if lvl, ok := b.bids.Min(); ok {
		b.bestBid = lvl.Price
	} else {
		b.bestBid = 0
	}
	if lvl, ok := b.asks.Min(); ok {
		b.bestAsk = lvl.Price
	} else {
		b.bestAsk = math.Inf(1)
	}
	if b.metrics != nil {
		b.metrics.SetOrderBookDepth(b.Symbol, "BUY", b.GetTotalQuantityAtSide(Sell, 0))
		b.metrics.SetOrderBookDepth(b.Symbol, "SELL", b.GetTotalQuantityAtSide(Buy, 0))
	}
}
