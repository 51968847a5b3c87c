// Command kairos wires a kernel, bus, and exchange agent together and runs
// one embedded simulation to completion, the way the original system's
// example scripts drove a scenario by hand.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kairos/internal/bus"
	"kairos/internal/config"
	"kairos/internal/exchange"
	"kairos/internal/orderbook"
	"kairos/internal/runner"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("loading configuration")
	}

	r := runner.New("EXCHANGE",
		nil, // no Prometheus registry for this demo run
		exchange.WithMarketDataInterval(cfg.MarketDataIntervalMS),
		exchange.WithMinFillPercent(cfg.DefaultMinFillPercent),
		exchange.WithSnapshotDepth(cfg.DefaultSnapshotDepth),
		exchange.WithLiquidityReferenceQuantity(cfg.DefaultReferenceQuantity),
	)
	r.Exchange.InitializeSymbol("AAPL")

	r.Bus.Publish(orderMessage("AAPL", "seed-bid-agent", "seed-bid", orderbook.Buy, 100.0, 10))
	r.Bus.Publish(orderMessage("AAPL", "seed-ask-agent", "seed-ask", orderbook.Sell, 101.0, 10))
	r.Bus.Publish(orderMessage("AAPL", "cross-buy-agent", "cross-buy", orderbook.Buy, 101.0, 5))

	if err := r.Run(ctx, 1000); err != nil {
		log.Fatal().Err(err).Msg("running simulation")
	}

	msgs, trades := r.Ledger.Snapshot()
	log.Info().Int("messages", len(msgs)).Int("trades", len(trades)).Msg("simulation complete")
	for _, t := range trades {
		log.Info().Str("tradeID", t.TradeID).Float64("price", t.Price).Uint64("quantity", t.Quantity).Msg("trade")
	}
}

func orderMessage(symbol, sourceID, orderID string, side orderbook.Side, price float64, quantity uint64) bus.Message {
	return bus.Message{
		Topic:    symbol + ".ORDER",
		SourceID: sourceID,
		Payload: exchange.OrderPayload{
			OrderID:  orderID,
			Symbol:   symbol,
			Side:     side,
			Price:    price,
			Quantity: quantity,
		},
	}
}
