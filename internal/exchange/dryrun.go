package exchange

import (
	"context"

	"market_maker/internal/core"
)

// DryRunAdapter wraps a real core.IExchange and no-ops every mutating call,
// so an account configured with dry_run: true can run the full strategy,
// risk, and reconciliation loop against live market data while never
// placing, cancelling, or configuring anything on the real exchange.
// Read-only calls pass straight through.
type DryRunAdapter struct {
	core.IExchange
	logger core.ILogger
}

// NewDryRunAdapter wraps exchange for dry-run trading.
func NewDryRunAdapter(exchange core.IExchange, logger core.ILogger) *DryRunAdapter {
	return &DryRunAdapter{IExchange: exchange, logger: logger.WithField("dry_run", true)}
}

func (d *DryRunAdapter) SetLeverage(ctx context.Context, symbol string, leverage int64) error {
	d.logger.Info("dry-run: skipping set leverage", "symbol", symbol, "leverage", leverage)
	return nil
}

func (d *DryRunAdapter) SetPositionMode(ctx context.Context, symbol string, hedge bool) error {
	d.logger.Info("dry-run: skipping set position mode", "symbol", symbol, "hedge", hedge)
	return nil
}

func (d *DryRunAdapter) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.PlaceOrderResult, error) {
	d.logger.Info("dry-run: skipping place order",
		"symbol", req.Symbol, "side", req.Side, "position_idx", req.PositionIdx,
		"order_type", req.OrderType, "qty", req.Qty, "price", req.Price, "reduce_only", req.ReduceOnly,
	)
	return core.PlaceOrderResult{OrderID: "dryrun-" + req.ClientOID, ClientOID: req.ClientOID}, nil
}

func (d *DryRunAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	d.logger.Info("dry-run: skipping cancel order", "symbol", symbol, "order_id", orderID)
	return nil
}

var _ core.IExchange = (*DryRunAdapter)(nil)
