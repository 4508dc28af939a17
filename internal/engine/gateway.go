// Package engine coordinates the order registry, position ledger, and margin
// configuration against a single exchange gateway. All registry and ledger
// mutation funnels through the Reconciler.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/openordinal/execsync/internal/schema"
)

// Gateway is the REST surface the engine drives. The binance client satisfies
// it; tests substitute a fake.
type Gateway interface {
	PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOrder(ctx context.Context, symbol, exchangeOrderID string) (schema.OrderAck, error)
	GetPositionRisk(ctx context.Context, symbol string) (schema.PositionRisk, error)
	GetBalance(ctx context.Context) (schema.BalanceSnapshot, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode schema.MarginMode) error
	TransferMargin(ctx context.Context, symbol string, amount decimal.Decimal, direction schema.MarginDirection) error
}

// Sizer converts raw order values onto the exchange grid.
type Sizer interface {
	Quantize(ctx context.Context, symbol string, rawQty, rawPrice decimal.Decimal) (decimal.Decimal, decimal.Decimal, error)
}
