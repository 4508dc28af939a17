package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionReport is a decoded user-data-stream order update.
type ExecutionReport struct {
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	Side            Side
	OrderType       OrderType
	Status          OrderStatus

	LastQty   decimal.Decimal
	LastPrice decimal.Decimal
	// CumQty and CumQuote are exchange-reported running totals. When present
	// they take precedence over locally accumulated sums.
	CumQty   decimal.Decimal
	CumQuote decimal.Decimal

	Commission      decimal.Decimal
	CommissionAsset string

	// TradeID is the exchange trade id for fill events, 0 otherwise.
	TradeID      int64
	TransactTime time.Time
}

// HasFill reports whether the report carries an executed quantity.
func (r *ExecutionReport) HasFill() bool {
	return r.LastQty.Sign() > 0
}

// Position is the per-symbol ledger entry. Quantity is signed: positive long,
// negative short, zero flat.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
}

// Flat reports whether the position holds no exposure.
func (p Position) Flat() bool { return p.Quantity.Sign() == 0 }

// AssetBalance is a per-asset account balance line.
type AssetBalance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}

// BalanceSnapshot is an ephemeral account balance view. It is fetched fresh
// for every call that needs accuracy, never cached.
type BalanceSnapshot struct {
	TotalBalance     decimal.Decimal
	AvailableBalance decimal.Decimal
	Assets           []AssetBalance
}

// Asset returns the balance line for the given asset, if present.
func (b BalanceSnapshot) Asset(asset string) (AssetBalance, bool) {
	for _, entry := range b.Assets {
		if entry.Asset == asset {
			return entry, true
		}
	}
	return AssetBalance{}, false
}

// PositionRisk is the exchange-reported position record for a symbol.
type PositionRisk struct {
	Symbol         string
	PositionAmt    decimal.Decimal
	EntryPrice     decimal.Decimal
	UnrealizedPnL  decimal.Decimal
	IsolatedWallet decimal.Decimal
	Leverage       int
}

// MarginMode enumerates account margin modes.
type MarginMode string

const (
	// MarginModeCross shares collateral across the account.
	MarginModeCross MarginMode = "cross"
	// MarginModeIsolated ring-fences collateral per symbol.
	MarginModeIsolated MarginMode = "isolated"
)

// MarginDirection selects the direction of an isolated-margin transfer.
type MarginDirection int

const (
	// MarginTransferIn moves collateral into the isolated position.
	MarginTransferIn MarginDirection = 1
	// MarginTransferOut moves collateral out of the isolated position.
	MarginTransferOut MarginDirection = 2
)

// SymbolFilters carries the exchange-declared precision and minimum
// constraints for one symbol. Fetched once and treated as immutable for the
// process lifetime.
type SymbolFilters struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// OrderAck is the gateway-normalized order state carried by a REST response
// to place, query, or cancel.
type OrderAck struct {
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	Side            Side
	Type            OrderType
	Status          OrderStatus
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	ExecutedQty     decimal.Decimal
	CumQuote        decimal.Decimal
	AvgPrice        decimal.Decimal
	TransactTime    time.Time
}

// OrderRequest is a quantized order submission toward the transport gateway.
type OrderRequest struct {
	Symbol        string
	ClientOrderID string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         *decimal.Decimal
}
