package engine

import (
	"github.com/shopspring/decimal"

	"github.com/openordinal/execsync/internal/numeric"
	"github.com/openordinal/execsync/internal/schema"
)

// Ledger maintains one signed position per symbol, updated exclusively from
// confirmed fills. Like the registry it relies on the reconciler for
// serialization.
type Ledger struct {
	positions map[string]*schema.Position
}

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{positions: make(map[string]*schema.Position)}
}

// Apply merges one fill into the symbol's position and returns the PnL
// realized by it. signedQty is positive for buys and negative for sells.
//
// Same-direction increases blend the average entry price by size weight.
// Same-direction reductions leave the average untouched and realize PnL on
// the reduced portion. A sign flip closes the prior exposure entirely and
// opens the excess at the fill price.
func (l *Ledger) Apply(symbol string, signedQty, price decimal.Decimal) decimal.Decimal {
	if signedQty.Sign() == 0 {
		return decimal.Zero
	}
	pos, ok := l.positions[symbol]
	if !ok {
		pos = &schema.Position{Symbol: symbol}
		l.positions[symbol] = pos
	}

	prevQty := pos.Quantity
	newQty := prevQty.Add(signedQty)

	if prevQty.Sign() == 0 || prevQty.Sign() == signedQty.Sign() {
		// Increase: size-weighted blend of the entry price.
		pos.Quantity = newQty
		pos.AvgEntryPrice = numeric.WeightedAverage(prevQty.Abs(), pos.AvgEntryPrice, signedQty.Abs(), price)
		return decimal.Zero
	}

	closed := decimal.Min(signedQty.Abs(), prevQty.Abs())
	direction := decimal.NewFromInt(int64(prevQty.Sign()))
	realized := price.Sub(pos.AvgEntryPrice).Mul(closed).Mul(direction)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.Quantity = newQty

	switch {
	case newQty.Sign() == 0:
		pos.AvgEntryPrice = decimal.Zero
	case newQty.Sign() != prevQty.Sign():
		// Flip: the remainder opens fresh at the fill price.
		pos.AvgEntryPrice = price
	}
	return realized
}

// Position returns a copy of the symbol's position, zero-valued when the
// symbol has never traded.
func (l *Ledger) Position(symbol string) schema.Position {
	if pos, ok := l.positions[symbol]; ok {
		return *pos
	}
	return schema.Position{Symbol: symbol}
}

// Positions returns copies of every tracked position.
func (l *Ledger) Positions() []schema.Position {
	out := make([]schema.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	return out
}
