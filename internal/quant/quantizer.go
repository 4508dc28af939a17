// Package quant converts raw order sizes and prices into exchange-legal values.
package quant

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/openordinal/execsync/errs"
	"github.com/openordinal/execsync/internal/numeric"
	"github.com/openordinal/execsync/internal/schema"
)

// FilterSource resolves the exchange-declared filters for a symbol.
type FilterSource interface {
	SymbolFilters(ctx context.Context, symbol string) (schema.SymbolFilters, error)
}

// Quantizer truncates sizes and prices onto the exchange grid and enforces
// minimum-quantity and minimum-notional floors. Filters are fetched once per
// symbol and held for the process lifetime.
type Quantizer struct {
	source       FilterSource
	safetyMargin decimal.Decimal

	mu    sync.RWMutex
	cache map[string]schema.SymbolFilters
}

// Option configures a Quantizer.
type Option func(*Quantizer)

// WithSafetyMargin overrides the fractional margin applied on top of the
// exchange minimum notional (default 0.10).
func WithSafetyMargin(margin decimal.Decimal) Option {
	return func(q *Quantizer) {
		if margin.Sign() >= 0 {
			q.safetyMargin = margin
		}
	}
}

// New constructs a Quantizer backed by the given filter source.
func New(source FilterSource, opts ...Option) *Quantizer {
	q := &Quantizer{
		source:       source,
		safetyMargin: decimal.RequireFromString("0.1"),
		cache:        make(map[string]schema.SymbolFilters),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Quantize truncates rawQty to the symbol's step size and rawPrice to its tick
// size, then validates the result against the exchange floors. Truncation
// rounds toward zero so the engine never over-commits capital.
//
// rawPrice doubles as the notional reference for market orders; a zero price
// skips the notional check.
func (q *Quantizer) Quantize(ctx context.Context, symbol string, rawQty, rawPrice decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	filters, err := q.filters(ctx, symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	qty := numeric.TruncateToStep(rawQty, filters.StepSize)
	price := numeric.TruncateToStep(rawPrice, filters.TickSize)

	if qty.Sign() <= 0 || (filters.MinQty.Sign() > 0 && qty.LessThan(filters.MinQty)) {
		return decimal.Zero, decimal.Zero, errs.New("quant.quantize", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidQuantity),
			errs.WithMessage(fmt.Sprintf("quantity %s below minimum %s for %s", qty, filters.MinQty, symbol)))
	}

	if price.Sign() > 0 && filters.MinNotional.Sign() > 0 {
		floor := filters.MinNotional.Mul(decimal.NewFromInt(1).Add(q.safetyMargin))
		if qty.Mul(price).LessThan(floor) {
			return decimal.Zero, decimal.Zero, errs.New("quant.quantize", errs.CodeInvalid,
				errs.WithCanonicalCode(errs.CanonicalBelowMinNotional),
				errs.WithMessage(fmt.Sprintf("notional %s below floor %s for %s", qty.Mul(price), floor, symbol)))
		}
	}

	return qty, price, nil
}

func (q *Quantizer) filters(ctx context.Context, symbol string) (schema.SymbolFilters, error) {
	q.mu.RLock()
	filters, ok := q.cache[symbol]
	q.mu.RUnlock()
	if ok {
		return filters, nil
	}

	filters, err := q.source.SymbolFilters(ctx, symbol)
	if err != nil {
		return schema.SymbolFilters{}, fmt.Errorf("fetch filters for %s: %w", symbol, err)
	}

	q.mu.Lock()
	if cached, ok := q.cache[symbol]; ok {
		filters = cached
	} else {
		q.cache[symbol] = filters
	}
	q.mu.Unlock()
	return filters, nil
}
