package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/openordinal/execsync/errs"
	"github.com/openordinal/execsync/internal/observability"
	"github.com/openordinal/execsync/internal/schema"
)

// MarginController applies leverage and margin-mode configuration once per
// symbol at startup and tops up isolated margin on demand. A symbol whose
// configuration could not be confirmed must not be traded.
type MarginController struct {
	gw       Gateway
	leverage int
	mode     schema.MarginMode

	mu    sync.Mutex
	ready map[string]bool
}

// NewMarginController constructs a controller targeting the given leverage
// and margin mode.
func NewMarginController(gw Gateway, leverage int, mode schema.MarginMode) *MarginController {
	return &MarginController{
		gw:       gw,
		leverage: leverage,
		mode:     mode,
		ready:    make(map[string]bool),
	}
}

// Initialize configures every symbol exactly once. Idempotent "no change"
// exchange responses are success; a genuine failure aborts startup for that
// symbol and is returned.
func (m *MarginController) Initialize(ctx context.Context, symbols []string) error {
	for _, symbol := range symbols {
		m.mu.Lock()
		done := m.ready[symbol]
		m.mu.Unlock()
		if done {
			continue
		}

		if err := m.gw.SetLeverage(ctx, symbol, m.leverage); err != nil {
			return fmt.Errorf("set leverage for %s: %w", symbol, err)
		}
		if err := m.gw.SetMarginMode(ctx, symbol, m.mode); err != nil {
			return fmt.Errorf("set margin mode for %s: %w", symbol, err)
		}

		m.mu.Lock()
		m.ready[symbol] = true
		m.mu.Unlock()
		observability.Log().Info("margin configuration confirmed",
			observability.F("symbol", symbol),
			observability.F("leverage", m.leverage),
			observability.F("mode", string(m.mode)))
	}
	return nil
}

// Ready reports whether the symbol's margin configuration was confirmed.
func (m *MarginController) Ready(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready[symbol]
}

// EnsureIsolatedMargin tops up the symbol's isolated wallet so it covers
// requiredMargin. A transfer failure is returned so the caller blocks the
// pending submission. Cross-margin accounts need no transfer.
func (m *MarginController) EnsureIsolatedMargin(ctx context.Context, symbol string, requiredMargin decimal.Decimal) error {
	if m.mode != schema.MarginModeIsolated {
		return nil
	}
	if requiredMargin.Sign() <= 0 {
		return errs.New("engine.ensureIsolatedMargin", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalInvalidRequest),
			errs.WithMessage("required margin must be positive"))
	}

	risk, err := m.gw.GetPositionRisk(ctx, symbol)
	if err != nil {
		return fmt.Errorf("query position risk for %s: %w", symbol, err)
	}
	shortfall := requiredMargin.Sub(risk.IsolatedWallet)
	if shortfall.Sign() <= 0 {
		return nil
	}
	if err := m.gw.TransferMargin(ctx, symbol, shortfall, schema.MarginTransferIn); err != nil {
		return fmt.Errorf("transfer margin for %s: %w", symbol, err)
	}
	observability.Log().Info("isolated margin topped up",
		observability.F("symbol", symbol),
		observability.F("amount", shortfall.String()))
	return nil
}
