package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openordinal/execsync/errs"
	"github.com/openordinal/execsync/internal/observability"
	"github.com/openordinal/execsync/internal/schema"
	"github.com/openordinal/execsync/lib/async"
)

const (
	defaultPendingTTL    = 10 * time.Second
	defaultPendingLimit  = 256
	defaultCompletedTTL  = 5 * time.Minute
	defaultNotifyBuffer  = 64
	defaultResyncWorkers = 4
)

// Config tunes reconciler buffers and retention windows. Zero values take
// defaults.
type Config struct {
	// PendingTTL bounds how long a stream event for an unknown order id is
	// buffered before being discarded as an anomaly.
	PendingTTL time.Duration
	// PendingLimit caps the total number of buffered events.
	PendingLimit int
	// CompletedTTL controls how long terminal orders stay visible for
	// duplicate suppression.
	CompletedTTL time.Duration
	// NotifyBuffer sizes the notification queue toward strategy logic.
	NotifyBuffer int
	// ResyncWorkers bounds post-reconnect re-sync fan-out.
	ResyncWorkers int
}

func (c Config) withDefaults() Config {
	if c.PendingTTL <= 0 {
		c.PendingTTL = defaultPendingTTL
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = defaultPendingLimit
	}
	if c.CompletedTTL <= 0 {
		c.CompletedTTL = defaultCompletedTTL
	}
	if c.NotifyBuffer <= 0 {
		c.NotifyBuffer = defaultNotifyBuffer
	}
	if c.ResyncWorkers <= 0 {
		c.ResyncWorkers = defaultResyncWorkers
	}
	return c
}

// Notification carries an order snapshot toward strategy logic after every
// state change.
type Notification struct {
	Order schema.Order
	// Realized is the PnL realized by the fill behind this notification,
	// zero for pure status transitions.
	Realized decimal.Decimal
}

type pendingEvent struct {
	report  schema.ExecutionReport
	expires time.Time
}

// Reconciler merges REST responses and stream events into the order registry
// and position ledger under one mutex domain. The mutex is never held across
// a network call.
type Reconciler struct {
	gw      Gateway
	sizer   Sizer
	cfg     Config
	metrics *observability.EngineMetrics
	now     func() time.Time

	mu           sync.Mutex
	registry     *Registry
	ledger       *Ledger
	pending      map[string][]pendingEvent
	pendingCount int
	closed       bool

	notifications chan Notification
}

// NewReconciler wires a reconciler over the gateway and sizer. metrics may be
// nil.
func NewReconciler(gw Gateway, sizer Sizer, metrics *observability.EngineMetrics, cfg Config) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		gw:            gw,
		sizer:         sizer,
		cfg:           cfg,
		metrics:       metrics,
		now:           time.Now,
		registry:      NewRegistry(cfg.CompletedTTL),
		ledger:        NewLedger(),
		pending:       make(map[string][]pendingEvent),
		notifications: make(chan Notification, cfg.NotifyBuffer),
	}
}

// Submit quantizes the request, places the order, and registers it. An order
// the exchange reports as already terminal is applied to the ledger before
// Submit returns, so callers never observe a stale Submitted state for
// instantly matched market orders.
func (r *Reconciler) Submit(ctx context.Context, symbol string, side schema.Side, orderType schema.OrderType, rawQty decimal.Decimal, rawPrice *decimal.Decimal) (*schema.Order, error) {
	refPrice := decimal.Zero
	if rawPrice != nil {
		refPrice = *rawPrice
	}
	qty, price, err := r.sizer.Quantize(ctx, symbol, rawQty, refPrice)
	if err != nil {
		return nil, err
	}

	req := schema.OrderRequest{
		Symbol:        symbol,
		ClientOrderID: uuid.NewString(),
		Side:          side,
		Type:          orderType,
		Quantity:      qty,
	}
	if orderType != schema.OrderTypeMarket {
		req.Price = &price
	}

	ack, err := r.gw.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	order := &schema.Order{
		ExchangeOrderID: ack.ExchangeOrderID,
		ClientOrderID:   req.ClientOrderID,
		Symbol:          symbol,
		Side:            side,
		Type:            orderType,
		Quantity:        qty,
		Price:           req.Price,
		Status:          schema.OrderStatusSubmitted,
		SubmittedAt:     now,
		UpdatedAt:       now,
	}
	r.registry.Insert(order)
	r.metrics.OrderSubmitted(ctx, symbol)

	// Apply REST-reported execution before anything else so an instant fill
	// is visible to the caller synchronously.
	if ack.ExecutedQty.Sign() > 0 || ack.Status.Terminal() {
		r.applyAckLocked(ctx, order, ack)
	}
	// Expired buffered events must not replay onto a fresh registration.
	r.prunePendingLocked(ctx, now)
	r.replayPendingLocked(ctx, order)

	return order.Clone(), nil
}

// Cancel requests cancellation of an active order. Orders already terminal
// locally are a no-op success. Cancellation is confirmed only by a later
// terminal observation, not by this call returning.
func (r *Reconciler) Cancel(ctx context.Context, exchangeOrderID string) error {
	r.mu.Lock()
	order, ok := r.registry.Lookup(exchangeOrderID)
	if !ok {
		done := r.registry.Completed(exchangeOrderID)
		r.mu.Unlock()
		if done {
			return nil
		}
		return errs.New("engine.cancel", errs.CodeInvalid,
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithMessage(fmt.Sprintf("unknown order %s", exchangeOrderID)))
	}
	if order.Status.Terminal() {
		r.mu.Unlock()
		return nil
	}
	symbol := order.Symbol
	r.mu.Unlock()

	err := r.gw.CancelOrder(ctx, symbol, exchangeOrderID)
	if err != nil && errs.IsCanonical(err, errs.CanonicalOrderNotFound) {
		// The exchange no longer knows the order; its terminal report is
		// either in flight or already applied.
		return nil
	}
	return err
}

// ClosePosition flattens the symbol's position with an opposite-side market
// order for the full absolute size. A flat position returns (nil, nil).
func (r *Reconciler) ClosePosition(ctx context.Context, symbol string) (*schema.Order, error) {
	r.mu.Lock()
	pos := r.ledger.Position(symbol)
	r.mu.Unlock()

	if pos.Flat() {
		return nil, nil
	}
	side := schema.SideSell
	if pos.Quantity.Sign() < 0 {
		side = schema.SideBuy
	}
	return r.Submit(ctx, symbol, side, schema.OrderTypeMarket, pos.Quantity.Abs(), nil)
}

// ApplyReport merges one stream execution report. Reports for order ids not
// yet registered are buffered briefly and replayed on registration; reports
// for retired orders are discarded as duplicates.
func (r *Reconciler) ApplyReport(ctx context.Context, report schema.ExecutionReport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.registry.Prune(now)
	r.prunePendingLocked(ctx, now)

	order, ok := r.registry.Lookup(report.ExchangeOrderID)
	if !ok && report.ClientOrderID != "" {
		order, ok = r.registry.LookupClient(report.ClientOrderID)
	}
	if ok {
		r.applyReportLocked(ctx, order, report)
		return
	}

	if r.registry.Completed(report.ExchangeOrderID) {
		observability.Log().Debug("discarding event for retired order",
			observability.F("order_id", report.ExchangeOrderID),
			observability.F("trade_id", report.TradeID))
		r.metrics.DuplicateEvent(ctx)
		return
	}
	r.bufferPendingLocked(ctx, report, now)
}

// Resync queries every non-terminal order over REST and applies the results,
// closing any gap left by a stream outage. Queries fan out through a bounded
// worker pool.
func (r *Reconciler) Resync(ctx context.Context) error {
	r.mu.Lock()
	orders := r.registry.Active()
	r.mu.Unlock()
	if len(orders) == 0 {
		return nil
	}

	pool, err := async.NewPool(r.cfg.ResyncWorkers, len(orders))
	if err != nil {
		return err
	}
	for _, order := range orders {
		symbol, id := order.Symbol, order.ExchangeOrderID
		submitErr := pool.Submit(ctx, func(taskCtx context.Context) error {
			r.metrics.ResyncQuery(taskCtx)
			ack, err := r.gw.GetOrder(taskCtx, symbol, id)
			if err != nil {
				observability.Log().Warn("order re-sync query failed",
					observability.F("order_id", id),
					observability.F("error", err.Error()))
				return err
			}
			r.mu.Lock()
			if active, ok := r.registry.Lookup(id); ok {
				r.applyAckLocked(taskCtx, active, ack)
			}
			r.mu.Unlock()
			return nil
		})
		if submitErr != nil {
			pool.Close()
			return submitErr
		}
	}
	return pool.Shutdown(ctx)
}

// Order returns a snapshot of an active or recently completed order.
func (r *Reconciler) Order(exchangeOrderID string) (*schema.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.registry.Lookup(exchangeOrderID)
	if !ok {
		return nil, false
	}
	return order.Clone(), true
}

// Position returns a snapshot of the symbol's ledger entry.
func (r *Reconciler) Position(symbol string) schema.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.Position(symbol)
}

// Positions returns snapshots of every tracked position.
func (r *Reconciler) Positions() []schema.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.Positions()
}

// AvailableBalance fetches a fresh balance snapshot and returns the available
// amount for the asset.
func (r *Reconciler) AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	snapshot, err := r.gw.GetBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if entry, ok := snapshot.Asset(asset); ok {
		return entry.Available, nil
	}
	return decimal.Zero, nil
}

// Notifications exposes the queue of order state changes. The channel closes
// on shutdown.
func (r *Reconciler) Notifications() <-chan Notification {
	return r.notifications
}

// Close stops notification delivery. Undelivered notifications and buffered
// stream events are discarded with a logged count.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true

	discarded := len(r.notifications) + r.pendingCount
	if discarded > 0 {
		observability.Log().Info("discarding undelivered engine events",
			observability.F("count", discarded))
		r.metrics.DroppedEvents(context.Background(), int64(discarded))
	}
	r.pending = make(map[string][]pendingEvent)
	r.pendingCount = 0
	close(r.notifications)
}

// applyAckLocked folds a REST-observed order state into the registry. It is
// expressed as a synthetic execution report so both observation channels
// share one application path.
func (r *Reconciler) applyAckLocked(ctx context.Context, order *schema.Order, ack schema.OrderAck) {
	r.applyReportLocked(ctx, order, schema.ExecutionReport{
		Symbol:          order.Symbol,
		ClientOrderID:   ack.ClientOrderID,
		ExchangeOrderID: ack.ExchangeOrderID,
		Side:            order.Side,
		OrderType:       order.Type,
		Status:          ack.Status,
		LastPrice:       ack.AvgPrice,
		CumQty:          ack.ExecutedQty,
		CumQuote:        ack.CumQuote,
		TransactTime:    ack.TransactTime,
	})
}

// applyReportLocked is the single mutation path for order state. Fill deltas
// prefer exchange-reported cumulative fields; last-fill fields are the
// fallback when cumulative data is absent.
func (r *Reconciler) applyReportLocked(ctx context.Context, order *schema.Order, report schema.ExecutionReport) {
	if order.Status.Terminal() {
		observability.Log().Debug("discarding event for terminal order",
			observability.F("order_id", order.ExchangeOrderID),
			observability.F("status", string(order.Status)))
		r.metrics.DuplicateEvent(ctx)
		return
	}
	if !r.registry.MarkTrade(order.ExchangeOrderID, report.TradeID) {
		observability.Log().Debug("discarding duplicate fill",
			observability.F("order_id", order.ExchangeOrderID),
			observability.F("trade_id", report.TradeID))
		r.metrics.DuplicateEvent(ctx)
		return
	}

	fillQty := decimal.Zero
	fillPrice := report.LastPrice
	switch {
	case report.CumQty.Sign() > 0:
		// A cumulative snapshot at or behind local state is stale, typically a
		// REST re-sync racing newer stream fills. Take its status only; rolling
		// ExecutedQty backward would re-apply quantity on the next report.
		if report.CumQty.GreaterThan(order.ExecutedQty) {
			fillQty = report.CumQty.Sub(order.ExecutedQty)
			order.ExecutedQty = report.CumQty
			if report.CumQuote.GreaterThan(order.CumQuote) {
				order.CumQuote = report.CumQuote
			} else if fillPrice.Sign() > 0 {
				order.CumQuote = order.CumQuote.Add(fillQty.Mul(fillPrice))
			}
		}
	case report.LastQty.Sign() > 0:
		fillQty = report.LastQty
		order.ExecutedQty = order.ExecutedQty.Add(fillQty)
		order.CumQuote = order.CumQuote.Add(fillQty.Mul(fillPrice))
	}
	if order.ExecutedQty.Sign() > 0 {
		order.AvgFillPrice = order.CumQuote.Div(order.ExecutedQty)
	}
	if report.Commission.Sign() > 0 {
		order.Commission = order.Commission.Add(report.Commission)
	}
	if order.CommissionAsset == "" && report.CommissionAsset != "" {
		order.CommissionAsset = report.CommissionAsset
	}

	if order.ExchangeOrderID == "" && report.ExchangeOrderID != "" {
		order.ExchangeOrderID = report.ExchangeOrderID
		r.registry.Insert(order)
	}

	next := report.Status
	if next == schema.OrderStatusSubmitted && fillQty.Sign() > 0 && order.ExecutedQty.LessThan(order.Quantity) {
		next = schema.OrderStatusPartiallyFilled
	}
	if next != order.Status {
		if order.Status.CanTransitionTo(next) {
			order.Status = next
		} else {
			observability.Log().Warn("ignoring invalid status transition",
				observability.F("order_id", order.ExchangeOrderID),
				observability.F("from", string(order.Status)),
				observability.F("to", string(next)))
		}
	}
	order.UpdatedAt = r.now()

	realized := decimal.Zero
	if fillQty.Sign() > 0 {
		if fillPrice.Sign() <= 0 {
			fillPrice = order.AvgFillPrice
		}
		signed := fillQty
		if order.Side == schema.SideSell {
			signed = signed.Neg()
		}
		realized = r.ledger.Apply(order.Symbol, signed, fillPrice)
		r.metrics.FillApplied(ctx, order.Symbol)
	}

	if order.Status.Terminal() {
		r.registry.Complete(order, r.now())
	}
	r.notifyLocked(ctx, order, realized)
}

// replayPendingLocked applies events buffered ahead of the order's
// registration, in arrival order.
func (r *Reconciler) replayPendingLocked(ctx context.Context, order *schema.Order) {
	for _, key := range []string{order.ExchangeOrderID, order.ClientOrderID} {
		if key == "" {
			continue
		}
		events, ok := r.pending[key]
		if !ok {
			continue
		}
		delete(r.pending, key)
		r.pendingCount -= len(events)
		for _, event := range events {
			r.applyReportLocked(ctx, order, event.report)
		}
	}
}

func (r *Reconciler) bufferPendingLocked(ctx context.Context, report schema.ExecutionReport, now time.Time) {
	if r.pendingCount >= r.cfg.PendingLimit {
		observability.Log().Warn("pending event buffer full, discarding event",
			observability.F("order_id", report.ExchangeOrderID))
		r.metrics.DroppedEvents(ctx, 1)
		return
	}
	key := report.ExchangeOrderID
	if key == "" {
		key = report.ClientOrderID
	}
	if key == "" {
		r.metrics.DroppedEvents(ctx, 1)
		return
	}
	r.pending[key] = append(r.pending[key], pendingEvent{
		report:  report,
		expires: now.Add(r.cfg.PendingTTL),
	})
	r.pendingCount++
	r.metrics.BufferedEvent(ctx)
}

// prunePendingLocked discards buffered events whose window expired. An
// expired event is a reconciliation anomaly, logged and dropped.
func (r *Reconciler) prunePendingLocked(ctx context.Context, now time.Time) {
	for key, events := range r.pending {
		kept := events[:0]
		for _, event := range events {
			if now.After(event.expires) {
				observability.Log().Warn("fill event expired before order registration",
					observability.F("order_id", event.report.ExchangeOrderID),
					observability.F("trade_id", event.report.TradeID))
				r.metrics.DroppedEvents(ctx, 1)
				r.pendingCount--
				continue
			}
			kept = append(kept, event)
		}
		if len(kept) == 0 {
			delete(r.pending, key)
		} else {
			r.pending[key] = kept
		}
	}
}

func (r *Reconciler) notifyLocked(ctx context.Context, order *schema.Order, realized decimal.Decimal) {
	if r.closed {
		return
	}
	note := Notification{Order: *order.Clone(), Realized: realized}
	select {
	case r.notifications <- note:
	default:
		observability.Log().Warn("notification queue full, dropping notification",
			observability.F("order_id", order.ExchangeOrderID))
		r.metrics.DroppedEvents(ctx, 1)
	}
}
