// Package schema defines the fixed-schema records exchanged between the
// transport gateway, the event listener, and the reconciliation engine.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side captures the direction of an order.
type Side string

const (
	// SideBuy indicates buy orders.
	SideBuy Side = "Buy"
	// SideSell indicates sell orders.
	SideSell Side = "Sell"
)

// Opposite returns the inverse side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int {
	if s == SideBuy {
		return 1
	}
	return -1
}

// OrderType enumerates supported order types.
type OrderType string

const (
	// OrderTypeMarket represents market orders.
	OrderTypeMarket OrderType = "Market"
	// OrderTypeLimit represents limit orders.
	OrderTypeLimit OrderType = "Limit"
	// OrderTypeStop represents stop-market orders.
	OrderTypeStop OrderType = "Stop"
	// OrderTypeStopLimit represents stop-limit orders.
	OrderTypeStopLimit OrderType = "StopLimit"
)

// RequiresPrice reports whether the order type carries a limit price.
func (t OrderType) RequiresPrice() bool {
	switch t {
	case OrderTypeLimit, OrderTypeStopLimit:
		return true
	default:
		return false
	}
}

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	// OrderStatusCreated indicates a locally created, not yet submitted order.
	OrderStatusCreated OrderStatus = "Created"
	// OrderStatusSubmitted indicates the exchange accepted the submission.
	OrderStatusSubmitted OrderStatus = "Submitted"
	// OrderStatusPartiallyFilled indicates cumulative fills below the requested size.
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	// OrderStatusFilled indicates the order executed in full.
	OrderStatusFilled OrderStatus = "Filled"
	// OrderStatusCanceled indicates the order was canceled.
	OrderStatusCanceled OrderStatus = "Canceled"
	// OrderStatusRejected indicates the exchange rejected the order.
	OrderStatusRejected OrderStatus = "Rejected"
	// OrderStatusExpired indicates the order expired on the exchange.
	OrderStatusExpired OrderStatus = "Expired"
)

// Terminal reports whether no further mutation is expected for the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine permits moving from s to next.
// Self-transition is allowed only for PartiallyFilled (successive partial fills).
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case OrderStatusCreated:
		// Instantly matched market orders land terminal straight from the
		// REST response, skipping Submitted.
		return next != OrderStatusCreated
	case OrderStatusSubmitted:
		return next == OrderStatusPartiallyFilled || next.Terminal()
	case OrderStatusPartiallyFilled:
		switch next {
		case OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired:
			return true
		default:
			return false
		}
	default:
		return false
	}
}

// Order is the authoritative in-memory record of a submitted order.
// Mutated only by the reconciler.
type Order struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            Side
	Type            OrderType
	Quantity        decimal.Decimal
	Price           *decimal.Decimal
	Status          OrderStatus

	ExecutedQty     decimal.Decimal
	CumQuote        decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string

	SubmittedAt time.Time
	UpdatedAt   time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.ExecutedQty)
}

// Clone returns a copy safe to hand outside the reconciler's lock.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	dup := *o
	if o.Price != nil {
		price := *o.Price
		dup.Price = &price
	}
	return &dup
}
