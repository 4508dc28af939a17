package engine

import (
	"time"

	"github.com/openordinal/execsync/internal/schema"
)

// Registry holds the authoritative in-memory order map keyed by exchange
// order id, with a client-order-id index and a short-lived completed log for
// late-duplicate suppression. It performs no locking; the reconciler
// serializes all access.
type Registry struct {
	active   map[string]*schema.Order
	byClient map[string]string
	seen     map[string]map[int64]struct{}

	completed    map[string]completedEntry
	completedTTL time.Duration
}

type completedEntry struct {
	order   *schema.Order
	expires time.Time
}

// NewRegistry constructs a registry whose completed log retains terminal
// orders for ttl.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		active:       make(map[string]*schema.Order),
		byClient:     make(map[string]string),
		seen:         make(map[string]map[int64]struct{}),
		completed:    make(map[string]completedEntry),
		completedTTL: ttl,
	}
}

// Insert registers an order under its exchange and client ids.
func (r *Registry) Insert(order *schema.Order) {
	if order == nil || order.ExchangeOrderID == "" {
		return
	}
	r.active[order.ExchangeOrderID] = order
	if order.ClientOrderID != "" {
		r.byClient[order.ClientOrderID] = order.ExchangeOrderID
	}
}

// Lookup resolves an active order by exchange id.
func (r *Registry) Lookup(exchangeOrderID string) (*schema.Order, bool) {
	order, ok := r.active[exchangeOrderID]
	return order, ok
}

// LookupClient resolves an active order by client id.
func (r *Registry) LookupClient(clientOrderID string) (*schema.Order, bool) {
	id, ok := r.byClient[clientOrderID]
	if !ok {
		return nil, false
	}
	return r.Lookup(id)
}

// MarkTrade records a trade id for an order and reports whether it was new.
// A false return means the fill was already applied.
func (r *Registry) MarkTrade(exchangeOrderID string, tradeID int64) bool {
	if tradeID == 0 {
		return true
	}
	trades, ok := r.seen[exchangeOrderID]
	if !ok {
		trades = make(map[int64]struct{})
		r.seen[exchangeOrderID] = trades
	}
	if _, dup := trades[tradeID]; dup {
		return false
	}
	trades[tradeID] = struct{}{}
	return true
}

// Complete moves a terminal order from the active map into the completed log.
func (r *Registry) Complete(order *schema.Order, now time.Time) {
	if order == nil || order.ExchangeOrderID == "" {
		return
	}
	delete(r.active, order.ExchangeOrderID)
	if order.ClientOrderID != "" {
		delete(r.byClient, order.ClientOrderID)
	}
	r.completed[order.ExchangeOrderID] = completedEntry{
		order:   order,
		expires: now.Add(r.completedTTL),
	}
}

// Completed reports whether the order id sits in the completed log.
func (r *Registry) Completed(exchangeOrderID string) bool {
	_, ok := r.completed[exchangeOrderID]
	return ok
}

// Prune drops expired completed entries and their trade-id sets.
func (r *Registry) Prune(now time.Time) {
	for id, entry := range r.completed {
		if now.After(entry.expires) {
			delete(r.completed, id)
			delete(r.seen, id)
		}
	}
}

// Active returns clones of all non-terminal orders, for re-sync fan-out.
func (r *Registry) Active() []*schema.Order {
	orders := make([]*schema.Order, 0, len(r.active))
	for _, order := range r.active {
		orders = append(orders, order.Clone())
	}
	return orders
}
