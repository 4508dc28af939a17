package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/openordinal/execsync/errs"
	"github.com/openordinal/execsync/internal/schema"
)

// passSizer returns inputs unchanged; quantization has its own tests.
type passSizer struct{}

func (passSizer) Quantize(_ context.Context, _ string, qty, price decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	return qty, price, nil
}

type fakeGateway struct {
	mu sync.Mutex

	placeFn  func(schema.OrderRequest) (schema.OrderAck, error)
	cancelFn func(symbol, id string) error
	getFn    func(symbol, id string) (schema.OrderAck, error)

	placed   []schema.OrderRequest
	canceled []string

	risk      schema.PositionRisk
	balance   schema.BalanceSnapshot
	transfers []decimal.Decimal

	leverageCalls int
	marginCalls   int
	marginErr     error
}

func (f *fakeGateway) PlaceOrder(_ context.Context, req schema.OrderRequest) (schema.OrderAck, error) {
	f.mu.Lock()
	f.placed = append(f.placed, req)
	f.mu.Unlock()
	if f.placeFn != nil {
		return f.placeFn(req)
	}
	return schema.OrderAck{}, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _, id string) error {
	f.mu.Lock()
	f.canceled = append(f.canceled, id)
	f.mu.Unlock()
	if f.cancelFn != nil {
		return f.cancelFn("", id)
	}
	return nil
}

func (f *fakeGateway) GetOrder(_ context.Context, symbol, id string) (schema.OrderAck, error) {
	if f.getFn != nil {
		return f.getFn(symbol, id)
	}
	return schema.OrderAck{}, nil
}

func (f *fakeGateway) GetPositionRisk(context.Context, string) (schema.PositionRisk, error) {
	return f.risk, nil
}

func (f *fakeGateway) GetBalance(context.Context) (schema.BalanceSnapshot, error) {
	return f.balance, nil
}

func (f *fakeGateway) SetLeverage(context.Context, string, int) error {
	f.mu.Lock()
	f.leverageCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) SetMarginMode(context.Context, string, schema.MarginMode) error {
	f.mu.Lock()
	f.marginCalls++
	f.mu.Unlock()
	return f.marginErr
}

func (f *fakeGateway) TransferMargin(_ context.Context, _ string, amount decimal.Decimal, _ schema.MarginDirection) error {
	f.mu.Lock()
	f.transfers = append(f.transfers, amount)
	f.mu.Unlock()
	return nil
}

func submittedAck(id, client string) schema.OrderAck {
	return schema.OrderAck{
		Symbol:          "ETHUSDT",
		ExchangeOrderID: id,
		ClientOrderID:   client,
		Status:          schema.OrderStatusSubmitted,
	}
}

func newTestReconciler(gw *fakeGateway) *Reconciler {
	return NewReconciler(gw, passSizer{}, nil, Config{})
}

func TestSubmitInstantFillAppliedSynchronously(t *testing.T) {
	gw := &fakeGateway{
		placeFn: func(req schema.OrderRequest) (schema.OrderAck, error) {
			return schema.OrderAck{
				Symbol:          "ETHUSDT",
				ExchangeOrderID: "100",
				ClientOrderID:   req.ClientOrderID,
				Status:          schema.OrderStatusFilled,
				Quantity:        req.Quantity,
				ExecutedQty:     req.Quantity,
				CumQuote:        req.Quantity.Mul(d("2000")),
				AvgPrice:        d("2000"),
			}, nil
		},
	}
	rec := newTestReconciler(gw)
	defer rec.Close()

	order, err := rec.Submit(context.Background(), "ETHUSDT", schema.SideBuy, schema.OrderTypeMarket, d("0.01"), nil)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, order.Status)
	require.True(t, order.ExecutedQty.Equal(d("0.01")))
	require.True(t, order.AvgFillPrice.Equal(d("2000")))

	pos := rec.Position("ETHUSDT")
	require.True(t, pos.Quantity.Equal(d("0.01")))
	require.True(t, pos.AvgEntryPrice.Equal(d("2000")))
}

func TestPartialFillsBlendAveragePrice(t *testing.T) {
	gw := &fakeGateway{
		placeFn: func(req schema.OrderRequest) (schema.OrderAck, error) {
			return submittedAck("200", req.ClientOrderID), nil
		},
	}
	rec := newTestReconciler(gw)
	defer rec.Close()

	order, err := rec.Submit(context.Background(), "ETHUSDT", schema.SideBuy, schema.OrderTypeMarket, d("0.01"), nil)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusSubmitted, order.Status)

	rec.ApplyReport(context.Background(), schema.ExecutionReport{
		Symbol:          "ETHUSDT",
		ExchangeOrderID: "200",
		Side:            schema.SideBuy,
		Status:          schema.OrderStatusPartiallyFilled,
		LastQty:         d("0.003"),
		LastPrice:       d("2000"),
		CumQty:          d("0.003"),
		CumQuote:        d("6"),
		TradeID:         1,
	})
	snapshot, ok := rec.Order("200")
	require.True(t, ok)
	require.Equal(t, schema.OrderStatusPartiallyFilled, snapshot.Status)
	require.True(t, snapshot.AvgFillPrice.Equal(d("2000")))

	rec.ApplyReport(context.Background(), schema.ExecutionReport{
		Symbol:          "ETHUSDT",
		ExchangeOrderID: "200",
		Side:            schema.SideBuy,
		Status:          schema.OrderStatusFilled,
		LastQty:         d("0.007"),
		LastPrice:       d("2010"),
		CumQty:          d("0.01"),
		CumQuote:        d("20.07"),
		TradeID:         2,
	})

	_, ok = rec.Order("200")
	require.False(t, ok, "terminal orders leave the active registry")

	pos := rec.Position("ETHUSDT")
	require.True(t, pos.Quantity.Equal(d("0.01")))
	require.True(t, pos.AvgEntryPrice.Equal(d("2007")))

	// Two fills and two status notifications were queued.
	var last Notification
	for i := 0; i < 2; i++ {
		last = <-rec.Notifications()
	}
	require.Equal(t, schema.OrderStatusFilled, last.Order.Status)
	require.True(t, last.Order.ExecutedQty.Equal(d("0.01")))
	require.True(t, last.Order.AvgFillPrice.Equal(d("2007")))
}

func TestPartialFillWithoutCumulativeFieldsAccumulatesLocally(t *testing.T) {
	gw := &fakeGateway{
		placeFn: func(req schema.OrderRequest) (schema.OrderAck, error) {
			return submittedAck("210", req.ClientOrderID), nil
		},
	}
	rec := newTestReconciler(gw)
	defer rec.Close()

	_, err := rec.Submit(context.Background(), "ETHUSDT", schema.SideBuy, schema.OrderTypeMarket, d("0.01"), nil)
	require.NoError(t, err)

	rec.ApplyReport(context.Background(), schema.ExecutionReport{
		ExchangeOrderID: "210",
		Side:            schema.SideBuy,
		Status:          schema.OrderStatusPartiallyFilled,
		LastQty:         d("0.003"),
		LastPrice:       d("2000"),
		TradeID:         10,
	})
	rec.ApplyReport(context.Background(), schema.ExecutionReport{
		ExchangeOrderID: "210",
		Side:            schema.SideBuy,
		Status:          schema.OrderStatusFilled,
		LastQty:         d("0.007"),
		LastPrice:       d("2010"),
		TradeID:         11,
	})

	pos := rec.Position("ETHUSDT")
	require.True(t, pos.Quantity.Equal(d("0.01")))
	require.True(t, pos.AvgEntryPrice.Equal(d("2007")))
}

func TestDuplicateTradeIDIsNoOp(t *testing.T) {
	gw := &fakeGateway{
		placeFn: func(req schema.OrderRequest) (schema.OrderAck, error) {
			return submittedAck("300", req.ClientOrderID), nil
		},
	}
	rec := newTestReconciler(gw)
	defer rec.Close()

	_, err := rec.Submit(context.Background(), "ETHUSDT", schema.SideBuy, schema.OrderTypeMarket, d("0.01"), nil)
	require.NoError(t, err)

	fill := schema.ExecutionReport{
		ExchangeOrderID: "300",
		Side:            schema.SideBuy,
		Status:          schema.OrderStatusPartiallyFilled,
		LastQty:         d("0.003"),
		LastPrice:       d("2000"),
		CumQty:          d("0.003"),
		CumQuote:        d("6"),
		TradeID:         55,
	}
	rec.ApplyReport(context.Background(), fill)
	rec.ApplyReport(context.Background(), fill)

	snapshot, ok := rec.Order("300")
	require.True(t, ok)
	require.True(t, snapshot.ExecutedQty.Equal(d("0.003")))
	require.True(t, rec.Position("ETHUSDT").Quantity.Equal(d("0.003")))
}

func TestEarlyFillBufferedAndReplayed(t *testing.T) {
	gw := &fakeGateway{
		placeFn: func(req schema.OrderRequest) (schema.OrderAck, error) {
			return submittedAck("400", req.ClientOrderID), nil
		},
	}
	rec := newTestReconciler(gw)
	defer rec.Close()

	// Stream beats the REST response.
	rec.ApplyReport(context.Background(), schema.ExecutionReport{
		Symbol:          "ETHUSDT",
		ExchangeOrderID: "400",
		Side:            schema.SideBuy,
		Status:          schema.OrderStatusFilled,
		LastQty:         d("0.01"),
		LastPrice:       d("2000"),
		CumQty:          d("0.01"),
		CumQuote:        d("20"),
		TradeID:         9,
	})
	require.True(t, rec.Position("ETHUSDT").Flat(), "nothing applies before registration")

	order, err := rec.Submit(context.Background(), "ETHUSDT", schema.SideBuy, schema.OrderTypeMarket, d("0.01"), nil)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, order.Status, "buffered fill replayed before Submit returns")
	require.True(t, order.ExecutedQty.Equal(d("0.01")))
	require.True(t, order.AvgFillPrice.Equal(d("2000")))

	pos := rec.Position("ETHUSDT")
	require.True(t, pos.Quantity.Equal(d("0.01")))
	require.True(t, pos.AvgEntryPrice.Equal(d("2000")))

	_, ok := rec.Order("400")
	require.False(t, ok, "replayed fill drove the order terminal")
}

func TestStaleResyncSnapshotDoesNotRollBackFills(t *testing.T) {
	gw := &fakeGateway{
		placeFn: func(req schema.OrderRequest) (schema.OrderAck, error) {
			return submittedAck("900", req.ClientOrderID), nil
		},
		// The REST snapshot lags the stream: it reflects only the first fill.
		getFn: func(_, id string) (schema.OrderAck, error) {
			return schema.OrderAck{
				ExchangeOrderID: id,
				Status:          schema.OrderStatusPartiallyFilled,
				ExecutedQty:     d("0.003"),
				CumQuote:        d("6"),
				AvgPrice:        d("2000"),
			}, nil
		},
	}
	rec := newTestReconciler(gw)
	defer rec.Close()

	_, err := rec.Submit(context.Background(), "ETHUSDT", schema.SideBuy, schema.OrderTypeMarket, d("0.01"), nil)
	require.NoError(t, err)

	rec.ApplyReport(context.Background(), schema.ExecutionReport{
		ExchangeOrderID: "900",
		Side:            schema.SideBuy,
		Status:          schema.OrderStatusPartiallyFilled,
		LastQty:         d("0.006"),
		LastPrice:       d("2000"),
		CumQty:          d("0.006"),
		CumQuote:        d("12"),
		TradeID:         1,
	})
	require.NoError(t, rec.Resync(context.Background()))

	snapshot, ok := rec.Order("900")
	require.True(t, ok)
	require.True(t, snapshot.ExecutedQty.Equal(d("0.006")), "stale snapshot must not roll executed quantity backward")

	rec.ApplyReport(context.Background(), schema.ExecutionReport{
		ExchangeOrderID: "900",
		Side:            schema.SideBuy,
		Status:          schema.OrderStatusFilled,
		LastQty:         d("0.004"),
		LastPrice:       d("2000"),
		CumQty:          d("0.01"),
		CumQuote:        d("20"),
		TradeID:         2,
	})

	pos := rec.Position("ETHUSDT")
	require.True(t, pos.Quantity.Equal(d("0.01")), "position = %s", pos.Quantity)
	require.True(t, pos.AvgEntryPrice.Equal(d("2000")))
}

func TestBufferedEventExpiresBeforeRegistration(t *testing.T) {
	gw := &fakeGateway{
		placeFn: func(req schema.OrderRequest) (schema.OrderAck, error) {
			return submittedAck("950", req.ClientOrderID), nil
		},
	}
	rec := newTestReconciler(gw)
	defer rec.Close()

	clock := time.Now()
	rec.now = func() time.Time { return clock }

	rec.ApplyReport(context.Background(), schema.ExecutionReport{
		Symbol:          "ETHUSDT",
		ExchangeOrderID: "950",
		Side:            schema.SideBuy,
		Status:          schema.OrderStatusFilled,
		LastQty:         d("0.01"),
		LastPrice:       d("2000"),
		CumQty:          d("0.01"),
		CumQuote:        d("20"),
		TradeID:         3,
	})

	// Registration arrives only after the retention window has passed.
	clock = clock.Add(defaultPendingTTL + time.Second)

	order, err := rec.Submit(context.Background(), "ETHUSDT", schema.SideBuy, schema.OrderTypeMarket, d("0.01"), nil)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusSubmitted, order.Status, "expired event must not replay")
	require.True(t, order.ExecutedQty.IsZero())
	require.True(t, rec.Position("ETHUSDT").Flat())
}

func TestCancelOnFilledOrderIsNoOp(t *testing.T) {
	gw := &fakeGateway{
		placeFn: func(req schema.OrderRequest) (schema.OrderAck, error) {
			return schema.OrderAck{
				ExchangeOrderID: "500",
				ClientOrderID:   req.ClientOrderID,
				Status:          schema.OrderStatusFilled,
				ExecutedQty:     req.Quantity,
				AvgPrice:        d("2000"),
			}, nil
		},
	}
	rec := newTestReconciler(gw)
	defer rec.Close()

	_, err := rec.Submit(context.Background(), "ETHUSDT", schema.SideBuy, schema.OrderTypeMarket, d("0.01"), nil)
	require.NoError(t, err)

	require.NoError(t, rec.Cancel(context.Background(), "500"))
	require.Empty(t, gw.canceled, "no cancel call reaches the exchange")
}

func TestCancelUnknownOrder(t *testing.T) {
	rec := newTestReconciler(&fakeGateway{})
	defer rec.Close()

	err := rec.Cancel(context.Background(), "nope")
	require.Error(t, err)
	require.True(t, errs.IsCanonical(err, errs.CanonicalOrderNotFound))
}

func TestClosePositionSubmitsOppositeMarketOrder(t *testing.T) {
	gw := &fakeGateway{}
	gw.placeFn = func(req schema.OrderRequest) (schema.OrderAck, error) {
		return schema.OrderAck{
			ExchangeOrderID: "600",
			ClientOrderID:   req.ClientOrderID,
			Status:          schema.OrderStatusFilled,
			ExecutedQty:     req.Quantity,
			AvgPrice:        d("2050"),
		}, nil
	}
	rec := newTestReconciler(gw)
	defer rec.Close()

	// Seed a long position directly through a fill.
	_, err := rec.Submit(context.Background(), "ETHUSDT", schema.SideBuy, schema.OrderTypeMarket, d("0.01"), nil)
	require.NoError(t, err)

	order, err := rec.ClosePosition(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.NotNil(t, order)
	require.Equal(t, schema.SideSell, order.Side)
	require.True(t, order.Quantity.Equal(d("0.01")))
	require.True(t, rec.Position("ETHUSDT").Flat())

	// Closing a flat position is a no-op.
	order, err = rec.ClosePosition(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.Nil(t, order)
}

func TestExecutedNeverExceedsRequested(t *testing.T) {
	gw := &fakeGateway{
		placeFn: func(req schema.OrderRequest) (schema.OrderAck, error) {
			return submittedAck("700", req.ClientOrderID), nil
		},
	}
	rec := newTestReconciler(gw)
	defer rec.Close()

	_, err := rec.Submit(context.Background(), "ETHUSDT", schema.SideBuy, schema.OrderTypeMarket, d("0.01"), nil)
	require.NoError(t, err)

	rec.ApplyReport(context.Background(), schema.ExecutionReport{
		ExchangeOrderID: "700",
		Side:            schema.SideBuy,
		Status:          schema.OrderStatusFilled,
		LastQty:         d("0.01"),
		LastPrice:       d("2000"),
		CumQty:          d("0.01"),
		CumQuote:        d("20"),
		TradeID:         1,
	})
	// A late duplicate FILLED event must not push executed past requested.
	rec.ApplyReport(context.Background(), schema.ExecutionReport{
		ExchangeOrderID: "700",
		Side:            schema.SideBuy,
		Status:          schema.OrderStatusFilled,
		LastQty:         d("0.01"),
		LastPrice:       d("2000"),
		CumQty:          d("0.01"),
		CumQuote:        d("20"),
		TradeID:         2,
	})

	require.True(t, rec.Position("ETHUSDT").Quantity.Equal(d("0.01")))
}

func TestResyncAppliesRESTState(t *testing.T) {
	gw := &fakeGateway{
		placeFn: func(req schema.OrderRequest) (schema.OrderAck, error) {
			return submittedAck("800", req.ClientOrderID), nil
		},
		getFn: func(_, id string) (schema.OrderAck, error) {
			return schema.OrderAck{
				ExchangeOrderID: id,
				Status:          schema.OrderStatusFilled,
				ExecutedQty:     d("0.01"),
				CumQuote:        d("20"),
				AvgPrice:        d("2000"),
			}, nil
		},
	}
	rec := newTestReconciler(gw)
	defer rec.Close()

	_, err := rec.Submit(context.Background(), "ETHUSDT", schema.SideBuy, schema.OrderTypeMarket, d("0.01"), nil)
	require.NoError(t, err)

	require.NoError(t, rec.Resync(context.Background()))

	_, ok := rec.Order("800")
	require.False(t, ok)
	pos := rec.Position("ETHUSDT")
	require.True(t, pos.Quantity.Equal(d("0.01")))
	require.True(t, pos.AvgEntryPrice.Equal(d("2000")))
}

func TestAvailableBalance(t *testing.T) {
	gw := &fakeGateway{
		balance: schema.BalanceSnapshot{
			Assets: []schema.AssetBalance{{Asset: "USDT", Available: d("800.25")}},
		},
	}
	rec := newTestReconciler(gw)
	defer rec.Close()

	available, err := rec.AvailableBalance(context.Background(), "USDT")
	require.NoError(t, err)
	require.True(t, available.Equal(d("800.25")))

	available, err = rec.AvailableBalance(context.Background(), "ETH")
	require.NoError(t, err)
	require.True(t, available.IsZero())
}
