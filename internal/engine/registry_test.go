package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openordinal/execsync/internal/schema"
)

func TestRegistryInsertAndLookup(t *testing.T) {
	reg := NewRegistry(time.Minute)
	order := &schema.Order{ExchangeOrderID: "1", ClientOrderID: "c1", Symbol: "ETHUSDT"}
	reg.Insert(order)

	got, ok := reg.Lookup("1")
	require.True(t, ok)
	require.Same(t, order, got)

	got, ok = reg.LookupClient("c1")
	require.True(t, ok)
	require.Same(t, order, got)

	_, ok = reg.Lookup("2")
	require.False(t, ok)
}

func TestRegistryTradeDeduplication(t *testing.T) {
	reg := NewRegistry(time.Minute)
	require.True(t, reg.MarkTrade("1", 42))
	require.False(t, reg.MarkTrade("1", 42))
	require.True(t, reg.MarkTrade("1", 43))
	// A zero trade id carries no dedupe information.
	require.True(t, reg.MarkTrade("1", 0))
	require.True(t, reg.MarkTrade("1", 0))
}

func TestRegistryCompletedLogAndPrune(t *testing.T) {
	reg := NewRegistry(time.Minute)
	order := &schema.Order{ExchangeOrderID: "1", ClientOrderID: "c1", Status: schema.OrderStatusFilled}
	reg.Insert(order)
	reg.MarkTrade("1", 7)

	now := time.Now()
	reg.Complete(order, now)

	_, ok := reg.Lookup("1")
	require.False(t, ok)
	_, ok = reg.LookupClient("c1")
	require.False(t, ok)
	require.True(t, reg.Completed("1"))

	reg.Prune(now.Add(30 * time.Second))
	require.True(t, reg.Completed("1"))

	reg.Prune(now.Add(2 * time.Minute))
	require.False(t, reg.Completed("1"))
	// Trade history goes with the completed entry.
	require.True(t, reg.MarkTrade("1", 7))
}

func TestRegistryActiveSnapshotsAreClones(t *testing.T) {
	reg := NewRegistry(time.Minute)
	order := &schema.Order{ExchangeOrderID: "1", Symbol: "ETHUSDT", Status: schema.OrderStatusSubmitted}
	reg.Insert(order)

	snapshots := reg.Active()
	require.Len(t, snapshots, 1)
	require.NotSame(t, order, snapshots[0])
	snapshots[0].Status = schema.OrderStatusFilled
	require.Equal(t, schema.OrderStatusSubmitted, order.Status)
}
