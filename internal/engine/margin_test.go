package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openordinal/execsync/internal/schema"
)

func TestMarginControllerInitializeOncePerSymbol(t *testing.T) {
	gw := &fakeGateway{}
	ctrl := NewMarginController(gw, 10, schema.MarginModeIsolated)

	require.NoError(t, ctrl.Initialize(context.Background(), []string{"ETHUSDT", "BTCUSDT"}))
	require.Equal(t, 2, gw.leverageCalls)
	require.Equal(t, 2, gw.marginCalls)
	require.True(t, ctrl.Ready("ETHUSDT"))

	// Re-running initialization never repeats confirmed symbols.
	require.NoError(t, ctrl.Initialize(context.Background(), []string{"ETHUSDT", "BTCUSDT"}))
	require.Equal(t, 2, gw.leverageCalls)
	require.Equal(t, 2, gw.marginCalls)
}

func TestMarginControllerInitializeFailureAbortsSymbol(t *testing.T) {
	gw := &fakeGateway{marginErr: errors.New("leverage tier not allowed")}
	ctrl := NewMarginController(gw, 125, schema.MarginModeIsolated)

	err := ctrl.Initialize(context.Background(), []string{"ETHUSDT"})
	require.Error(t, err)
	require.False(t, ctrl.Ready("ETHUSDT"))
}

func TestEnsureIsolatedMarginTransfersShortfall(t *testing.T) {
	gw := &fakeGateway{risk: schema.PositionRisk{IsolatedWallet: d("30")}}
	ctrl := NewMarginController(gw, 10, schema.MarginModeIsolated)

	require.NoError(t, ctrl.EnsureIsolatedMargin(context.Background(), "ETHUSDT", d("50")))
	require.Len(t, gw.transfers, 1)
	require.True(t, gw.transfers[0].Equal(d("20")))
}

func TestEnsureIsolatedMarginCoveredNoTransfer(t *testing.T) {
	gw := &fakeGateway{risk: schema.PositionRisk{IsolatedWallet: d("100")}}
	ctrl := NewMarginController(gw, 10, schema.MarginModeIsolated)

	require.NoError(t, ctrl.EnsureIsolatedMargin(context.Background(), "ETHUSDT", d("50")))
	require.Empty(t, gw.transfers)
}

func TestEnsureIsolatedMarginCrossModeSkips(t *testing.T) {
	gw := &fakeGateway{}
	ctrl := NewMarginController(gw, 10, schema.MarginModeCross)

	require.NoError(t, ctrl.EnsureIsolatedMargin(context.Background(), "ETHUSDT", d("50")))
	require.Empty(t, gw.transfers)
}
