package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphapulse/risk-core/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "risk-core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestPositions_UpsertAndDelete tests the position persistence round trip
func TestPositions_UpsertAndDelete(t *testing.T) {
	s := openTestStore(t)

	pos := &types.Position{
		Ticket:    1001,
		Symbol:    "BTCUSDT",
		Side:      types.SideLong,
		Volume:    0.5,
		OpenPrice: 43_000,
		StopLoss:  42_000,
		OpenedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Owner:     types.OwnerSelf,
	}
	require.NoError(t, s.SavePosition(pos))

	// Upsert updates stop levels in place
	pos.StopLoss = 42_500
	pos.TakeProfit = 45_000
	require.NoError(t, s.SavePosition(pos))

	loaded, err := s.LoadPositions()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, int64(1001), loaded[0].Ticket)
	assert.Equal(t, 42_500.0, loaded[0].StopLoss)
	assert.Equal(t, 45_000.0, loaded[0].TakeProfit)
	assert.Equal(t, types.SideLong, loaded[0].Side)
	assert.Equal(t, types.OwnerSelf, loaded[0].Owner)
	assert.Equal(t, types.StateOpen, loaded[0].State)

	require.NoError(t, s.DeletePosition(1001))
	loaded, err = s.LoadPositions()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

// TestOutcomes_AppendOnly tests the trade history log
func TestOutcomes_AppendOnly(t *testing.T) {
	s := openTestStore(t)

	entry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := &types.TradeOutcome{
		Ticket: 1, Symbol: "BTCUSDT", RealizedPnL: 10,
		EntryPrice: 100, ExitPrice: 110, EntryTime: entry, ExitTime: entry.Add(time.Hour),
		Risk: 5, Reward: 10, CloseReason: "target",
	}
	second := &types.TradeOutcome{
		Ticket: 2, Symbol: "ETHUSDT", RealizedPnL: -5,
		EntryPrice: 2000, ExitPrice: 1995, EntryTime: entry, ExitTime: entry.Add(2 * time.Hour),
		CloseReason: "stop",
	}
	require.NoError(t, s.AppendOutcome(first))
	require.NoError(t, s.AppendOutcome(second))

	loaded, err := s.LoadOutcomes()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, int64(1), loaded[0].Ticket)
	assert.Equal(t, "target", loaded[0].CloseReason)
	assert.Equal(t, -5.0, loaded[1].RealizedPnL)
}

// TestEquity_LoadWithLimit tests that the newest points come back oldest-first
func TestEquity_LoadWithLimit(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEquity(types.EquityPoint{
			Timestamp:   base.Add(time.Duration(i) * time.Hour),
			Equity:      1000 + float64(i),
			RunningPeak: 1000 + float64(i),
		}))
	}

	all, err := s.LoadEquity(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	recent, err := s.LoadEquity(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 1003.0, recent[0].Equity)
	assert.Equal(t, 1004.0, recent[1].Equity)
}
