package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridbot-orchestrator/internal/models"
)

// mockExecutor 记录所有下单意图, 可注入错误
type mockExecutor struct {
	mu       sync.Mutex
	intents  []Intent
	err      error
	fillFunc func(Intent) Execution
}

func (m *mockExecutor) Execute(_ context.Context, intent Intent) (Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents = append(m.intents, intent)
	if m.err != nil {
		return Execution{}, m.err
	}
	if m.fillFunc != nil {
		return m.fillFunc(intent), nil
	}
	return Execution{OrderID: fmt.Sprintf("ord-%d", len(m.intents))}, nil
}

func (m *mockExecutor) calls() []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Intent(nil), m.intents...)
}

func testConfig(mode models.GridMode, maxPositions int) models.BotConfig {
	return models.BotConfig{
		Symbol:       "BTCUSDT",
		LowerPrice:   40000,
		UpperPrice:   50000,
		GridCount:    11,
		Mode:         mode,
		Lots:         1,
		LotSize:      1,
		Leverage:     5,
		MaxPositions: maxPositions,
	}
}

func newRunningEngine(t *testing.T, cfg models.BotConfig, exec Executor, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine("bot-1", cfg, exec, zap.NewNop(), opts...)
	require.NoError(t, err)
	e.Start()
	return e
}

func feed(t *testing.T, e *Engine, prices ...float64) []TickResult {
	t.Helper()
	out := make([]TickResult, 0, len(prices))
	for _, p := range prices {
		res, err := e.OnPriceTick(context.Background(), p)
		require.NoError(t, err)
		out = append(out, res)
	}
	return out
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	cfg := testConfig(models.ModeLong, 1)
	cfg.GridCount = 1
	_, err := NewEngine("bot-1", cfg, &mockExecutor{}, zap.NewNop())
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestOnPriceTick_NotRunning(t *testing.T) {
	e, err := NewEngine("bot-1", testConfig(models.ModeLong, 1), &mockExecutor{}, zap.NewNop())
	require.NoError(t, err)

	_, err = e.OnPriceTick(context.Background(), 45000)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestOnPriceTick_FirstTickOnlySeeds(t *testing.T) {
	exec := &mockExecutor{}
	e := newRunningEngine(t, testConfig(models.ModeLong, 1), exec)

	res := feed(t, e, 44000)
	assert.False(t, res[0].Fired)
	assert.Empty(t, exec.calls())

	price, ok := e.LastPrice()
	assert.True(t, ok)
	assert.Equal(t, 44000.0, price)
}

func TestOnPriceTick_LongScenario(t *testing.T) {
	exec := &mockExecutor{}
	e := newRunningEngine(t, testConfig(models.ModeLong, 1), exec)

	res := feed(t, e, 45000, 44000, 45000, 46000)

	// tick 2: 44000 crossed downward opens a buy
	require.True(t, res[1].Fired)
	assert.Equal(t, 4, res[1].LevelID)
	assert.Equal(t, models.CrossBelow, res[1].Direction)
	assert.Equal(t, ActionOpen, res[1].Action)
	assert.Equal(t, models.Buy, res[1].Side)

	// tick 3: 45000 crossed upward closes it
	require.True(t, res[2].Fired)
	assert.Equal(t, 5, res[2].LevelID)
	assert.Equal(t, ActionClose, res[2].Action)
	assert.Equal(t, models.Sell, res[2].Side)
	assert.InDelta(t, 1000.0, res[2].Pnl, 1e-9)

	// tick 4: nothing to close, long never opens a short
	assert.False(t, res[3].Fired)
	assert.Equal(t, ActionNone, res[3].Action)

	calls := exec.calls()
	require.Len(t, calls, 2)
	assert.False(t, calls[0].ReduceOnly)
	assert.True(t, calls[1].ReduceOnly)
	assert.Equal(t, 1.0, calls[1].Size)

	stats := e.Stats()
	assert.Equal(t, 1, stats.ClosedTrades)
	assert.Equal(t, 1, stats.ProfitTrades)
	assert.Equal(t, 0, stats.ConsecutiveLosses)
	assert.InDelta(t, 1000.0, stats.RealizedPnl, 1e-9)
	assert.Empty(t, e.Positions())

	levels := e.Levels()
	assert.True(t, levels[4].IsActive, "44000 reactivated when 45000 was consumed")
	assert.Equal(t, models.CrossBelow, levels[4].LastCrossed)
	assert.False(t, levels[5].IsActive)
	assert.Equal(t, models.CrossAbove, levels[5].LastCrossed)
}

func TestOnPriceTick_SingleFirePerGap(t *testing.T) {
	exec := &mockExecutor{}
	e := newRunningEngine(t, testConfig(models.ModeNeutral, 5), exec)

	// 45500 -> 41500 crosses 45000, 44000, 43000 and 42000 in one jump
	res := feed(t, e, 45500, 41500)
	require.True(t, res[1].Fired)
	assert.Equal(t, 5, res[1].LevelID, "nearest level in the direction of travel wins")
	assert.Len(t, exec.calls(), 1)
	assert.Len(t, e.Positions(), 1)
}

func TestOnPriceTick_FailedOrderLeavesLevelUnconsumed(t *testing.T) {
	exec := &mockExecutor{err: errors.New("exchange unavailable")}
	e := newRunningEngine(t, testConfig(models.ModeLong, 1), exec)
	feed(t, e, 45000)
	before := e.Levels()

	res, err := e.OnPriceTick(context.Background(), 44000)
	require.Error(t, err)
	assert.False(t, res.Fired)
	assert.Equal(t, before, e.Levels())
	assert.Empty(t, e.Positions())
	assert.Len(t, exec.calls(), 1)

	// same price again is not a new crossing
	res, err = e.OnPriceTick(context.Background(), 44000)
	require.NoError(t, err)
	assert.False(t, res.Fired)
	assert.Len(t, exec.calls(), 1)

	// a genuinely new crossing retries
	exec.mu.Lock()
	exec.err = nil
	exec.mu.Unlock()
	res = feed(t, e, 44500, 43900)[1]
	assert.True(t, res.Fired)
	assert.Equal(t, 4, res.LevelID)
	assert.Len(t, e.Positions(), 1)
}

func TestOnPriceTick_UsesFillPriceAndSize(t *testing.T) {
	exec := &mockExecutor{fillFunc: func(i Intent) Execution {
		return Execution{OrderID: "x", Price: i.Price - 5, Size: 2}
	}}
	cfg := testConfig(models.ModeLong, 1)
	cfg.Lots = 2
	e := newRunningEngine(t, cfg, exec)
	feed(t, e, 45000, 44000)

	pos := e.Positions()
	require.Len(t, pos, 1)
	assert.Equal(t, 43995.0, pos[0].EntryPrice)
	assert.Equal(t, 2.0, pos[0].Quantity)
	assert.Equal(t, "x", pos[0].OrderID)
	assert.Equal(t, 5, pos[0].Leverage)
}

func TestModeInvariants_NeverOpenAgainstBias(t *testing.T) {
	prices := []float64{45000, 44000, 43000, 44000, 45000, 46000, 47000, 46000, 48000, 49000, 41000, 42500}

	t.Run("long", func(t *testing.T) {
		exec := &mockExecutor{}
		e := newRunningEngine(t, testConfig(models.ModeLong, 3), exec)
		feed(t, e, prices...)
		for _, in := range exec.calls() {
			if in.Action == ActionOpen {
				assert.Equal(t, models.Buy, in.Side)
			}
		}
		for _, p := range e.Positions() {
			assert.Equal(t, models.Buy, p.Side)
		}
	})

	t.Run("short", func(t *testing.T) {
		exec := &mockExecutor{}
		e := newRunningEngine(t, testConfig(models.ModeShort, 3), exec)
		feed(t, e, prices...)
		for _, in := range exec.calls() {
			if in.Action == ActionOpen {
				assert.Equal(t, models.Sell, in.Side)
			}
		}
		for _, p := range e.Positions() {
			assert.Equal(t, models.Sell, p.Side)
		}
	})
}

func TestModeInvariants_MaxPositionsCap(t *testing.T) {
	exec := &mockExecutor{}
	e := newRunningEngine(t, testConfig(models.ModeLong, 2), exec)

	// three downward crossings, only two opens allowed
	feed(t, e, 45500, 45000, 44000, 43000)
	assert.Len(t, e.Positions(), 2)
	assert.Len(t, exec.calls(), 2)
}

func TestForceCloseAll(t *testing.T) {
	exec := &mockExecutor{}
	e := newRunningEngine(t, testConfig(models.ModeNeutral, 5), exec)
	e.Restore(&models.RuntimeSnapshot{Positions: []models.Position{
		{Side: models.Buy, Quantity: 1, EntryPrice: 44000},
		{Side: models.Sell, Quantity: 2, EntryPrice: 46000},
	}})

	res := e.ForceCloseAll(45000, "out_of_range")
	assert.Equal(t, 2, res.Closed)
	assert.Equal(t, 0, res.Remaining)
	assert.InDelta(t, 1000.0+2000.0, res.RealizedPnl, 1e-9)
	assert.Empty(t, e.Positions())
	assert.Empty(t, exec.calls(), "force close only books")

	stats := e.Stats()
	assert.Equal(t, 2, stats.ClosedTrades)
	assert.Equal(t, 2, stats.ProfitTrades)
}

func TestForceCloseAll_StepGuard(t *testing.T) {
	e := newRunningEngine(t, testConfig(models.ModeNeutral, 5), &mockExecutor{}, WithMaxForceCloseSteps(2))
	e.Restore(&models.RuntimeSnapshot{Positions: []models.Position{
		{Side: models.Buy, Quantity: 1, EntryPrice: 44000},
		{Side: models.Buy, Quantity: 1, EntryPrice: 44000},
		{Side: models.Buy, Quantity: 1, EntryPrice: 44000},
	}})

	res := e.ForceCloseAll(44000, "manual")
	assert.Equal(t, 2, res.Closed)
	assert.Equal(t, 1, res.Remaining)
}

func TestLossStreak(t *testing.T) {
	e := newRunningEngine(t, testConfig(models.ModeLong, 5), &mockExecutor{})

	closeOne := func(entry, exit float64) {
		e.Restore(&models.RuntimeSnapshot{
			Positions: []models.Position{{Side: models.Buy, Quantity: 1, EntryPrice: entry}},
			Stats:     e.Stats(),
		})
		e.ForceCloseAll(exit, "test")
	}

	closeOne(45000, 44000)
	closeOne(45000, 44500)
	assert.Equal(t, 2, e.Stats().ConsecutiveLosses)

	closeOne(45000, 45000)
	assert.Equal(t, 2, e.Stats().ConsecutiveLosses, "flat trade leaves the streak alone")

	closeOne(45000, 45100)
	stats := e.Stats()
	assert.Equal(t, 0, stats.ConsecutiveLosses)
	assert.Equal(t, 4, stats.ClosedTrades)
	assert.Equal(t, 2, stats.LossTrades)
	assert.Equal(t, 1, stats.ProfitTrades)
	assert.InDelta(t, -1000-500+100, stats.RealizedPnl, 1e-9)
}

func TestReconfigure_PreservesPositions(t *testing.T) {
	exec := &mockExecutor{}
	e := newRunningEngine(t, testConfig(models.ModeLong, 2), exec)
	feed(t, e, 45000, 44000)
	require.Len(t, e.Positions(), 1)

	cfg := testConfig(models.ModeLong, 2)
	cfg.GridCount = 21
	require.NoError(t, e.Reconfigure(cfg))

	levels := e.Levels()
	assert.Len(t, levels, 21)
	for _, lv := range levels {
		assert.True(t, lv.IsActive)
		assert.Equal(t, models.CrossNone, lv.LastCrossed)
	}
	assert.Len(t, e.Positions(), 1)
	assert.Equal(t, 21, e.Config().GridCount)

	bad := cfg
	bad.UpperPrice = 30000
	assert.ErrorIs(t, e.Reconfigure(bad), models.ErrInvalidConfig)
	assert.Len(t, e.Levels(), 21)
}

func TestRestore(t *testing.T) {
	exec := &mockExecutor{}
	src := newRunningEngine(t, testConfig(models.ModeLong, 1), exec)
	feed(t, src, 45000, 44000)
	snap := src.Snapshot()

	t.Run("same config restores ladder", func(t *testing.T) {
		dst := newRunningEngine(t, testConfig(models.ModeLong, 1), exec)
		dst.Restore(&snap)
		assert.Equal(t, src.Levels(), dst.Levels())
		assert.Equal(t, src.Positions(), dst.Positions())
		price, ok := dst.LastPrice()
		assert.True(t, ok)
		assert.Equal(t, 44000.0, price)
	})

	t.Run("changed config keeps fresh ladder", func(t *testing.T) {
		cfg := testConfig(models.ModeLong, 1)
		cfg.UpperPrice = 51000
		dst := newRunningEngine(t, cfg, exec)
		dst.Restore(&snap)
		for _, lv := range dst.Levels() {
			assert.True(t, lv.IsActive)
		}
		assert.Len(t, dst.Positions(), 1)
	})
}

func TestStopClearsBookkeepingKeepsLadder(t *testing.T) {
	e := newRunningEngine(t, testConfig(models.ModeLong, 1), &mockExecutor{})
	feed(t, e, 45000, 44000)
	levels := e.Levels()

	e.ForceCloseAll(44000, "manual")
	e.Stop()
	assert.Equal(t, models.EngineStopped, e.State())
	assert.Equal(t, levels, e.Levels())
	_, ok := e.LastPrice()
	assert.False(t, ok)
}

func TestSnapshot(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	e := newRunningEngine(t, testConfig(models.ModeLong, 1), &mockExecutor{}, WithClock(func() time.Time { return now }))
	feed(t, e, 45000, 44000, 44500)

	snap := e.Snapshot()
	assert.Equal(t, "bot-1", snap.BotID)
	assert.Equal(t, models.EngineRunning, snap.State)
	assert.Equal(t, 44500.0, snap.LastPrice)
	assert.InDelta(t, 500.0, snap.Unrealized, 1e-9)
	assert.Equal(t, now, snap.UpdatedAt)
	assert.Equal(t, testConfig(models.ModeLong, 1).Hash(), snap.ConfigHash)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, now, snap.Positions[0].OpenedAt)
}
