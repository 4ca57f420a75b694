package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridbot-orchestrator/internal/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func botConfig(symbol string) models.BotConfig {
	return models.BotConfig{
		Symbol:     symbol,
		LowerPrice: 100,
		UpperPrice: 200,
		GridCount:  5,
		Mode:       models.ModeLong,
		Lots:       1,
	}
}

func TestBadgerStore_BotLifecycle(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertBot(models.Bot{ID: "b", Config: botConfig("ETHUSDT"), Status: models.BotRunning}))
	require.NoError(t, store.UpsertBot(models.Bot{ID: "a", Config: botConfig("BTCUSDT"), Status: models.BotRunning}))
	require.NoError(t, store.UpsertBot(models.Bot{ID: "c", Config: botConfig("SOLUSDT"), Status: models.BotStopped}))

	running, err := store.LoadRunningBots()
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "a", running[0].ID)
	assert.Equal(t, "b", running[1].ID)

	require.NoError(t, store.MarkStopped("a", "out_of_range", now))
	bot, err := store.GetBot("a")
	require.NoError(t, err)
	assert.Equal(t, models.BotStopped, bot.Status)
	assert.Equal(t, "out_of_range", bot.StopReason)
	assert.True(t, now.Equal(bot.StoppedAt))

	running, err = store.LoadRunningBots()
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "b", running[0].ID)

	assert.ErrorIs(t, store.MarkStopped("missing", "x", now), ErrBotNotFound)
	_, err = store.GetBot("missing")
	assert.ErrorIs(t, err, ErrBotNotFound)

	require.NoError(t, store.DeleteBot("b"))
	all, err := store.ListBots()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestBadgerStore_Snapshot(t *testing.T) {
	store := newTestStore(t)

	snap, err := store.LoadRuntimeSnapshot("a")
	require.NoError(t, err)
	assert.Nil(t, snap, "no snapshot should return nil, nil")

	first := models.RuntimeSnapshot{BotID: "a", LastPrice: 150, Stats: models.Stats{ClosedTrades: 1}}
	require.NoError(t, store.SaveRuntimeSnapshot(first))
	second := models.RuntimeSnapshot{
		BotID:     "a",
		LastPrice: 160,
		Positions: []models.Position{{Side: models.Buy, Quantity: 1, EntryPrice: 150}},
		Orders:    []models.OrderRecord{{ID: "o2"}, {ID: "o1"}},
	}
	require.NoError(t, store.SaveRuntimeSnapshot(second))

	snap, err = store.LoadRuntimeSnapshot("a")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 160.0, snap.LastPrice)
	assert.Zero(t, snap.Stats.ClosedTrades, "snapshot is overwritten, not merged")
	assert.Len(t, snap.Positions, 1)
	assert.Equal(t, "o2", snap.Orders[0].ID)
}

func TestBadgerStore_SyncBots(t *testing.T) {
	store := newTestStore(t)
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	defs := []models.BotDefinition{
		{ID: "a", Name: "btc grid", Config: botConfig("BTCUSDT")},
		{ID: "b", Name: "eth grid", Status: models.BotStopped, Config: botConfig("ETHUSDT")},
	}
	res, err := store.SyncBots(defs, t0)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Created: 2}, res)

	bot, err := store.GetBot("a")
	require.NoError(t, err)
	assert.Equal(t, models.BotRunning, bot.Status)
	assert.Equal(t, models.BotRunning, bot.DesiredStatus)

	// a risk stop survives a sync that does not touch the status
	require.NoError(t, store.MarkStopped("a", "circuit_breaker_10%", t0))
	res, err = store.SyncBots(defs, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)
	bot, err = store.GetBot("a")
	require.NoError(t, err)
	assert.Equal(t, models.BotStopped, bot.Status)

	// config edit on a, start b, drop nothing
	defs[0].Config.GridCount = 9
	defs[1].Status = models.BotRunning
	res, err = store.SyncBots(defs, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Updated: 1, Restarted: 1}, res)
	bot, err = store.GetBot("a")
	require.NoError(t, err)
	assert.Equal(t, 9, bot.Config.GridCount)
	bot, err = store.GetBot("b")
	require.NoError(t, err)
	assert.Equal(t, models.BotRunning, bot.Status)
	assert.Empty(t, bot.StopReason)

	// stop b from the file and remove a
	res, err = store.SyncBots([]models.BotDefinition{
		{ID: "b", Name: "eth grid", Status: models.BotStopped, Config: botConfig("ETHUSDT")},
	}, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Stopped: 1, Deleted: 1}, res)

	bot, err = store.GetBot("b")
	require.NoError(t, err)
	assert.Equal(t, models.BotStopped, bot.Status)
	assert.Equal(t, ManualStopReason, bot.StopReason)
	_, err = store.GetBot("a")
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestBadgerStore_SyncBotsRejectsDuplicates(t *testing.T) {
	store := newTestStore(t)
	_, err := store.SyncBots([]models.BotDefinition{
		{ID: "a", Config: botConfig("BTCUSDT")},
		{ID: "a", Config: botConfig("ETHUSDT")},
	}, time.Now())
	assert.Error(t, err)

	all, err := store.ListBots()
	require.NoError(t, err)
	assert.Empty(t, all, "a failed sync writes nothing")
}
