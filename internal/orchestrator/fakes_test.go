package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridbot-orchestrator/internal/metrics"
	"gridbot-orchestrator/internal/models"
	"gridbot-orchestrator/internal/notifier"
	"gridbot-orchestrator/internal/persistence"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
}

func (f *fakePrices) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
	f.err = nil
}

func (f *fakePrices) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakePrices) GetMarkPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	p, ok := f.prices[symbol]
	if !ok {
		return 0, errors.New("no price")
	}
	return p, nil
}

type fakeJournal struct {
	mu      sync.Mutex
	orders  []models.OrderRecord
	samples []models.EquitySample
	recent  []models.OrderRecord
}

func (j *fakeJournal) AppendOrder(rec models.OrderRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders = append(j.orders, rec)
	return nil
}

func (j *fakeJournal) AppendEquitySample(s models.EquitySample) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.samples = append(j.samples, s)
	return nil
}

func (j *fakeJournal) RecentOrders(string, int) ([]models.OrderRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.recent, nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) Name() string { return "fake" }

func (n *fakeNotifier) Send(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func (n *fakeNotifier) count(substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, t := range n.texts {
		if strings.Contains(t, substr) {
			c++
		}
	}
	return c
}

// fakeLive is a scripted live venue.
type fakeLive struct {
	mu             sync.Mutex
	orders         []models.OrderRequest
	placeErr       error
	failReduceOnly bool
	positions      []models.ExchangePosition
	listCalls      int
	leverageCalls  []int
	leverageErr    error
	balances       []models.Balance
	nextID         int
}

func (f *fakeLive) GetMarkPrice(context.Context, string) (float64, error) { return 0, errors.New("unused") }

func (f *fakeLive) PlaceOrder(_ context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	if req.ReduceOnly && f.failReduceOnly {
		return nil, errors.New("reduce only rejected")
	}
	f.nextID++
	return &models.OrderResult{OrderID: fmt.Sprintf("ex-%d", f.nextID)}, nil
}

func (f *fakeLive) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeLive) ListPositions(context.Context, string) ([]models.ExchangePosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.positions, nil
}

func (f *fakeLive) ListFills(context.Context, string, time.Time) ([]models.Fill, error) {
	return nil, nil
}

func (f *fakeLive) ListBalances(context.Context) ([]models.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances, nil
}

func (f *fakeLive) SetLeverage(_ context.Context, _ string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverageCalls = append(f.leverageCalls, leverage)
	return f.leverageErr
}

func (f *fakeLive) GetSymbolRules(_ context.Context, symbol string) (models.SymbolRules, error) {
	return models.DefaultSymbolRules(symbol), nil
}

type fakeLease struct{ held bool }

func (l *fakeLease) TryAcquire(context.Context) (bool, error) { return l.held, nil }
func (l *fakeLease) Release(context.Context) error            { return nil }

type harness struct {
	o       *Orchestrator
	store   persistence.Store
	prices  *fakePrices
	journal *fakeJournal
	notes   *fakeNotifier
	live    *fakeLive
	sink    *notifier.Sink
	clock   *testClock
	lease   *fakeLease
}

func testBotConfig(mode models.GridMode, maxPositions int) models.BotConfig {
	return models.BotConfig{
		Symbol:       "BTCUSDT",
		LowerPrice:   40000,
		UpperPrice:   50000,
		GridCount:    11,
		Mode:         mode,
		Lots:         1,
		Leverage:     5,
		MaxPositions: maxPositions,
		Investment:   1000,
	}
}

func newHarness(t *testing.T, defs ...models.BotDefinition) *harness {
	t.Helper()
	cfg := models.Config{}
	cfg.ApplyDefaults()
	cfg.Loop.FlattenRetries = 1

	store, err := persistence.NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:   store,
		prices:  &fakePrices{prices: make(map[string]float64)},
		journal: &fakeJournal{},
		notes:   &fakeNotifier{},
		live:    &fakeLive{},
		sink:    notifier.NewSink(64, 1, zap.NewNop()),
		clock:   &testClock{t: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)},
		lease:   &fakeLease{held: true},
	}
	t.Cleanup(h.sink.Close)

	if len(defs) > 0 {
		_, err = store.SyncBots(defs, h.clock.Now())
		require.NoError(t, err)
	}

	h.o = New(cfg, Deps{
		Store:    store,
		Journal:  h.journal,
		Prices:   h.prices,
		Live:     h.live,
		Notifier: h.notes,
		Sink:     h.sink,
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Lease:    h.lease,
		Logger:   zap.NewNop(),
	}, WithClock(h.clock.Now))
	return h
}

// tickAt advances the clock past the per-bot interval and runs one tick at price.
func (h *harness) tickAt(t *testing.T, price float64) {
	t.Helper()
	h.prices.set("BTCUSDT", price)
	h.clock.Advance(time.Second)
	require.NoError(t, h.o.Tick(context.Background()))
}

// flush drains the sink so journal and notifier fakes are complete.
func (h *harness) flush() {
	h.sink.Close()
}
