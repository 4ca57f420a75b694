package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"gridbot-orchestrator/internal/exchange"
	"gridbot-orchestrator/internal/grid"
	"gridbot-orchestrator/internal/lock"
	"gridbot-orchestrator/internal/metrics"
	"gridbot-orchestrator/internal/models"
	"gridbot-orchestrator/internal/notifier"
	"gridbot-orchestrator/internal/persistence"
	"gridbot-orchestrator/internal/reporter"
	"gridbot-orchestrator/internal/risk"
)

var (
	// ErrBotNotTrading is returned to the engine when its bot was not confirmed running this tick.
	ErrBotNotTrading = errors.New("bot_not_trading")
	// ErrBotStale is returned when the bot has not been confirmed running recently.
	ErrBotStale = errors.New("bot_stale")
)

// ReasonRemoved is the stop reason for a bot whose record disappeared.
const ReasonRemoved = "removed"

// Journal is the append-only history the loop writes through the sink.
type Journal interface {
	AppendOrder(rec models.OrderRecord) error
	AppendEquitySample(sample models.EquitySample) error
	RecentOrders(botID string, limit int) ([]models.OrderRecord, error)
}

// symbolSubscriber is implemented by price sources that stream a symbol set.
type symbolSubscriber interface {
	SetSymbols(symbols []string)
}

// Deps 控制循环依赖的外部组件
type Deps struct {
	Store    persistence.Store
	Journal  Journal
	Prices   exchange.PriceSource
	Live     exchange.Exchange    // nil disables live bots
	Rules    exchange.RulesSource // lot rules for paper bots, defaults to Live
	Notifier notifier.Notifier
	Sink     *notifier.Sink
	Metrics  *metrics.Metrics
	Lease    lock.Lease
	Logger   *zap.Logger
}

// engineEntry 是注册表中单个机器人的运行时条目, 只由控制循环读写
type engineEntry struct {
	botID      string
	symbol     string
	execution  models.ExecutionMode
	configHash string
	engine     *grid.Engine

	venue exchange.Exchange
	paper *exchange.Paper // nil for live bots

	lastProcessed   time.Time
	lastSeen        time.Time
	lastPriceOK     time.Time
	allowTrading    bool
	appliedLeverage int
	rules           *models.SymbolRules
	orders          []models.OrderRecord // newest first
}

// Orchestrator owns the engine registry and runs the control loop.
type Orchestrator struct {
	cfg  models.Config
	deps Deps

	engines    map[string]*engineEntry
	throttle   *notifier.Throttle
	symbols    []string
	lastEquity time.Time

	now    func() time.Time
	logger *zap.Logger
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New 创建控制循环。cfg 应已调用 ApplyDefaults。
func New(cfg models.Config, deps Deps, opts ...Option) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Lease == nil {
		deps.Lease = lock.NopLease{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notifier.NewLogNotifier(deps.Logger)
	}
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		engines:  make(map[string]*engineEntry),
		throttle: notifier.NewThrottle(models.Ms(cfg.Loop.AlertCooldownMs)),
		now:      time.Now,
		logger:   deps.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run drives the loop until ctx is cancelled. Ticks never overlap: a slow
// tick delays the next one instead of running concurrently with it.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(models.Ms(o.cfg.Loop.TickIntervalMs))
	defer ticker.Stop()
	statusTicker := time.NewTicker(models.Ms(o.cfg.Loop.StatusIntervalMs))
	defer statusTicker.Stop()

	o.logger.Info("控制循环已启动",
		zap.Duration("tick", models.Ms(o.cfg.Loop.TickIntervalMs)),
		zap.Duration("min_bot_interval", models.Ms(o.cfg.Loop.MinBotIntervalMs)))

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case <-ticker.C:
			o.step(ctx)
		case <-statusTicker.C:
			o.logStatus()
		}
	}
}

// step runs one tick if this process holds the lease.
func (o *Orchestrator) step(ctx context.Context) {
	held, err := o.deps.Lease.TryAcquire(ctx)
	if err != nil || !held {
		if err != nil {
			o.logger.Warn("获取租约失败, 跳过本轮", zap.Error(err))
		} else {
			o.logger.Debug("租约由其他实例持有, 跳过本轮")
		}
		o.disarmAll()
		return
	}
	if err := o.Tick(ctx); err != nil {
		o.logger.Error("控制循环本轮失败", zap.Error(err))
	}
}

// Tick reloads the registry and processes every running bot once, in order.
func (o *Orchestrator) Tick(ctx context.Context) error {
	start := o.now()
	defer func() { o.deps.Metrics.ObserveTick(o.now().Sub(start)) }()

	bots, err := o.deps.Store.LoadRunningBots()
	if err != nil {
		// 读取失败时不驱逐任何引擎, 但也不允许它们交易
		o.disarmAll()
		return fmt.Errorf("加载运行中的机器人失败: %w", err)
	}
	running := make(map[string]models.Bot, len(bots))
	for _, b := range bots {
		running[b.ID] = b
	}

	o.disarmAll()

	for _, id := range o.sortedEngineIDs() {
		if _, ok := running[id]; ok {
			continue
		}
		o.stopBot(ctx, o.engines[id], o.vanishedReason(id))
	}

	sort.Slice(bots, func(i, j int) bool { return bots[i].ID < bots[j].ID })
	symbols := make([]string, 0, len(bots))
	for _, bot := range bots {
		entry, err := o.ensureEngine(ctx, bot)
		if err != nil {
			o.logger.Error("无法创建网格引擎", zap.String("bot", bot.ID), zap.Error(err))
			continue
		}
		symbols = append(symbols, entry.symbol)

		now := o.now()
		entry.allowTrading = true
		entry.lastSeen = now
		if !entry.lastProcessed.IsZero() && now.Sub(entry.lastProcessed) < models.Ms(o.cfg.Loop.MinBotIntervalMs) {
			continue
		}
		entry.lastProcessed = now
		o.processBot(ctx, entry)
	}

	o.subscribe(symbols)
	o.deps.Metrics.SetRunningBots(len(o.engines))
	o.maybeSampleEquity()
	return nil
}

func (o *Orchestrator) disarmAll() {
	for _, entry := range o.engines {
		entry.allowTrading = false
	}
}

func (o *Orchestrator) sortedEngineIDs() []string {
	return slices.Sorted(maps.Keys(o.engines))
}

// vanishedReason explains why a registered engine is no longer in the running set.
func (o *Orchestrator) vanishedReason(id string) string {
	bot, err := o.deps.Store.GetBot(id)
	if err != nil {
		if !errors.Is(err, persistence.ErrBotNotFound) {
			o.logger.Warn("读取机器人记录失败", zap.String("bot", id), zap.Error(err))
		}
		return ReasonRemoved
	}
	if bot.StopReason != "" {
		return bot.StopReason
	}
	return persistence.ManualStopReason
}

// ensureEngine returns the entry for bot, creating or reconfiguring its engine.
func (o *Orchestrator) ensureEngine(ctx context.Context, bot models.Bot) (*engineEntry, error) {
	cfg := bot.Config.Normalized()
	hash := bot.Config.Hash()

	if entry, ok := o.engines[bot.ID]; ok {
		if entry.configHash == hash {
			return entry, nil
		}
		if entry.symbol == cfg.Symbol && entry.execution == cfg.Execution {
			if err := entry.engine.Reconfigure(bot.Config); err != nil {
				return nil, err
			}
			entry.configHash = hash
			entry.rules = nil
			return entry, nil
		}
		// 交易对或执行方式变化时旧仓位不能沿用, 先平仓再重建
		o.logger.Info("交易对或执行方式变更, 重建引擎", zap.String("bot", bot.ID))
		o.retire(ctx, entry, "reconfigured")
	}

	entry := &engineEntry{
		botID:       bot.ID,
		symbol:      cfg.Symbol,
		execution:   cfg.Execution,
		configHash:  hash,
		lastPriceOK: o.now(),
	}
	switch cfg.Execution {
	case models.ExecutionLive:
		if o.deps.Live == nil {
			return nil, fmt.Errorf("实盘交易所未配置, 无法运行实盘机器人")
		}
		// 实盘平仓按交易对整体处理, 同一交易对只允许一个实盘机器人
		for _, other := range o.engines {
			if other.botID != bot.ID && other.paper == nil && other.symbol == cfg.Symbol {
				return nil, fmt.Errorf("实盘交易对 %s 已被机器人 %s 占用", cfg.Symbol, other.botID)
			}
		}
		entry.venue = o.deps.Live
	default:
		entry.paper = exchange.NewPaper(o.cfg.Paper, o.cfg.QuoteAsset, o.logger)
		entry.venue = entry.paper
		// 模拟盘沿用交易所的数量规则
		if src := o.rulesSource(); src != nil {
			if rules, err := src.GetSymbolRules(ctx, cfg.Symbol); err == nil {
				entry.paper.SetSymbolRules(rules)
			} else {
				o.logger.Warn("获取交易规则失败, 模拟盘按整数张处理", zap.String("symbol", cfg.Symbol), zap.Error(err))
			}
		}
	}

	eng, err := grid.NewEngine(bot.ID, bot.Config, o.executorFor(entry), o.logger,
		grid.WithClock(o.now), grid.WithMaxForceCloseSteps(o.cfg.Loop.ForceCloseMaxSteps))
	if err != nil {
		return nil, err
	}
	entry.engine = eng

	snap, err := o.deps.Store.LoadRuntimeSnapshot(bot.ID)
	if err != nil {
		o.logger.Warn("读取运行时快照失败, 使用全新状态", zap.String("bot", bot.ID), zap.Error(err))
		snap = nil
	}
	if snap != nil && snap.Symbol != "" && snap.Symbol != cfg.Symbol {
		// 交易对变更后的旧快照不可恢复
		snap = nil
	}
	eng.Restore(snap)
	if snap != nil && len(snap.Orders) > 0 {
		entry.orders = snap.Orders
	} else if o.deps.Journal != nil {
		if recs, err := o.deps.Journal.RecentOrders(bot.ID, o.cfg.Loop.OrderHistoryCap); err == nil {
			entry.orders = recs
		}
	}
	if entry.paper != nil {
		entry.paper.RestorePosition(cfg.Symbol, eng.Positions())
	}
	eng.Start()

	o.engines[bot.ID] = entry
	o.logger.Info("网格引擎已注册",
		zap.String("bot", bot.ID), zap.String("symbol", cfg.Symbol),
		zap.String("execution", string(cfg.Execution)), zap.Bool("restored", snap != nil))
	return entry, nil
}

func (o *Orchestrator) rulesSource() exchange.RulesSource {
	if o.deps.Rules != nil {
		return o.deps.Rules
	}
	if o.deps.Live != nil {
		return o.deps.Live
	}
	return nil
}

// processBot runs one price step for a bot: price, engine, risk, persist.
func (o *Orchestrator) processBot(ctx context.Context, entry *engineEntry) {
	log := o.logger.With(zap.String("bot", entry.botID), zap.String("symbol", entry.symbol))
	now := o.now()

	price, err := o.deps.Prices.GetMarkPrice(ctx, entry.symbol)
	if err != nil || price <= 0 {
		o.deps.Metrics.RecordPriceFailure(entry.symbol)
		log.Warn("获取标记价格失败, 本轮跳过", zap.Error(err))
		if since := now.Sub(entry.lastPriceOK); since > models.Ms(o.cfg.Loop.StaleFeedMs) {
			o.alert(entry.botID, notifier.AlertStaleFeed,
				fmt.Sprintf("[%s] %s 价格源已失效 %s", entry.botID, entry.symbol, since.Truncate(time.Second)))
		}
		return
	}
	entry.lastPriceOK = now
	if entry.paper != nil {
		entry.paper.SetPrice(entry.symbol, price)
	}

	if _, err := entry.engine.OnPriceTick(ctx, price); err != nil {
		// 订单失败已记录在订单流水中, 引擎状态未变, 等待下一次穿越
		log.Warn("价格处理未完成", zap.Float64("price", price), zap.Error(err))
	}

	cfg := entry.engine.Config()
	stats := entry.engine.Stats()
	unrealized := entry.engine.UnrealizedPnl(price)
	o.deps.Metrics.SetRealizedPnl(entry.botID, entry.symbol, stats.RealizedPnl)

	verdict := risk.Evaluate(cfg, risk.Input{
		Price:             price,
		RealizedPnl:       stats.RealizedPnl,
		UnrealizedPnl:     unrealized,
		ConsecutiveLosses: stats.ConsecutiveLosses,
	})
	if verdict.Stop {
		log.Warn("风控触发, 停止机器人", zap.String("reason", verdict.Reason), zap.Float64("price", price))
		o.stopBot(ctx, entry, verdict.Reason)
		return
	}
	if verdict.Warning {
		o.alert(entry.botID, notifier.AlertNearBreaker,
			fmt.Sprintf("[%s] %s 回撤 %.2f%% 接近熔断线 -%g%%", entry.botID, entry.symbol, verdict.DrawdownPct, cfg.CircuitBreakerPct))
	}

	o.persist(entry, "", time.Time{})
}

// persist overwrites the bot's runtime snapshot.
func (o *Orchestrator) persist(entry *engineEntry, stopReason string, stoppedAt time.Time) {
	snap := entry.engine.Snapshot()
	snap.StopReason = stopReason
	snap.StoppedAt = stoppedAt
	snap.Orders = append([]models.OrderRecord(nil), entry.orders...)
	if err := o.deps.Store.SaveRuntimeSnapshot(snap); err != nil {
		o.logger.Error("保存运行时快照失败", zap.String("bot", entry.botID), zap.Error(err))
	}
}

func (o *Orchestrator) subscribe(symbols []string) {
	sub, ok := o.deps.Prices.(symbolSubscriber)
	if !ok {
		return
	}
	sort.Strings(symbols)
	symbols = slices.Compact(symbols)
	if slices.Equal(symbols, o.symbols) {
		return
	}
	o.symbols = symbols
	sub.SetSymbols(symbols)
}

func (o *Orchestrator) alert(botID string, typ notifier.AlertType, text string) {
	if !o.throttle.Allow(botID, typ, o.now()) {
		o.deps.Metrics.RecordAlert(string(typ), false)
		return
	}
	o.deps.Metrics.RecordAlert(string(typ), true)
	n := o.deps.Notifier
	o.deps.Sink.Submit("alert:"+string(typ), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return n.Send(ctx, text)
	})
}

// Snapshots returns the current runtime snapshot of every registered engine.
func (o *Orchestrator) Snapshots() []models.RuntimeSnapshot {
	out := make([]models.RuntimeSnapshot, 0, len(o.engines))
	for _, id := range o.sortedEngineIDs() {
		entry := o.engines[id]
		snap := entry.engine.Snapshot()
		snap.Orders = entry.orders
		out = append(out, snap)
	}
	return out
}

func (o *Orchestrator) logStatus() {
	if len(o.engines) == 0 {
		o.logger.Info("当前没有运行中的机器人")
		return
	}
	o.logger.Info("运行状态\n" + reporter.RenderStatus(o.Snapshots()))
}

// shutdown persists every engine and releases the lease. Bots stay running in
// the store so the next process resumes them.
func (o *Orchestrator) shutdown() {
	for _, id := range o.sortedEngineIDs() {
		o.persist(o.engines[id], "", time.Time{})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := o.deps.Lease.Release(ctx); err != nil {
		o.logger.Warn("释放租约失败", zap.Error(err))
	}
	o.logger.Info("控制循环已停止", zap.Int("engines", len(o.engines)))
}
