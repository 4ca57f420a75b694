package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gridbot-orchestrator/internal/models"
)

// ErrNotRunning is returned when a tick reaches a stopped engine.
var ErrNotRunning = errors.New("grid engine is not running")

const defaultForceCloseSteps = 1000

// Intent is a trade the engine wants placed. The executor owns sizing rules
// and routing; the engine only learns whether it filled.
type Intent struct {
	BotID      string
	Symbol     string
	Side       models.Side
	Size       float64
	Price      float64 // price of the tick that triggered the intent
	Leverage   int
	ReduceOnly bool
	LevelID    int
	Direction  models.CrossDirection
	Action     Action
}

// Trigger describes the crossing for order records.
func (i Intent) Trigger() string {
	return fmt.Sprintf("%s level#%d %s @%.8g", i.Action, i.LevelID, i.Direction, i.Price)
}

// Execution is a successful placement.
type Execution struct {
	OrderID string
	Price   float64 // average fill price, 0 when unknown
	Size    float64 // filled size, 0 means the requested size
}

// Executor places intents on behalf of the engine.
type Executor interface {
	Execute(ctx context.Context, intent Intent) (Execution, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, intent Intent) (Execution, error)

func (f ExecutorFunc) Execute(ctx context.Context, intent Intent) (Execution, error) {
	return f(ctx, intent)
}

// TickResult reports what a single price tick did.
type TickResult struct {
	Fired     bool
	LevelID   int
	Direction models.CrossDirection
	Action    Action
	Side      models.Side
	OrderID   string
	Pnl       float64 // realized on a close
}

// CloseResult summarises a forced drain.
type CloseResult struct {
	Closed      int
	RealizedPnl float64
	Remaining   int // positions left when the step guard tripped
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMaxForceCloseSteps bounds the ForceCloseAll loop.
func WithMaxForceCloseSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxForceCloseSteps = n
		}
	}
}

// Engine 是单个网格机器人的状态机: 价格线、持仓和已实现盈亏
type Engine struct {
	botID string
	cfg   models.BotConfig
	exec  Executor

	ladder    *Ladder
	positions []models.Position
	stats     models.Stats
	state     models.EngineState
	lastPrice float64
	hasPrice  bool

	maxForceCloseSteps int
	now                func() time.Time
	logger             *zap.Logger
	mu                 sync.Mutex
}

// NewEngine builds a stopped engine with a fresh ladder.
func NewEngine(botID string, cfg models.BotConfig, exec Executor, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Normalized()
	ladder, err := NewLadder(cfg.LowerPrice, cfg.UpperPrice, cfg.GridCount)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		botID:              botID,
		cfg:                cfg,
		exec:               exec,
		ladder:             ladder,
		state:              models.EngineStopped,
		maxForceCloseSteps: defaultForceCloseSteps,
		now:                time.Now,
		logger:             logger.With(zap.String("bot", botID), zap.String("symbol", cfg.Symbol)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start moves the engine to running. Ladder and positions are kept.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == models.EngineRunning {
		return
	}
	e.state = models.EngineRunning
	e.logger.Info("网格引擎已启动", zap.Int("levels", e.ladder.Len()), zap.Int("positions", len(e.positions)))
}

// Stop moves the engine to stopped and clears its price seed and position
// book. The ladder is left as is. Callers flatten first.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == models.EngineStopped {
		return
	}
	if n := len(e.positions); n > 0 {
		e.logger.Warn("停止时仍有未平仓记录, 已丢弃", zap.Int("positions", n))
	}
	e.positions = nil
	e.hasPrice = false
	e.lastPrice = 0
	e.state = models.EngineStopped
	e.logger.Info("网格引擎已停止")
}

// State returns the current state.
func (e *Engine) State() models.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Config returns the normalized config in use.
func (e *Engine) Config() models.BotConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// OnPriceTick feeds one price into the state machine. At most one level fires
// per call. A failed placement is returned and leaves the ladder and
// positions untouched; the price is still recorded, so the same move is not
// retried until a new crossing happens.
func (e *Engine) OnPriceTick(ctx context.Context, price float64) (TickResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != models.EngineRunning {
		return TickResult{}, ErrNotRunning
	}
	if price <= 0 {
		return TickResult{}, fmt.Errorf("invalid price %.8f", price)
	}
	if !e.hasPrice {
		e.lastPrice, e.hasPrice = price, true
		return TickResult{}, nil
	}

	prev := e.lastPrice
	e.lastPrice = price

	idx, dir, ok := e.ladder.Crossing(prev, price)
	if !ok {
		return TickResult{}, nil
	}
	level := e.ladder.Level(idx)
	decision := Decide(e.cfg.Mode, dir, e.positions, e.cfg.MaxPositions)
	if decision.Action == ActionNone {
		e.logger.Debug("价格线被穿越但不满足交易条件",
			zap.Int("level", level.ID), zap.String("direction", string(dir)), zap.Int("positions", len(e.positions)))
		return TickResult{LevelID: level.ID, Direction: dir, Action: ActionNone}, nil
	}

	intent := Intent{
		BotID:     e.botID,
		Symbol:    e.cfg.Symbol,
		Side:      decision.Side,
		Size:      e.cfg.OrderSize(),
		Price:     price,
		Leverage:  e.cfg.Leverage,
		LevelID:   level.ID,
		Direction: dir,
		Action:    decision.Action,
	}
	if decision.Action == ActionClose {
		intent.Size = e.positions[decision.CloseIdx].Quantity
		intent.ReduceOnly = true
	}

	exec, err := e.exec.Execute(ctx, intent)
	if err != nil {
		e.logger.Warn("下单失败, 价格线保持未消耗",
			zap.Int("level", level.ID), zap.String("side", string(intent.Side)), zap.Error(err))
		return TickResult{LevelID: level.ID, Direction: dir, Action: decision.Action, Side: intent.Side}, err
	}

	fillPrice := exec.Price
	if fillPrice <= 0 {
		fillPrice = price
	}
	fillSize := exec.Size
	if fillSize <= 0 {
		fillSize = intent.Size
	}

	e.ladder.Consume(idx, dir)
	result := TickResult{
		Fired:     true,
		LevelID:   level.ID,
		Direction: dir,
		Action:    decision.Action,
		Side:      intent.Side,
		OrderID:   exec.OrderID,
	}

	switch decision.Action {
	case ActionOpen:
		e.positions = append(e.positions, models.Position{
			Side:       intent.Side,
			Quantity:   fillSize,
			EntryPrice: fillPrice,
			OrderID:    exec.OrderID,
			Leverage:   e.cfg.Leverage,
			OpenedAt:   e.now(),
		})
		e.logger.Info("开仓成交",
			zap.Int("level", level.ID), zap.String("side", string(intent.Side)),
			zap.Float64("price", fillPrice), zap.Float64("size", fillSize), zap.String("order_id", exec.OrderID))
	case ActionClose:
		result.Pnl = e.closeAt(decision.CloseIdx, fillPrice)
		e.logger.Info("平仓成交",
			zap.Int("level", level.ID), zap.String("side", string(intent.Side)),
			zap.Float64("price", fillPrice), zap.Float64("pnl", result.Pnl), zap.String("order_id", exec.OrderID))
	}
	return result, nil
}

// closeAt removes position idx and books its PnL. Caller holds mu.
func (e *Engine) closeAt(idx int, exit float64) float64 {
	pos := e.positions[idx]
	e.positions = append(e.positions[:idx], e.positions[idx+1:]...)

	pnl := RealizedPnl(pos, exit, e.cfg.ContractValue)
	e.stats.ClosedTrades++
	e.stats.RealizedPnl += pnl
	switch {
	case pnl > 0:
		e.stats.ProfitTrades++
		e.stats.ConsecutiveLosses = 0
	case pnl < 0:
		e.stats.LossTrades++
		e.stats.ConsecutiveLosses++
	}
	return pnl
}

// ForceCloseAll books a closing trade at price for every open position. It
// places no orders. The loop is bounded by the step guard so an inconsistent
// book cannot spin forever.
func (e *Engine) ForceCloseAll(price float64, reason string) CloseResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res CloseResult
	for steps := 0; len(e.positions) > 0; steps++ {
		if steps >= e.maxForceCloseSteps {
			e.logger.Error("强制平仓超过循环保护上限", zap.Int("steps", steps), zap.Int("remaining", len(e.positions)))
			break
		}
		res.RealizedPnl += e.closeAt(0, price)
		res.Closed++
	}
	res.Remaining = len(e.positions)
	if res.Closed > 0 {
		e.logger.Info("强制平仓完成",
			zap.String("reason", reason), zap.Int("closed", res.Closed),
			zap.Float64("price", price), zap.Float64("pnl", res.RealizedPnl))
	}
	return res
}

// Reconfigure replaces the config and rebuilds the ladder. Positions and
// counters survive; level activation does not.
func (e *Engine) Reconfigure(cfg models.BotConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.Normalized()
	ladder, err := NewLadder(cfg.LowerPrice, cfg.UpperPrice, cfg.GridCount)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.ladder = ladder
	e.logger.Info("配置已更新, 网格已重建",
		zap.Float64("lower", cfg.LowerPrice), zap.Float64("upper", cfg.UpperPrice),
		zap.Int("grid_count", cfg.GridCount), zap.String("mode", string(cfg.Mode)))
	return nil
}

// Restore hydrates the engine from a persisted snapshot. Level state is only
// taken when the snapshot was written for the same config.
func (e *Engine) Restore(snap *models.RuntimeSnapshot) {
	if snap == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	levelsRestored := false
	if snap.ConfigHash == e.cfg.Hash() {
		levelsRestored = e.ladder.restore(snap.Levels)
	}
	e.positions = append([]models.Position(nil), snap.Positions...)
	e.stats = snap.Stats
	if snap.LastPrice > 0 {
		e.lastPrice, e.hasPrice = snap.LastPrice, true
	}
	e.logger.Info("已从快照恢复引擎状态",
		zap.Bool("levels_restored", levelsRestored),
		zap.Int("positions", len(e.positions)),
		zap.Float64("realized_pnl", e.stats.RealizedPnl))
}

// Stats returns the realized PnL counters.
func (e *Engine) Stats() models.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Levels returns a copy of the ladder.
func (e *Engine) Levels() []models.Level {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ladder.Levels()
}

// Positions returns a copy of the open positions, oldest first.
func (e *Engine) Positions() []models.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Position(nil), e.positions...)
}

// LastPrice returns the last seen price and whether one is known.
func (e *Engine) LastPrice() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPrice, e.hasPrice
}

// UnrealizedPnl marks every open position to price.
func (e *Engine) UnrealizedPnl(price float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unrealized(price)
}

func (e *Engine) unrealized(price float64) float64 {
	var total float64
	for _, p := range e.positions {
		total += RealizedPnl(p, price, e.cfg.ContractValue)
	}
	return total
}

// Snapshot fills the engine-owned part of a runtime snapshot.
func (e *Engine) Snapshot() models.RuntimeSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := models.RuntimeSnapshot{
		BotID:      e.botID,
		Symbol:     e.cfg.Symbol,
		Mode:       e.cfg.Mode,
		Execution:  e.cfg.Execution,
		State:      e.state,
		ConfigHash: e.cfg.Hash(),
		LastPrice:  e.lastPrice,
		Levels:     e.ladder.Levels(),
		Positions:  append([]models.Position(nil), e.positions...),
		Stats:      e.stats,
		UpdatedAt:  e.now(),
	}
	if e.hasPrice {
		snap.Unrealized = e.unrealized(e.lastPrice)
	}
	return snap
}
