package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gridbot-orchestrator/internal/models"
)

const sizeEpsilon = 1e-9

// paperPosition 单向净持仓, qty 为正表示多头, 为负表示空头
type paperPosition struct {
	qty      float64
	avgEntry float64
}

type paperOrder struct {
	id        string
	req       models.OrderRequest
	createdAt time.Time
}

// Paper 实现了 Exchange 接口, 用于模拟盘机器人。
// 市价单按最近一次 SetPrice 的价格加滑点成交, 限价单在价格穿越时成交。
type Paper struct {
	quoteAsset   string
	takerFeeRate float64
	makerFeeRate float64
	slippageRate float64

	mu        sync.Mutex
	cash      float64 // 已实现盈亏和手续费都直接记入现金
	totalFees float64
	marks     map[string]float64
	positions map[string]*paperPosition
	orders    map[string]*paperOrder
	fills     map[string][]models.Fill
	leverage  map[string]int
	rules     map[string]models.SymbolRules

	now    func() time.Time
	logger *zap.Logger
}

// NewPaper 创建一个模拟交易所实例。
func NewPaper(cfg models.PaperConfig, quoteAsset string, logger *zap.Logger) *Paper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Paper{
		quoteAsset:   quoteAsset,
		takerFeeRate: cfg.TakerFeeRate,
		makerFeeRate: cfg.TakerFeeRate / 2,
		slippageRate: cfg.SlippageRate,
		cash:         cfg.InitialCash,
		marks:        make(map[string]float64),
		positions:    make(map[string]*paperPosition),
		orders:       make(map[string]*paperOrder),
		fills:        make(map[string][]models.Fill),
		leverage:     make(map[string]int),
		rules:        make(map[string]models.SymbolRules),
		now:          time.Now,
		logger:       logger,
	}
}

// SetPrice 更新标记价格, 并撮合所有被穿越的限价挂单。
func (p *Paper) SetPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
	p.checkLimitOrdersAtPrice(symbol, price)
}

// RestorePosition 用引擎快照中的持仓重建净持仓, 进程重启后保持模拟盘与引擎一致。
func (p *Paper) RestorePosition(symbol string, positions []models.Position) {
	var qty, notional, size float64
	for _, pos := range positions {
		q := pos.Quantity
		if pos.Side == models.Sell {
			q = -q
		}
		qty += q
		notional += pos.EntryPrice * pos.Quantity
		size += pos.Quantity
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if math.Abs(qty) <= sizeEpsilon || size == 0 {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = &paperPosition{qty: qty, avgEntry: notional / size}
}

// SetSymbolRules overrides the lot rules reported for a symbol.
func (p *Paper) SetSymbolRules(rules models.SymbolRules) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules[rules.Symbol] = rules
}

// checkLimitOrdersAtPrice 按下单时间顺序检查挂单。必须在持有锁的情况下调用。
func (p *Paper) checkLimitOrdersAtPrice(symbol string, price float64) {
	pending := make([]*paperOrder, 0, len(p.orders))
	for _, o := range p.orders {
		if o.req.Symbol == symbol {
			pending = append(pending, o)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].createdAt.Before(pending[j].createdAt) })

	for _, o := range pending {
		if (o.req.Side == models.Buy && price <= o.req.Price) || (o.req.Side == models.Sell && price >= o.req.Price) {
			delete(p.orders, o.id)
			if _, err := p.fill(o.id, o.req, o.req.Price, p.makerFeeRate); err != nil {
				p.logger.Warn("模拟挂单成交失败, 已丢弃", zap.String("order_id", o.id), zap.Error(err))
			}
		}
	}
}

// GetMarkPrice 返回最近一次 SetPrice 的价格。
func (p *Paper) GetMarkPrice(_ context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.marks[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
	}
	return price, nil
}

// PlaceOrder 市价单立即成交, 限价单进入挂单簿。
func (p *Paper) PlaceOrder(_ context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	if req.Size <= 0 || math.IsNaN(req.Size) {
		return nil, fmt.Errorf("无效的下单数量: %.8f", req.Size)
	}
	if req.Side != models.Buy && req.Side != models.Sell {
		return nil, fmt.Errorf("无效的下单方向: %q", req.Side)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := uuid.NewString()
	if req.Leverage > 0 {
		p.leverage[req.Symbol] = req.Leverage
	}

	if req.Type == models.Limit {
		if req.Price <= 0 {
			return nil, fmt.Errorf("限价单价格无效: %.8f", req.Price)
		}
		p.orders[id] = &paperOrder{id: id, req: req, createdAt: p.now()}
		return &models.OrderResult{OrderID: id}, nil
	}

	mark, ok := p.marks[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, req.Symbol)
	}
	execPrice := mark * (1 + p.slippageRate)
	if req.Side == models.Sell {
		execPrice = mark * (1 - p.slippageRate)
	}
	fill, err := p.fill(id, req, execPrice, p.takerFeeRate)
	if err != nil {
		return nil, err
	}
	return &models.OrderResult{OrderID: id, AvgPrice: fill.Price}, nil
}

// fill 处理一笔成交, 更新净持仓、均价和现金。必须在持有锁的情况下调用。
func (p *Paper) fill(id string, req models.OrderRequest, price, feeRate float64) (models.Fill, error) {
	pos := p.positions[req.Symbol]
	if pos == nil {
		pos = &paperPosition{}
	}

	delta := req.Size
	if req.Side == models.Sell {
		delta = -req.Size
	}
	reducing := pos.qty != 0 && (pos.qty > 0) != (delta > 0)
	if req.ReduceOnly {
		if !reducing {
			return models.Fill{}, fmt.Errorf("reduce-only 订单会增加持仓: %s %s", req.Side, req.Symbol)
		}
		if req.Size > math.Abs(pos.qty)+sizeEpsilon {
			delta = -pos.qty
		}
	}

	size := math.Abs(delta)
	fee := price * size * feeRate
	p.cash -= fee
	p.totalFees += fee

	var realized float64
	if reducing {
		closeQty := math.Min(size, math.Abs(pos.qty))
		direction := 1.0
		if pos.qty < 0 {
			direction = -1.0
		}
		realized = (price - pos.avgEntry) * closeQty * direction
		p.cash += realized

		pos.qty += delta
		switch {
		case math.Abs(pos.qty) <= sizeEpsilon:
			pos.qty, pos.avgEntry = 0, 0
		case (pos.qty > 0) == (delta > 0):
			// 反手: 剩余部分按成交价开新仓
			pos.avgEntry = price
		}
	} else {
		total := math.Abs(pos.qty) + size
		pos.avgEntry = (pos.avgEntry*math.Abs(pos.qty) + price*size) / total
		pos.qty += delta
	}
	p.positions[req.Symbol] = pos

	f := models.Fill{
		OrderID:     id,
		Side:        req.Side,
		Size:        size,
		Price:       price,
		RealizedPnl: realized - fee,
		Time:        p.now(),
	}
	p.fills[req.Symbol] = append(p.fills[req.Symbol], f)

	p.logger.Debug("模拟成交",
		zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
		zap.Float64("price", price), zap.Float64("size", size),
		zap.Float64("position", pos.qty), zap.Float64("cash", p.cash))
	return f, nil
}

// CancelOrder 撤销挂单。
func (p *Paper) CancelOrder(_ context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok || o.req.Symbol != symbol {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	delete(p.orders, orderID)
	return nil
}

// ListPositions 返回净持仓。
func (p *Paper) ListPositions(_ context.Context, symbol string) ([]models.ExchangePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos := p.positions[symbol]
	if pos == nil || pos.qty == 0 {
		return nil, nil
	}
	side, size := PositionFromAmount(pos.qty)
	return []models.ExchangePosition{{
		Side:          side,
		SizeAbs:       size,
		EntryPrice:    pos.avgEntry,
		UnrealizedPnl: p.unrealized(symbol),
	}}, nil
}

// ListFills 返回 since 之后 (含) 的成交。
func (p *Paper) ListFills(_ context.Context, symbol string, since time.Time) ([]models.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Fill, 0)
	for _, f := range p.fills[symbol] {
		if !f.Time.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

// ListBalances 返回唯一的计价资产余额。
func (p *Paper) ListBalances(_ context.Context) ([]models.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var unrealized float64
	for symbol := range p.positions {
		unrealized += p.unrealized(symbol)
	}
	return []models.Balance{{
		Asset:         p.quoteAsset,
		Wallet:        p.cash,
		UnrealizedPnl: unrealized,
		Available:     p.cash + math.Min(unrealized, 0),
	}}, nil
}

// SetLeverage 记录杠杆, 模拟盘不计算保证金。
func (p *Paper) SetLeverage(_ context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return fmt.Errorf("无效的杠杆倍数: %d", leverage)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[symbol] = leverage
	return nil
}

// GetSymbolRules 模拟盘默认按整数张处理, 可通过 SetSymbolRules 覆盖。
func (p *Paper) GetSymbolRules(_ context.Context, symbol string) (models.SymbolRules, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.rules[symbol]; ok {
		return r, nil
	}
	return models.DefaultSymbolRules(symbol), nil
}

// Leverage 返回最近设置的杠杆, 未设置时为 0。
func (p *Paper) Leverage(symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leverage[symbol]
}

// TotalFees 返回累计手续费。
func (p *Paper) TotalFees() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalFees
}

// unrealized 必须在持有锁的情况下调用。
func (p *Paper) unrealized(symbol string) float64 {
	pos := p.positions[symbol]
	mark, ok := p.marks[symbol]
	if pos == nil || pos.qty == 0 || !ok {
		return 0
	}
	return (mark - pos.avgEntry) * pos.qty
}
