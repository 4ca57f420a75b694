package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"

	"gridbot-orchestrator/internal/models"
	"gridbot-orchestrator/internal/sizing"
)

// 币安错误码: 订单不存在
const codeUnknownOrder = -2011

// BinanceFutures 是 U 本位合约的实盘适配器, 基于 go-binance 客户端。
// 仅支持单向持仓模式, 平仓单通过 reduceOnly 下达。
type BinanceFutures struct {
	client *futures.Client
	logger *zap.Logger

	mu    sync.Mutex
	rules map[string]models.SymbolRules
}

// NewBinanceFutures 创建实盘适配器, 并与服务器同步时间。
func NewBinanceFutures(ctx context.Context, apiKey, secretKey string, testnet bool, logger *zap.Logger) (*BinanceFutures, error) {
	if apiKey == "" || secretKey == "" {
		return nil, errors.New("binance api key and secret are required")
	}
	return newBinanceFutures(ctx, apiKey, secretKey, testnet, logger)
}

// NewBinancePublic 创建不带密钥的只读适配器, 只能调用标记价格和交易规则等公开接口。
// 纯模拟盘运行时使用。
func NewBinancePublic(ctx context.Context, testnet bool, logger *zap.Logger) (*BinanceFutures, error) {
	return newBinanceFutures(ctx, "", "", testnet, logger)
}

func newBinanceFutures(ctx context.Context, apiKey, secretKey string, testnet bool, logger *zap.Logger) (*BinanceFutures, error) {
	futures.UseTestnet = testnet
	client := futures.NewClient(apiKey, secretKey)

	offset, err := client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("与币安服务器同步时间失败: %w", err)
	}
	logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", offset), zap.Bool("testnet", testnet))

	return &BinanceFutures{
		client: client,
		logger: logger,
		rules:  make(map[string]models.SymbolRules),
	}, nil
}

// GetMarkPrice 通过 premiumIndex 获取标记价格。
func (b *BinanceFutures) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	res, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取标记价格失败: %w", err)
	}
	for _, p := range res {
		if p.Symbol != symbol {
			continue
		}
		if price := Float(p.MarkPrice); price > 0 {
			return price, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrPriceUnavailable, symbol)
}

// PlaceOrder 下单。数量按交易对步长格式化, 调用方负责事先归一化。
func (b *BinanceFutures) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	rules, err := b.GetSymbolRules(ctx, req.Symbol)
	if err != nil {
		rules = models.DefaultSymbolRules(req.Symbol)
	}

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(sizing.Format(req.Size, rules.LotStep)).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)

	switch req.Type {
	case models.Limit:
		if req.Price <= 0 {
			return nil, fmt.Errorf("限价单价格无效: %.8f", req.Price)
		}
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	default:
		svc = svc.Type(futures.OrderTypeMarket)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		b.logger.Error("下单请求失败，交易所返回错误",
			zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)),
			zap.Float64("size", req.Size), zap.Error(err))
		return nil, fmt.Errorf("下单失败: %w", err)
	}

	return &models.OrderResult{
		OrderID:  strconv.FormatInt(resp.OrderID, 10),
		AvgPrice: Float(resp.AvgPrice),
	}, nil
}

// CancelOrder 撤单。订单已不存在时返回 ErrUnknownOrder。
func (b *BinanceFutures) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("无效的订单 ID %q: %w", orderID, err)
	}
	_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		if apiCode(err) == codeUnknownOrder {
			return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
		}
		return fmt.Errorf("撤单失败: %w", err)
	}
	return nil
}

// ListPositions 返回非零持仓。
func (b *BinanceFutures) ListPositions(ctx context.Context, symbol string) ([]models.ExchangePosition, error) {
	risks, err := b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取持仓失败: %w", err)
	}
	out := make([]models.ExchangePosition, 0, len(risks))
	for _, r := range risks {
		amount := Float(r.PositionAmt)
		if amount == 0 {
			continue
		}
		side, size := PositionFromAmount(amount)
		out = append(out, models.ExchangePosition{
			Side:          side,
			SizeAbs:       size,
			EntryPrice:    Float(r.EntryPrice),
			UnrealizedPnl: Float(r.UnRealizedProfit),
		})
	}
	return out, nil
}

// ListFills 返回 since 之后的成交记录。
func (b *BinanceFutures) ListFills(ctx context.Context, symbol string, since time.Time) ([]models.Fill, error) {
	svc := b.client.NewListAccountTradeService().Symbol(symbol)
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	trades, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取成交记录失败: %w", err)
	}
	out := make([]models.Fill, 0, len(trades))
	for _, t := range trades {
		side, ok := ParseSide(string(t.Side))
		if !ok {
			continue
		}
		out = append(out, models.Fill{
			OrderID:     strconv.FormatInt(t.OrderID, 10),
			Side:        side,
			Size:        Float(t.Quantity),
			Price:       Float(t.Price),
			RealizedPnl: Float(t.RealizedPnl),
			Time:        time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

// ListBalances 返回账户资产余额。
func (b *BinanceFutures) ListBalances(ctx context.Context) ([]models.Balance, error) {
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取账户余额失败: %w", err)
	}
	out := make([]models.Balance, 0, len(balances))
	for _, bal := range balances {
		out = append(out, models.Balance{
			Asset:         bal.Asset,
			Wallet:        Float(bal.Balance),
			UnrealizedPnl: Float(bal.CrossUnPnl),
			Available:     Float(bal.AvailableBalance),
		})
	}
	return out, nil
}

// SetLeverage 设置杠杆。
func (b *BinanceFutures) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return fmt.Errorf("设置杠杆失败: %w", err)
	}
	b.logger.Info("杠杆已设置", zap.String("symbol", symbol), zap.Int("leverage", leverage))
	return nil
}

// GetSymbolRules 返回交易对的数量规则, 首次调用时拉取并缓存全部交易对。
func (b *BinanceFutures) GetSymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error) {
	b.mu.Lock()
	if r, ok := b.rules[symbol]; ok {
		b.mu.Unlock()
		return r, nil
	}
	b.mu.Unlock()

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return models.SymbolRules{}, fmt.Errorf("获取交易规则失败: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range info.Symbols {
		b.rules[s.Symbol] = rulesFromFilters(s.Symbol, s.Filters)
	}
	r, ok := b.rules[symbol]
	if !ok {
		return models.SymbolRules{}, fmt.Errorf("未找到交易对 %s 的交易规则", symbol)
	}
	return r, nil
}

// rulesFromFilters 从 exchangeInfo 的过滤器中提取 LOT_SIZE。
func rulesFromFilters(symbol string, filters []map[string]interface{}) models.SymbolRules {
	rules := models.DefaultSymbolRules(symbol)
	for _, f := range filters {
		if FirstString(f, "filterType") != "LOT_SIZE" {
			continue
		}
		if step, ok := FirstFloat(f, "stepSize"); ok && step > 0 {
			rules.LotStep = step
		}
		if minQty, ok := FirstFloat(f, "minQty"); ok && minQty > 0 {
			rules.MinSize = minQty
		}
	}
	return rules
}

func apiCode(err error) int64 {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}
