package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"

	"gridbot-orchestrator/internal/grid"
	"gridbot-orchestrator/internal/models"
	"gridbot-orchestrator/internal/notifier"
	"gridbot-orchestrator/internal/sizing"
)

// newClientOrderID returns a short id that fits Binance's 36 char client id limit.
func newClientOrderID() string {
	u := uuid.New()
	return "gb" + base62.EncodeToString(u[:])
}

func (o *Orchestrator) executorFor(entry *engineEntry) grid.Executor {
	return grid.ExecutorFunc(func(ctx context.Context, intent grid.Intent) (grid.Execution, error) {
		return o.execute(ctx, entry, intent)
	})
}

// execute is the engine's only way to the venue. Every attempt leaves an
// OrderRecord, including the ones refused before reaching the exchange.
func (o *Orchestrator) execute(ctx context.Context, entry *engineEntry, intent grid.Intent) (grid.Execution, error) {
	now := o.now()
	rec := models.OrderRecord{
		ID:             newClientOrderID(),
		BotID:          entry.botID,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Type:           models.Market,
		Size:           intent.Size,
		Price:          intent.Price,
		CreatedAt:      now,
		TriggerContext: intent.Trigger(),
	}

	// 防止幽灵交易: 本轮未确认运行或确认时间过旧的机器人一律拒绝下单
	if !entry.allowTrading {
		return grid.Execution{}, o.reject(entry, rec, ErrBotNotTrading)
	}
	if now.Sub(entry.lastSeen) > models.Ms(o.cfg.Loop.StaleBotMs) {
		return grid.Execution{}, o.reject(entry, rec, ErrBotStale)
	}

	size := intent.Size
	if intent.Action == grid.ActionOpen {
		var err error
		size, err = sizing.Normalize(intent.Size, o.rulesFor(ctx, entry))
		if err != nil {
			return grid.Execution{}, o.reject(entry, rec, err)
		}
		rec.Size = size
	}

	if entry.paper == nil && intent.Leverage > 0 && entry.appliedLeverage != intent.Leverage {
		if err := entry.venue.SetLeverage(ctx, intent.Symbol, intent.Leverage); err != nil {
			o.logger.Warn("同步杠杆失败, 继续下单",
				zap.String("bot", entry.botID), zap.Int("leverage", intent.Leverage), zap.Error(err))
		} else {
			entry.appliedLeverage = intent.Leverage
		}
	}

	res, err := entry.venue.PlaceOrder(ctx, models.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          models.Market,
		Size:          size,
		Leverage:      intent.Leverage,
		ReduceOnly:    intent.ReduceOnly,
		ClientOrderID: rec.ID,
	})
	if err != nil {
		return grid.Execution{}, o.reject(entry, rec, err)
	}

	rec.Status = models.OrderFilled
	rec.ExchangeID = res.OrderID
	if res.AvgPrice > 0 {
		rec.Price = res.AvgPrice
	}
	o.recordOrder(entry, rec)
	return grid.Execution{OrderID: res.OrderID, Price: res.AvgPrice, Size: size}, nil
}

func (o *Orchestrator) reject(entry *engineEntry, rec models.OrderRecord, err error) error {
	rec.Status = models.OrderRejected
	rec.Error = err.Error()
	o.recordOrder(entry, rec)
	o.alert(entry.botID, notifier.AlertOrderRejected,
		fmt.Sprintf("[%s] %s %s %.8g 下单被拒绝: %s", entry.botID, rec.Symbol, rec.Side, rec.Size, rec.Error))
	return err
}

// recordOrder prepends rec to the bot's ring and journals it off the loop.
func (o *Orchestrator) recordOrder(entry *engineEntry, rec models.OrderRecord) {
	entry.orders = append([]models.OrderRecord{rec}, entry.orders...)
	if limit := o.cfg.Loop.OrderHistoryCap; limit > 0 && len(entry.orders) > limit {
		entry.orders = entry.orders[:limit]
	}
	o.deps.Metrics.RecordOrder(string(entry.execution), string(rec.Status))

	if o.deps.Journal != nil {
		journal := o.deps.Journal
		o.deps.Sink.Submit("journal:order", func() error { return journal.AppendOrder(rec) })
	}
}

// rulesFor returns the cached lot rules, fetching them on first use.
func (o *Orchestrator) rulesFor(ctx context.Context, entry *engineEntry) models.SymbolRules {
	if entry.rules != nil {
		return *entry.rules
	}
	rules, err := entry.venue.GetSymbolRules(ctx, entry.symbol)
	if err != nil {
		o.logger.Warn("获取交易规则失败, 按整数张处理", zap.String("symbol", entry.symbol), zap.Error(err))
		return models.DefaultSymbolRules(entry.symbol)
	}
	entry.rules = &rules
	return rules
}
