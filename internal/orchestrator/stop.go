package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gridbot-orchestrator/internal/models"
	"gridbot-orchestrator/internal/notifier"
	"gridbot-orchestrator/internal/persistence"
	"gridbot-orchestrator/internal/risk"
)

// stopBot is the single stop path for risk stops, manual stops and removed
// bots: flatten, book the close, mark stopped, then evict. The bot is marked
// stopped even when the flatten failed.
func (o *Orchestrator) stopBot(ctx context.Context, entry *engineEntry, reason string) {
	entry.allowTrading = false
	stoppedAt, flattenErr := o.retire(ctx, entry, reason)

	if err := o.deps.Store.MarkStopped(entry.botID, reason, stoppedAt); err != nil && !errors.Is(err, persistence.ErrBotNotFound) {
		o.logger.Error("标记机器人停止失败", zap.String("bot", entry.botID), zap.Error(err))
	}

	stats := entry.engine.Stats()
	text := fmt.Sprintf("[%s] %s 已停止, 原因: %s, 已实现盈亏 %.4f", entry.botID, entry.symbol, reason, stats.RealizedPnl)
	if flattenErr != nil {
		text += ", 平仓失败请人工检查"
	}
	o.alert(entry.botID, notifier.AlertStop, text)
	o.deps.Metrics.RecordStop(stopKind(reason))
	o.deps.Metrics.ForgetBot(entry.botID, entry.symbol)
	o.throttle.Forget(entry.botID)
}

// retire flattens the venue, books the close in the engine, stops it, saves
// the final snapshot and drops the entry from the registry.
func (o *Orchestrator) retire(ctx context.Context, entry *engineEntry, reason string) (stoppedAt time.Time, flattenErr error) {
	log := o.logger.With(zap.String("bot", entry.botID), zap.String("symbol", entry.symbol), zap.String("reason", reason))

	flattenErr = o.flatten(ctx, entry, reason)
	if flattenErr != nil {
		log.Error("平仓失败, 仍将停止机器人", zap.Error(flattenErr))
		o.alert(entry.botID, notifier.AlertFlattenFailed,
			fmt.Sprintf("[%s] %s 平仓失败 (%s): %v", entry.botID, entry.symbol, reason, flattenErr))
	}

	price, ok := entry.engine.LastPrice()
	if !ok || price <= 0 {
		if p, err := o.deps.Prices.GetMarkPrice(ctx, entry.symbol); err == nil {
			price = p
		}
	}
	if price > 0 {
		res := entry.engine.ForceCloseAll(price, reason)
		if res.Remaining > 0 {
			log.Error("引擎持仓未能全部平仓", zap.Int("remaining", res.Remaining))
		}
	} else if n := len(entry.engine.Positions()); n > 0 {
		log.Error("没有可用价格, 无法记账平仓", zap.Int("positions", n))
	}

	entry.engine.Stop()
	stoppedAt = o.now()
	o.persist(entry, reason, stoppedAt)
	delete(o.engines, entry.botID)
	log.Info("机器人已移出注册表")
	return stoppedAt, flattenErr
}

// flatten closes every venue position of the bot's symbol with reduce-only
// market orders, retrying the whole pass FlattenRetries times.
func (o *Orchestrator) flatten(ctx context.Context, entry *engineEntry, reason string) error {
	var err error
	for attempt := 0; attempt <= o.cfg.Loop.FlattenRetries; attempt++ {
		if err = o.closeVenuePositions(ctx, entry, reason); err == nil {
			return nil
		}
		o.logger.Warn("平仓尝试失败",
			zap.String("bot", entry.botID), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return err
}

func (o *Orchestrator) closeVenuePositions(ctx context.Context, entry *engineEntry, reason string) error {
	positions, err := entry.venue.ListPositions(ctx, entry.symbol)
	if err != nil {
		return fmt.Errorf("查询持仓失败: %w", err)
	}

	var errs error
	for _, pos := range positions {
		if pos.SizeAbs <= 0 {
			continue
		}
		rec := models.OrderRecord{
			ID:             newClientOrderID(),
			BotID:          entry.botID,
			Symbol:         entry.symbol,
			Side:           pos.Side.Opposite(),
			Type:           models.Market,
			Size:           pos.SizeAbs,
			CreatedAt:      o.now(),
			TriggerContext: "flatten " + reason,
		}
		res, err := entry.venue.PlaceOrder(ctx, models.OrderRequest{
			Symbol:        entry.symbol,
			Side:          rec.Side,
			Type:          models.Market,
			Size:          pos.SizeAbs,
			ReduceOnly:    true,
			ClientOrderID: rec.ID,
		})
		if err != nil {
			rec.Status = models.OrderRejected
			rec.Error = err.Error()
			o.recordOrder(entry, rec)
			errs = multierr.Append(errs, fmt.Errorf("平仓 %s %.8g: %w", pos.Side, pos.SizeAbs, err))
			continue
		}
		rec.Status = models.OrderFilled
		rec.ExchangeID = res.OrderID
		rec.Price = res.AvgPrice
		o.recordOrder(entry, rec)
	}
	return errs
}

// stopKind strips the threshold from a stop reason for metric labels.
func stopKind(reason string) string {
	switch {
	case strings.HasPrefix(reason, "max_consecutive_loss"):
		return "max_consecutive_loss"
	case strings.HasPrefix(reason, "circuit_breaker"):
		return "circuit_breaker"
	case reason == risk.ReasonOutOfRange, reason == persistence.ManualStopReason, reason == ReasonRemoved:
		return reason
	default:
		return "other"
	}
}
