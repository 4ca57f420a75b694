package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"gridbot-orchestrator/internal/models"
)

// equity label for the aggregate of all paper bots
const paperEquityLabel = "total"

// maybeSampleEquity appends equity points when the sampling interval elapsed.
// Paper equity is computed here from engine state; live equity needs a balance
// call and is fetched on the sink so the tick does not wait for it.
func (o *Orchestrator) maybeSampleEquity() {
	now := o.now()
	if !o.lastEquity.IsZero() && now.Sub(o.lastEquity) < models.Ms(o.cfg.Loop.EquityIntervalMs) {
		return
	}
	if len(o.engines) == 0 || o.deps.Journal == nil {
		return
	}
	o.lastEquity = now
	journal := o.deps.Journal

	var paperEquity float64
	hasPaper, hasLive := false, false
	for _, entry := range o.engines {
		if entry.paper == nil {
			hasLive = true
			continue
		}
		hasPaper = true
		cfg := entry.engine.Config()
		stats := entry.engine.Stats()
		var unrealized float64
		if price, ok := entry.engine.LastPrice(); ok {
			unrealized = entry.engine.UnrealizedPnl(price)
		}
		paperEquity += cfg.Investment + stats.RealizedPnl + unrealized
	}

	if hasPaper {
		sample := models.EquitySample{Mode: models.ExecutionPaper, Label: paperEquityLabel, Value: paperEquity, Timestamp: now}
		o.deps.Sink.Submit("journal:equity-paper", func() error { return journal.AppendEquitySample(sample) })
	}

	if hasLive && o.deps.Live != nil {
		live, quote := o.deps.Live, o.cfg.QuoteAsset
		o.deps.Sink.Submit("journal:equity-live", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			value, err := liveEquity(ctx, live.ListBalances, quote)
			if err != nil {
				return err
			}
			return journal.AppendEquitySample(models.EquitySample{Mode: models.ExecutionLive, Label: quote, Value: value, Timestamp: now})
		})
	}
	o.logger.Debug("权益采样", zap.Bool("paper", hasPaper), zap.Bool("live", hasLive), zap.Float64("paper_equity", paperEquity))
}

// liveEquity is wallet plus unrealized PnL of the quote asset.
func liveEquity(ctx context.Context, list func(context.Context) ([]models.Balance, error), quote string) (float64, error) {
	balances, err := list(ctx)
	if err != nil {
		return 0, fmt.Errorf("查询余额失败: %w", err)
	}
	for _, b := range balances {
		if strings.EqualFold(b.Asset, quote) {
			return b.Wallet + b.UnrealizedPnl, nil
		}
	}
	return 0, fmt.Errorf("余额中没有计价资产 %s", quote)
}
