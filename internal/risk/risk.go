package risk

import (
	"fmt"
	"strconv"

	"gridbot-orchestrator/internal/models"
)

const (
	// ReasonOutOfRange is the stop reason when price leaves the grid.
	ReasonOutOfRange = "out_of_range"

	// warnFraction is where the drawdown early warning starts, as a share of the breaker threshold.
	warnFraction = 0.8
)

// Input is the per-tick state the evaluator looks at.
type Input struct {
	Price             float64
	RealizedPnl       float64
	UnrealizedPnl     float64
	ConsecutiveLosses int
}

// Verdict is the evaluator's answer for one bot and one tick.
type Verdict struct {
	Stop        bool
	Reason      string
	Warning     bool    // drawdown is close to the breaker
	DrawdownPct float64 // (realized + unrealized) / investment * 100, 0 without investment
}

// Evaluate runs out-of-range, loss-streak and circuit-breaker checks in that
// order. The first one that trips wins.
func Evaluate(cfg models.BotConfig, in Input) Verdict {
	var v Verdict
	if cfg.Investment > 0 {
		v.DrawdownPct = (in.RealizedPnl + in.UnrealizedPnl) / cfg.Investment * 100
	}

	if OutOfRange(cfg, in.Price) {
		v.Stop, v.Reason = true, ReasonOutOfRange
		return v
	}
	if LossStreakExceeded(cfg, in.ConsecutiveLosses) {
		v.Stop, v.Reason = true, LossStreakReason(cfg.MaxConsecutiveLosses)
		return v
	}
	if cfg.CircuitBreakerPct > 0 && cfg.Investment > 0 {
		threshold := -cfg.CircuitBreakerPct
		switch {
		case v.DrawdownPct <= threshold:
			v.Stop, v.Reason = true, BreakerReason(cfg.CircuitBreakerPct)
		case v.DrawdownPct <= threshold*warnFraction:
			v.Warning = true
		}
	}
	return v
}

// OutOfRange reports whether price left [lower, upper].
func OutOfRange(cfg models.BotConfig, price float64) bool {
	return price < cfg.LowerPrice || price > cfg.UpperPrice
}

// LossStreakExceeded reports whether the streak reached the configured limit.
// A zero limit disables the check.
func LossStreakExceeded(cfg models.BotConfig, streak int) bool {
	return cfg.MaxConsecutiveLosses > 0 && streak >= cfg.MaxConsecutiveLosses
}

// LossStreakReason formats the loss-streak stop reason.
func LossStreakReason(n int) string {
	return fmt.Sprintf("max_consecutive_loss_%d", n)
}

// BreakerReason formats the circuit-breaker stop reason.
func BreakerReason(pct float64) string {
	return "circuit_breaker_" + strconv.FormatFloat(pct, 'f', -1, 64) + "%"
}
