package reporter

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"gridbot-orchestrator/internal/models"
)

// Summary 汇总所有机器人的绩效指标
type Summary struct {
	Bots          int
	Running       int
	OpenPositions int
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	RealizedPnl   float64
	UnrealizedPnl float64
}

// Summarize aggregates runtime snapshots.
func Summarize(snaps []models.RuntimeSnapshot) Summary {
	var s Summary
	for _, snap := range snaps {
		s.Bots++
		if snap.State == models.EngineRunning {
			s.Running++
		}
		s.OpenPositions += len(snap.Positions)
		s.TotalTrades += snap.Stats.ClosedTrades
		s.WinningTrades += snap.Stats.ProfitTrades
		s.LosingTrades += snap.Stats.LossTrades
		s.RealizedPnl += snap.Stats.RealizedPnl
		s.UnrealizedPnl += snap.Unrealized
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
	}
	return s
}

// RenderStatus renders one row per bot plus a totals footer.
func RenderStatus(snaps []models.RuntimeSnapshot) string {
	rows := make([]models.RuntimeSnapshot, len(snaps))
	copy(rows, snaps)
	sort.Slice(rows, func(i, j int) bool { return rows[i].BotID < rows[j].BotID })

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"Bot", "Symbol", "Mode", "Exec", "State", "Price", "Open", "Closed", "W/L", "Realized", "Unrealized", "Streak", "Stop"})
	for _, s := range rows {
		t.AppendRow(table.Row{
			s.BotID,
			s.Symbol,
			s.Mode,
			s.Execution,
			s.State,
			formatPrice(s.LastPrice),
			len(s.Positions),
			s.Stats.ClosedTrades,
			fmt.Sprintf("%d/%d", s.Stats.ProfitTrades, s.Stats.LossTrades),
			fmt.Sprintf("%.2f", s.Stats.RealizedPnl),
			fmt.Sprintf("%.2f", s.Unrealized),
			s.Stats.ConsecutiveLosses,
			s.StopReason,
		})
	}

	sum := Summarize(rows)
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d bots", sum.Bots), "", "", "", fmt.Sprintf("%d running", sum.Running), "",
		sum.OpenPositions, sum.TotalTrades, fmt.Sprintf("%.1f%%", sum.WinRate),
		fmt.Sprintf("%.2f", sum.RealizedPnl), fmt.Sprintf("%.2f", sum.UnrealizedPnl), "", "",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, Align: text.AlignRight},
		{Number: 10, Align: text.AlignRight},
		{Number: 11, Align: text.AlignRight},
	})
	return t.Render()
}

// RenderEquity 权益曲线报告, 包含区间收益和最大回撤
func RenderEquity(label string, series []models.EquitySample) string {
	if len(series) == 0 {
		return fmt.Sprintf("%s: 无权益数据", label)
	}
	values := make([]float64, len(series))
	for i, s := range series {
		values[i] = s.Value
	}
	first, last := values[0], values[len(values)-1]
	change := 0.0
	if first != 0 {
		change = (last - first) / first * 100
	}

	var b strings.Builder
	fmt.Fprintf(&b, "========== 权益报告 [%s] ==========\n", label)
	fmt.Fprintf(&b, "区间:             %s 到 %s\n", series[0].Timestamp.Format("2006-01-02 15:04"), series[len(series)-1].Timestamp.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "样本数:           %d\n", len(series))
	fmt.Fprintf(&b, "期初权益:         %.2f\n", first)
	fmt.Fprintf(&b, "期末权益:         %.2f\n", last)
	fmt.Fprintf(&b, "收益率:           %.2f%%\n", change)
	fmt.Fprintf(&b, "最大回撤:         %.2f%%\n", MaxDrawdown(values)*100)
	return b.String()
}

// MaxDrawdown returns the largest peak-to-trough decline as a fraction of the peak.
func MaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

func formatPrice(p float64) string {
	if p == 0 || math.IsNaN(p) {
		return "-"
	}
	return fmt.Sprintf("%.4f", p)
}
