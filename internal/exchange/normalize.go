package exchange

import (
	"math"
	"strings"

	"github.com/spf13/cast"

	"gridbot-orchestrator/internal/models"
)

// 交易所返回的数据字段名和类型并不统一 (字符串数字, 大小写不同的方向等),
// 所有解析都收敛在这里, 上层只看到 models 中的归一化类型。

// Float converts a loosely typed payload value to float64, returning 0 on failure.
func Float(v interface{}) float64 {
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// FirstFloat returns the first key of m that parses as a number.
func FirstFloat(m map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		f, err := cast.ToFloat64E(v)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		return f, true
	}
	return 0, false
}

// FirstString returns the first non-empty string value among keys.
func FirstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := cast.ToString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

// ParseSide maps the side spellings seen in exchange payloads.
func ParseSide(v interface{}) (models.Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(cast.ToString(v))) {
	case "BUY", "LONG", "BID":
		return models.Buy, true
	case "SELL", "SHORT", "ASK":
		return models.Sell, true
	}
	return "", false
}

// PositionFromAmount turns a signed one-way position amount into side and size.
func PositionFromAmount(amount float64) (models.Side, float64) {
	if amount < 0 {
		return models.Sell, -amount
	}
	return models.Buy, amount
}
