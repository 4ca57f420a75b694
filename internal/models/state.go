package models

import "time"

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType 订单类型
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// CrossDirection records which way price last went through a level.
type CrossDirection string

const (
	CrossNone  CrossDirection = "none"
	CrossAbove CrossDirection = "above"
	CrossBelow CrossDirection = "below"
)

// EngineState 网格引擎状态
type EngineState string

const (
	EngineStopped EngineState = "stopped"
	EngineRunning EngineState = "running"
)

// Level 网格中的一条价格线
type Level struct {
	ID          int            `json:"id"`           // 0 为最低价格线
	Price       float64        `json:"price"`        // 价格
	IsActive    bool           `json:"is_active"`    // 是否可触发
	LastCrossed CrossDirection `json:"last_crossed"` // 最近一次被穿越的方向
	TradeCount  int            `json:"trade_count"`  // 该价格线触发的成交次数
}

// Position 一笔未平仓的持仓
type Position struct {
	Side       Side      `json:"side"`
	Quantity   float64   `json:"quantity"` // 合约张数
	EntryPrice float64   `json:"entry_price"`
	OrderID    string    `json:"order_id"`
	Leverage   int       `json:"leverage"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Stats 已实现盈亏统计
type Stats struct {
	ClosedTrades      int     `json:"closed_trades"`
	ProfitTrades      int     `json:"profit_trades"`
	LossTrades        int     `json:"loss_trades"`
	RealizedPnl       float64 `json:"realized_pnl"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
}

// OrderStatus 订单记录状态
type OrderStatus string

const (
	OrderSubmitted OrderStatus = "submitted"
	OrderFilled    OrderStatus = "filled"
	OrderRejected  OrderStatus = "rejected"
	OrderCancelled OrderStatus = "cancelled"
)

// OrderRecord is one entry of a bot's order history. Rejections are recorded too.
type OrderRecord struct {
	ID             string      `json:"id"`
	BotID          string      `json:"bot_id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Type           OrderType   `json:"type"`
	Size           float64     `json:"size"`
	Price          float64     `json:"price,omitempty"`
	Status         OrderStatus `json:"status"`
	Error          string      `json:"error,omitempty"`
	ExchangeID     string      `json:"exchange_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	TriggerContext string      `json:"trigger_context"`
}

// RuntimeSnapshot 是每次处理完行情后覆盖写入的运行时状态, 不保留历史版本
type RuntimeSnapshot struct {
	BotID       string        `json:"bot_id"`
	Symbol      string        `json:"symbol"`
	Mode        GridMode      `json:"mode"`
	Execution   ExecutionMode `json:"execution"`
	State       EngineState   `json:"state"`
	ConfigHash  string        `json:"config_hash"`
	LastPrice   float64       `json:"last_price"`
	Levels      []Level       `json:"levels"`
	Positions   []Position    `json:"positions"`
	Stats       Stats         `json:"stats"`
	Unrealized  float64       `json:"unrealized_pnl"`
	StopReason  string        `json:"stop_reason,omitempty"`
	StoppedAt   time.Time     `json:"stopped_at,omitempty"`
	Orders      []OrderRecord `json:"orders"` // 最新的在前
	UpdatedAt   time.Time     `json:"updated_at"`
}
