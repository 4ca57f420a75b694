package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned when a BotConfig violates its invariants.
var ErrInvalidConfig = errors.New("invalid bot config")

// Config 结构体定义了进程级的配置参数
type Config struct {
	IsTestnet      bool   `json:"is_testnet"`       // 是否使用测试网
	DBPath         string `json:"db_path"`          // badger 数据目录 (运行时快照, 机器人注册表)
	JournalPath    string `json:"journal_path"`     // sqlite 文件 (权益曲线, 订单流水)
	BotsFile       string `json:"bots_file"`        // 机器人定义 YAML 文件
	MetricsAddr    string `json:"metrics_addr"`     // Prometheus 监听地址, 为空则不启动
	QuoteAsset     string `json:"quote_asset"`      // 计价资产, 用于权益计算
	RedisAddr      string `json:"redis_addr"`       // 为空则使用单实例租约
	LeaseKey       string `json:"lease_key"`        // 控制循环租约键
	TelegramChatID int64  `json:"telegram_chat_id"` // 告警目标会话

	Loop   LoopConfig   `json:"loop"`
	Paper  PaperConfig  `json:"paper"`
	Stream StreamConfig `json:"stream"`

	LogConfig LogConfig `json:"log"`
}

// LoopConfig holds the control loop cadence and safety windows, in milliseconds.
type LoopConfig struct {
	TickIntervalMs     int `json:"tick_interval_ms"`      // 控制循环周期
	MinBotIntervalMs   int `json:"min_bot_interval_ms"`   // 单个机器人两次处理的最小间隔
	StaleBotMs         int `json:"stale_bot_ms"`          // 超过该时间未确认运行则拒绝下单
	StaleFeedMs        int `json:"stale_feed_ms"`         // 价格源失效告警窗口
	AlertCooldownMs    int `json:"alert_cooldown_ms"`     // 同类告警冷却时间
	EquityIntervalMs   int `json:"equity_interval_ms"`    // 权益采样周期
	StatusIntervalMs   int `json:"status_interval_ms"`    // 状态表打印周期
	OrderHistoryCap    int `json:"order_history_cap"`     // 订单环形缓冲容量
	FlattenRetries     int `json:"flatten_retries"`       // 平仓失败后的立即重试次数
	LeaseTTLMs         int `json:"lease_ttl_ms"`          // 租约有效期
	SinkQueueSize      int `json:"sink_queue_size"`       // 异步任务队列长度
	SinkWorkers        int `json:"sink_workers"`          // 异步任务 worker 数量
	ForceCloseMaxSteps int `json:"force_close_max_steps"` // 强平循环保护上限
}

// PaperConfig configures the simulated exchange used for paper bots.
type PaperConfig struct {
	InitialCash  float64 `json:"initial_cash"`
	TakerFeeRate float64 `json:"taker_fee_rate"` // 吃单手续费率
	SlippageRate float64 `json:"slippage_rate"`  // 滑点率
}

// StreamConfig configures the mark price websocket.
type StreamConfig struct {
	Enabled        bool   `json:"enabled"`
	LiveWSURL      string `json:"live_ws_url"`
	TestnetWSURL   string `json:"testnet_ws_url"`
	MaxPriceAgeMs  int    `json:"max_price_age_ms"` // 缓存价格超过该时间则回退到 REST
	PingIntervalMs int    `json:"ping_interval_ms"`
	PongTimeoutMs  int    `json:"pong_timeout_ms"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// ApplyDefaults fills every zero-valued tunable with its default.
func (c *Config) ApplyDefaults() {
	setDefault := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setDefault(&c.Loop.TickIntervalMs, 1200)
	setDefault(&c.Loop.MinBotIntervalMs, 900)
	setDefault(&c.Loop.StaleBotMs, 5000)
	setDefault(&c.Loop.StaleFeedMs, 15000)
	setDefault(&c.Loop.AlertCooldownMs, 5*60*1000)
	setDefault(&c.Loop.EquityIntervalMs, 60*1000)
	setDefault(&c.Loop.StatusIntervalMs, 30*1000)
	setDefault(&c.Loop.OrderHistoryCap, 50)
	setDefault(&c.Loop.LeaseTTLMs, 10*1000)
	setDefault(&c.Loop.SinkQueueSize, 256)
	setDefault(&c.Loop.SinkWorkers, 2)
	setDefault(&c.Loop.ForceCloseMaxSteps, 1000)
	if c.Loop.FlattenRetries < 0 {
		c.Loop.FlattenRetries = 0
	}
	setDefault(&c.Stream.MaxPriceAgeMs, 3000)
	setDefault(&c.Stream.PingIntervalMs, 54*1000)
	setDefault(&c.Stream.PongTimeoutMs, 60*1000)

	if c.DBPath == "" {
		c.DBPath = "data/badger"
	}
	if c.JournalPath == "" {
		c.JournalPath = "data/journal.db"
	}
	if c.BotsFile == "" {
		c.BotsFile = "bots.yaml"
	}
	if c.QuoteAsset == "" {
		c.QuoteAsset = "USDT"
	}
	if c.LeaseKey == "" {
		c.LeaseKey = "gridbot:orchestrator"
	}
	if c.Paper.InitialCash <= 0 {
		c.Paper.InitialCash = 10000
	}
	if c.Stream.LiveWSURL == "" {
		c.Stream.LiveWSURL = "wss://fstream.binance.com"
	}
	if c.Stream.TestnetWSURL == "" {
		c.Stream.TestnetWSURL = "wss://stream.binancefuture.com"
	}
}

// Ms converts a millisecond setting into a duration.
func Ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// GridMode is the directional bias of a grid bot.
type GridMode string

const (
	ModeLong    GridMode = "long"
	ModeShort   GridMode = "short"
	ModeNeutral GridMode = "neutral"
)

// ExecutionMode selects simulated or real order routing.
type ExecutionMode string

const (
	ExecutionPaper ExecutionMode = "paper"
	ExecutionLive  ExecutionMode = "live"
)

// BotStatus is the lifecycle state of a bot record.
type BotStatus string

const (
	BotRunning BotStatus = "running"
	BotStopped BotStatus = "stopped"
)

// BotConfig 是单个网格机器人的运行参数, 运行期间不可变, 只能整体替换
type BotConfig struct {
	Symbol               string        `json:"symbol" yaml:"symbol"`                                 // 交易对, e.g. "BTCUSDT"
	LowerPrice           float64       `json:"lower_price" yaml:"lower_price"`                       // 网格下边界
	UpperPrice           float64       `json:"upper_price" yaml:"upper_price"`                       // 网格上边界
	GridCount            int           `json:"grid_count" yaml:"grid_count"`                         // 网格线数量 (>=2)
	Mode                 GridMode      `json:"mode" yaml:"mode"`                                     // long | short | neutral
	Lots                 float64       `json:"lots" yaml:"lots"`                                     // 每次下单手数
	LotSize              float64       `json:"lot_size" yaml:"lot_size"`                             // 每手对应的合约张数
	ContractValue        float64       `json:"contract_value" yaml:"contract_value"`                 // 每张合约面值, 默认 1
	Leverage             int           `json:"leverage" yaml:"leverage"`                             // 杠杆倍数
	MaxPositions         int           `json:"max_positions" yaml:"max_positions"`                   // 最大持仓笔数
	MaxConsecutiveLosses int           `json:"max_consecutive_losses" yaml:"max_consecutive_losses"` // 连续亏损上限, 0 表示不限制
	CircuitBreakerPct    float64       `json:"circuit_breaker_pct" yaml:"circuit_breaker_pct"`       // 回撤熔断百分比, 0 表示关闭
	Investment           float64       `json:"investment" yaml:"investment"`                         // 投入本金, 回撤百分比的分母
	Execution            ExecutionMode `json:"execution" yaml:"execution"`                           // paper | live
}

// Normalized returns a copy with defaults applied to optional fields.
func (c BotConfig) Normalized() BotConfig {
	if c.ContractValue <= 0 {
		c.ContractValue = 1
	}
	if c.LotSize <= 0 {
		c.LotSize = 1
	}
	if c.Leverage <= 0 {
		c.Leverage = 1
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = 1
	}
	if c.Execution == "" {
		c.Execution = ExecutionPaper
	}
	return c
}

// Validate checks the invariants a ladder can be built from.
func (c BotConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	}
	if c.LowerPrice <= 0 || c.LowerPrice >= c.UpperPrice {
		return fmt.Errorf("%w: lower price %.8f must be positive and below upper price %.8f", ErrInvalidConfig, c.LowerPrice, c.UpperPrice)
	}
	if c.GridCount < 2 {
		return fmt.Errorf("%w: grid count %d must be at least 2", ErrInvalidConfig, c.GridCount)
	}
	switch c.Mode {
	case ModeLong, ModeShort, ModeNeutral:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	switch c.Execution {
	case ExecutionPaper, ExecutionLive, "":
	default:
		return fmt.Errorf("%w: unknown execution %q", ErrInvalidConfig, c.Execution)
	}
	if c.Lots <= 0 {
		return fmt.Errorf("%w: lots must be positive", ErrInvalidConfig)
	}
	if c.CircuitBreakerPct < 0 || c.MaxConsecutiveLosses < 0 {
		return fmt.Errorf("%w: risk limits must not be negative", ErrInvalidConfig)
	}
	if c.CircuitBreakerPct > 0 && c.Investment <= 0 {
		return fmt.Errorf("%w: circuit breaker %g%% needs a positive investment", ErrInvalidConfig, c.CircuitBreakerPct)
	}
	return nil
}

// OrderSize is the per-level order size in contracts.
func (c BotConfig) OrderSize() float64 {
	n := c.Normalized()
	return n.Lots * n.LotSize
}

// Hash fingerprints the config so the loop can detect hot edits.
func (c BotConfig) Hash() string {
	data, _ := json.Marshal(c.Normalized())
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// Bot 是存储中的机器人记录
type Bot struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Config        BotConfig `json:"config"`
	Status        BotStatus `json:"status"`
	DesiredStatus BotStatus `json:"desired_status"` // 最近一次从定义文件同步的期望状态
	StopReason    string    `json:"stop_reason,omitempty"`
	StoppedAt     time.Time `json:"stopped_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SymbolRules 交易所的下单数量规则
type SymbolRules struct {
	Symbol  string  `json:"symbol"`
	LotStep float64 `json:"lot_step"` // 数量步长, 默认按整数张处理
	MinSize float64 `json:"min_size"` // 最小下单数量
}

// DefaultSymbolRules is used whenever the exchange does not report rules.
func DefaultSymbolRules(symbol string) SymbolRules {
	return SymbolRules{Symbol: symbol, LotStep: 1, MinSize: 1}
}

// OrderRequest is the normalized order the core hands to the Exchange Port.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Size          float64
	Price         float64 // 0 for market orders
	Leverage      int
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult is what the Exchange Port returns for an accepted order.
type OrderResult struct {
	OrderID  string
	AvgPrice float64 // 0 when the venue does not report a fill price
}

// ExchangePosition 交易所返回的持仓, 已归一化
type ExchangePosition struct {
	Side          Side
	SizeAbs       float64
	EntryPrice    float64
	UnrealizedPnl float64
}

// Fill 交易所返回的成交记录
type Fill struct {
	OrderID     string
	Side        Side
	Size        float64
	Price       float64
	RealizedPnl float64
	Time        time.Time
}

// Balance 账户中单个资产的余额
type Balance struct {
	Asset         string
	Wallet        float64
	UnrealizedPnl float64
	Available     float64
}

// EquitySample is one point of the append-only equity series.
type EquitySample struct {
	Mode      ExecutionMode `json:"mode"`
	Label     string        `json:"label"`
	Value     float64       `json:"value"`
	Timestamp time.Time     `json:"timestamp"`
}

// BotDefinition 是机器人定义文件中的一项
type BotDefinition struct {
	ID     string    `yaml:"id" json:"id"`
	Name   string    `yaml:"name" json:"name"`
	Status BotStatus `yaml:"status" json:"status"` // 期望状态, 为空视为 running
	Config BotConfig `yaml:"config" json:"config"`
}
