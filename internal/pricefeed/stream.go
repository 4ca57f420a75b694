package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gridbot-orchestrator/internal/exchange"
	"gridbot-orchestrator/internal/models"
)

const reconnectDelay = 5 * time.Second

type quote struct {
	price      float64
	receivedAt time.Time
}

// Stream 通过 WebSocket 订阅标记价格并缓存, 缓存过期时回退到 REST。
type Stream struct {
	baseURL      string
	maxAge       time.Duration
	pingInterval time.Duration
	pongWait     time.Duration
	fallback     exchange.PriceSource
	dialer       *websocket.Dialer
	logger       *zap.Logger
	now          func() time.Time

	mu      sync.RWMutex
	quotes  map[string]quote
	symbols []string
	conn    *websocket.Conn
	resubCh chan struct{}
}

// NewStream 创建价格流。fallback 用于缓存缺失或过期时的 REST 查询。
func NewStream(cfg models.StreamConfig, testnet bool, fallback exchange.PriceSource, logger *zap.Logger) *Stream {
	base := cfg.LiveWSURL
	if testnet {
		base = cfg.TestnetWSURL
	}
	if cfg.PongTimeoutMs <= 0 {
		cfg.PongTimeoutMs = 60 * 1000
	}
	if cfg.PingIntervalMs <= 0 || cfg.PingIntervalMs >= cfg.PongTimeoutMs {
		cfg.PingIntervalMs = cfg.PongTimeoutMs * 9 / 10
	}
	return &Stream{
		baseURL:      strings.TrimRight(base, "/"),
		maxAge:       models.Ms(cfg.MaxPriceAgeMs),
		pingInterval: models.Ms(cfg.PingIntervalMs),
		pongWait:     models.Ms(cfg.PongTimeoutMs),
		fallback:     fallback,
		dialer:       websocket.DefaultDialer,
		logger:       logger,
		now:          time.Now,
		quotes:       make(map[string]quote),
		resubCh:      make(chan struct{}, 1),
	}
}

// SetSymbols 更新订阅的交易对集合, 集合变化时触发重连。
func (s *Stream) SetSymbols(symbols []string) {
	set := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		set[strings.ToUpper(sym)] = struct{}{}
	}
	next := make([]string, 0, len(set))
	for sym := range set {
		next = append(next, sym)
	}
	sort.Strings(next)

	s.mu.Lock()
	changed := strings.Join(next, ",") != strings.Join(s.symbols, ",")
	s.symbols = next
	conn := s.conn
	s.mu.Unlock()

	if !changed {
		return
	}
	select {
	case s.resubCh <- struct{}{}:
	default:
	}
	if conn != nil {
		// 关闭当前连接, 读循环退出后按新集合重连
		conn.Close()
	}
}

// GetMarkPrice 优先使用新鲜的推送价格, 否则回退到 REST。
func (s *Stream) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	q, ok := s.quotes[strings.ToUpper(symbol)]
	s.mu.RUnlock()
	if ok && s.now().Sub(q.receivedAt) <= s.maxAge {
		return q.price, nil
	}
	if s.fallback == nil {
		return 0, fmt.Errorf("%w: %s", exchange.ErrPriceUnavailable, symbol)
	}
	return s.fallback.GetMarkPrice(ctx, symbol)
}

// Run 维持 WebSocket 连接直到 ctx 结束, 断线后 5 秒重连。
func (s *Stream) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			s.logger.Info("价格流已停止")
			return
		}

		s.mu.RLock()
		symbols := append([]string(nil), s.symbols...)
		s.mu.RUnlock()
		if len(symbols) == 0 {
			select {
			case <-ctx.Done():
				continue
			case <-s.resubCh:
				continue
			}
		}

		conn, err := s.connect(ctx, symbols)
		if err != nil {
			s.logger.Warn("WebSocket连接失败, 5秒后重试", zap.Error(err))
			sleepCtx(ctx, reconnectDelay)
			continue
		}
		s.logger.Info("WebSocket连接成功", zap.Strings("symbols", symbols))

		if err := s.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
			s.logger.Warn("WebSocket处理时发生错误", zap.Error(err))
		}
		conn.Close()

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		select {
		case <-s.resubCh:
			// 订阅集合变化, 立即重连
		default:
			s.logger.Info("WebSocket连接已断开，准备重连...")
			sleepCtx(ctx, reconnectDelay)
		}
	}
}

func (s *Stream) connect(ctx context.Context, symbols []string) (*websocket.Conn, error) {
	streams := make([]string, len(symbols))
	for i, sym := range symbols {
		streams[i] = strings.ToLower(sym) + "@markPrice"
	}
	url := fmt.Sprintf("%s/stream?streams=%s", s.baseURL, strings.Join(streams, "/"))
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

// readLoop 读取消息并实现心跳, 连接出错时返回。
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					s.logger.Debug("发送Ping失败", zap.Error(err))
					return
				}
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(s.pongWait))
		if err := s.handleMessage(message); err != nil {
			s.logger.Debug("解析价格信息失败", zap.Error(err))
		}
	}
}

// handleMessage 解析组合流或单流的 markPriceUpdate 消息。
func (s *Stream) handleMessage(message []byte) error {
	var envelope map[string]interface{}
	if err := json.Unmarshal(message, &envelope); err != nil {
		return err
	}
	payload := envelope
	if data, ok := envelope["data"].(map[string]interface{}); ok {
		payload = data
	}
	symbol := exchange.FirstString(payload, "s", "symbol")
	price, ok := exchange.FirstFloat(payload, "p", "markPrice")
	if symbol == "" || !ok || price <= 0 {
		return fmt.Errorf("unexpected payload: %s", string(message))
	}

	s.mu.Lock()
	s.quotes[strings.ToUpper(symbol)] = quote{price: price, receivedAt: s.now()}
	s.mu.Unlock()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
