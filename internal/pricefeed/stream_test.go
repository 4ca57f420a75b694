package pricefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridbot-orchestrator/internal/exchange"
	"gridbot-orchestrator/internal/models"
)

type mockPriceSource struct {
	mu    sync.Mutex
	price float64
	err   error
	calls int
}

func (m *mockPriceSource) GetMarkPrice(_ context.Context, _ string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.price, m.err
}

func testStreamConfig(url string) models.StreamConfig {
	return models.StreamConfig{
		Enabled:        true,
		LiveWSURL:      url,
		MaxPriceAgeMs:  3000,
		PingIntervalMs: 500,
		PongTimeoutMs:  2000,
	}
}

func TestHandleMessage(t *testing.T) {
	s := NewStream(testStreamConfig("ws://unused"), false, nil, zap.NewNop())

	require.NoError(t, s.handleMessage([]byte(`{"stream":"btcusdt@markPrice","data":{"e":"markPriceUpdate","s":"BTCUSDT","p":"43000.5"}}`)))
	require.NoError(t, s.handleMessage([]byte(`{"e":"markPriceUpdate","s":"ethusdt","p":"2300"}`)))
	assert.Error(t, s.handleMessage([]byte(`{"result":null,"id":1}`)))
	assert.Error(t, s.handleMessage([]byte(`not json`)))

	price, err := s.GetMarkPrice(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, 43000.5, price)

	price, err = s.GetMarkPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2300.0, price)
}

func TestGetMarkPrice_FallsBackWhenStale(t *testing.T) {
	fallback := &mockPriceSource{price: 41000}
	s := NewStream(testStreamConfig("ws://unused"), false, fallback, zap.NewNop())
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.handleMessage([]byte(`{"s":"BTCUSDT","p":"42000"}`)))
	price, err := s.GetMarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 42000.0, price)
	assert.Zero(t, fallback.calls)

	now = now.Add(4 * time.Second)
	price, err = s.GetMarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 41000.0, price)
	assert.Equal(t, 1, fallback.calls)
}

func TestGetMarkPrice_NoSource(t *testing.T) {
	s := NewStream(testStreamConfig("ws://unused"), false, nil, zap.NewNop())
	_, err := s.GetMarkPrice(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, exchange.ErrPriceUnavailable)

	fallback := &mockPriceSource{err: errors.New("rest down")}
	s = NewStream(testStreamConfig("ws://unused"), false, fallback, zap.NewNop())
	_, err = s.GetMarkPrice(context.Background(), "BTCUSDT")
	assert.EqualError(t, err, "rest down")
}

func TestRun_ReceivesMarkPrice(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotPath string
	var pathMu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pathMu.Lock()
		gotPath = r.URL.RawQuery
		pathMu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"stream":"btcusdt@markPrice","data":{"e":"markPriceUpdate","s":"BTCUSDT","p":"45123.4"}}`))
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := NewStream(testStreamConfig(wsURL), false, nil, zap.NewNop())
	s.SetSymbols([]string{"btcusdt", "BTCUSDT"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		price, err := s.GetMarkPrice(context.Background(), "BTCUSDT")
		return err == nil && price == 45123.4
	}, 3*time.Second, 20*time.Millisecond)

	pathMu.Lock()
	assert.Equal(t, "streams=btcusdt@markPrice", gotPath)
	pathMu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
