package exchange

import (
	"context"
	"errors"
	"time"

	"gridbot-orchestrator/internal/models"
)

// ErrPriceUnavailable is returned when no usable mark price exists for a symbol.
var ErrPriceUnavailable = errors.New("mark price unavailable")

// ErrUnknownOrder is returned when an order id is not known to the venue.
var ErrUnknownOrder = errors.New("unknown order")

// Exchange 定义了核心逻辑依赖的交易所端口。
// 实盘和模拟盘实现同一接口, 控制循环对两者一视同仁。
type Exchange interface {
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	ListPositions(ctx context.Context, symbol string) ([]models.ExchangePosition, error)
	ListFills(ctx context.Context, symbol string, since time.Time) ([]models.Fill, error)
	ListBalances(ctx context.Context) ([]models.Balance, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetSymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error)
}

// PriceSource is the narrow read side used by the price feed fallback.
type PriceSource interface {
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
}

// RulesSource reports the lot rules of a symbol. Paper venues borrow them from the real exchange.
type RulesSource interface {
	GetSymbolRules(ctx context.Context, symbol string) (models.SymbolRules, error)
}
