package gateway

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade-bot/internal/audit"
	"trade-bot/internal/order"
)

const component = "gateway"

type orderClient interface {
	CreateMarketOrder(ctx context.Context, symbol string, side order.Side, quantity decimal.Decimal) (order.Record, error)
	CreateLimitOrder(ctx context.Context, symbol string, side order.Side, quantity, price decimal.Decimal) (order.Record, error)
	CreateStopLimitOrder(ctx context.Context, symbol string, side order.Side, quantity, stopPrice, limitPrice decimal.Decimal) (order.Record, error)
	CreateOCOOrder(ctx context.Context, symbol string, side order.Side, quantity, price, stopPrice, stopLimitPrice decimal.Decimal) (order.Record, error)
	FetchOrderStatus(ctx context.Context, symbol, orderID string) (order.Status, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type intentValidator interface {
	Validate(ctx context.Context, intent order.Intent) error
}

// Gateway 把通过校验的订单意图翻译为一次交易所提交调用。
// 所有失败原样抛给调用方：单笔提交不在这里重试，多步策略自行决定
// 容错策略。每笔提交及其结果都会写入审计日志。
type Gateway struct {
	client    orderClient
	validator intentValidator
	audit     audit.Sink
	logger    *zap.Logger
}

// New 创建执行网关。
func New(client orderClient, validator intentValidator, sink audit.Sink, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Gateway{
		client:    client,
		validator: validator,
		audit:     sink,
		logger:    logger,
	}
}

// SubmitMarket 校验并提交市价单。
func (g *Gateway) SubmitMarket(ctx context.Context, intent order.Intent) (order.Record, error) {
	intent.Kind = order.KindMarket
	return g.submit(ctx, intent, func(ctx context.Context) (order.Record, error) {
		return g.client.CreateMarketOrder(ctx, intent.Symbol, intent.Side, intent.Quantity)
	})
}

// SubmitLimit 校验并提交限价单。
func (g *Gateway) SubmitLimit(ctx context.Context, intent order.Intent) (order.Record, error) {
	intent.Kind = order.KindLimit
	return g.submit(ctx, intent, func(ctx context.Context) (order.Record, error) {
		return g.client.CreateLimitOrder(ctx, intent.Symbol, intent.Side, intent.Quantity, intent.Price)
	})
}

// SubmitStopLimit 校验并提交止损限价单。
func (g *Gateway) SubmitStopLimit(ctx context.Context, intent order.Intent) (order.Record, error) {
	intent.Kind = order.KindStopLimit
	return g.submit(ctx, intent, func(ctx context.Context) (order.Record, error) {
		return g.client.CreateStopLimitOrder(ctx, intent.Symbol, intent.Side, intent.Quantity, intent.StopPrice, intent.Price)
	})
}

// SubmitOCO 校验并提交 OCO 括号单。
func (g *Gateway) SubmitOCO(ctx context.Context, intent order.Intent) (order.Record, error) {
	intent.Kind = order.KindOCO
	return g.submit(ctx, intent, func(ctx context.Context) (order.Record, error) {
		return g.client.CreateOCOOrder(ctx, intent.Symbol, intent.Side, intent.Quantity, intent.Price, intent.StopPrice, intent.StopLimitPrice)
	})
}

// OrderStatus 查询订单当前状态，策略轮询使用。
func (g *Gateway) OrderStatus(ctx context.Context, symbol, orderID string) (order.Status, error) {
	return g.client.FetchOrderStatus(ctx, strings.ToUpper(symbol), orderID)
}

// Cancel 撤销单个订单。
func (g *Gateway) Cancel(ctx context.Context, symbol, orderID string) error {
	if err := g.client.CancelOrder(ctx, strings.ToUpper(symbol), orderID); err != nil {
		g.logger.Warn("撤单失败",
			zap.String("symbol", symbol),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		return err
	}

	g.audit.Emit(ctx, component, audit.LevelInfo, "订单已撤销", map[string]interface{}{
		"symbol":   strings.ToUpper(symbol),
		"order_id": orderID,
	})
	return nil
}

// LastPrice 返回交易对最新成交价。
func (g *Gateway) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return g.client.LastPrice(ctx, strings.ToUpper(symbol))
}

func (g *Gateway) submit(ctx context.Context, intent order.Intent, place func(context.Context) (order.Record, error)) (order.Record, error) {
	intent.Symbol = strings.ToUpper(strings.TrimSpace(intent.Symbol))

	if err := g.validator.Validate(ctx, intent); err != nil {
		g.audit.Emit(ctx, component, audit.LevelWarn, "订单校验失败", intentFields(intent, map[string]interface{}{
			"error": err.Error(),
		}))
		return order.Record{}, err
	}

	rec, err := place(ctx)
	if err != nil {
		g.logger.Error("订单提交失败",
			zap.String("symbol", intent.Symbol),
			zap.String("side", string(intent.Side)),
			zap.String("kind", string(intent.Kind)),
			zap.Error(err),
		)
		g.audit.Emit(ctx, component, audit.LevelError, "订单提交失败", intentFields(intent, map[string]interface{}{
			"error": err.Error(),
		}))
		return order.Record{}, err
	}

	g.logger.Info("订单已提交",
		zap.String("order_id", rec.ID),
		zap.String("symbol", rec.Symbol),
		zap.String("side", string(rec.Side)),
		zap.String("kind", string(rec.Kind)),
		zap.String("quantity", rec.Quantity.String()),
		zap.String("status", string(rec.Status)),
	)
	g.audit.Emit(ctx, component, audit.LevelInfo, "订单已提交", intentFields(intent, map[string]interface{}{
		"order_id": rec.ID,
		"status":   string(rec.Status),
	}))

	return rec, nil
}

func intentFields(intent order.Intent, extra map[string]interface{}) map[string]interface{} {
	fields := map[string]interface{}{
		"symbol":   intent.Symbol,
		"side":     string(intent.Side),
		"kind":     string(intent.Kind),
		"quantity": intent.Quantity.String(),
	}
	if intent.Price.Sign() > 0 {
		fields["price"] = intent.Price.String()
	}
	if intent.StopPrice.Sign() > 0 {
		fields["stop_price"] = intent.StopPrice.String()
	}
	if intent.StopLimitPrice.Sign() > 0 {
		fields["stop_limit_price"] = intent.StopLimitPrice.String()
	}
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}
