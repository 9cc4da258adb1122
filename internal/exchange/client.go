package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade-bot/internal/config"
	"trade-bot/internal/order"
)

// Client 封装 ccxt 交易所客户端，负责下单、查单、撤单与元数据读取，
// 并把所有失败归一化为 APIError / ConnectionError 两类。
// 只读调用（元数据、行情）带重试；订单提交路径不重试，由调用方决定策略。
type Client struct {
	cfg    config.ExchangeConfig
	logger *zap.Logger
	ex     *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance USDⓈ-M 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	marketType := cfg.Market
	if marketType == "" {
		marketType = "future"
	}
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             marketType,
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		ex:     ex,
	}, nil
}

// Ping 验证连通性与凭证，启动期调用一次。
func (c *Client) Ping(ctx context.Context) error {
	return c.ensureMarketsLoaded(ctx)
}

// FetchInstrument 读取交易对元数据。found=false 表示交易所不认识该交易对。
func (c *Client) FetchInstrument(ctx context.Context, symbol string) (Instrument, bool, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return Instrument{}, false, err
	}

	raw := c.ex.Market(symbol)
	market, ok := raw.(map[string]interface{})
	if !ok || market == nil {
		return Instrument{}, false, nil
	}

	inst := Instrument{Symbol: symbol}
	if active, ok := market["active"].(bool); ok {
		inst.Active = active
	}

	// binance 在 ccxt 中使用 TICK_SIZE 精度模式，precision 字段即为最小步长。
	if precision, ok := market["precision"].(map[string]interface{}); ok {
		inst.TickSize = decimalFromAny(precision["price"])
		inst.StepSize = decimalFromAny(precision["amount"])
	}
	if limits, ok := market["limits"].(map[string]interface{}); ok {
		if price, ok := limits["price"].(map[string]interface{}); ok {
			inst.MinPrice = decimalFromAny(price["min"])
			inst.MaxPrice = decimalFromAny(price["max"])
		}
		if amount, ok := limits["amount"].(map[string]interface{}); ok {
			inst.MinQty = decimalFromAny(amount["min"])
			inst.MaxQty = decimalFromAny(amount["max"])
		}
	}

	c.logger.Debug("读取交易对元数据",
		zap.String("symbol", symbol),
		zap.Bool("active", inst.Active),
		zap.String("tick_size", inst.TickSize.String()),
		zap.String("step_size", inst.StepSize.String()),
	)

	return inst, true, nil
}

// LastPrice 返回最新成交价。
func (c *Client) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	var ticker ccxt.Ticker
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		result, err := c.ex.FetchTicker(symbol)
		if err != nil {
			return err
		}
		ticker = result
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	price := derefFloat(ticker.Last)
	if price == 0 {
		price = derefFloat(ticker.Close)
	}
	if price <= 0 {
		return decimal.Zero, &APIError{Message: fmt.Sprintf("交易对 %s 无可用最新价", symbol)}
	}

	return decimal.NewFromFloat(price), nil
}

// CreateMarketOrder 提交市价单，单次调用不重试。
func (c *Client) CreateMarketOrder(ctx context.Context, symbol string, side order.Side, quantity decimal.Decimal) (order.Record, error) {
	if err := ctx.Err(); err != nil {
		return order.Record{}, err
	}

	raw, err := c.ex.CreateMarketOrder(wireSymbol(symbol), wireSide(side), quantity.InexactFloat64())
	if err != nil {
		return order.Record{}, Classify(err)
	}

	return c.record(symbol, side, order.KindMarket, quantity, raw), nil
}

// CreateLimitOrder 提交 GTC 限价单。
func (c *Client) CreateLimitOrder(ctx context.Context, symbol string, side order.Side, quantity, price decimal.Decimal) (order.Record, error) {
	if err := ctx.Err(); err != nil {
		return order.Record{}, err
	}

	raw, err := c.ex.CreateLimitOrder(wireSymbol(symbol), wireSide(side), quantity.InexactFloat64(), price.InexactFloat64(),
		ccxt.WithCreateLimitOrderParams(map[string]interface{}{
			"timeInForce": "GTC",
		}),
	)
	if err != nil {
		return order.Record{}, Classify(err)
	}

	return c.record(symbol, side, order.KindLimit, quantity, raw), nil
}

// CreateStopLimitOrder 提交止损限价单：stopPrice 触发后以 limitPrice 挂限价。
func (c *Client) CreateStopLimitOrder(ctx context.Context, symbol string, side order.Side, quantity, stopPrice, limitPrice decimal.Decimal) (order.Record, error) {
	if err := ctx.Err(); err != nil {
		return order.Record{}, err
	}

	raw, err := c.ex.CreateOrder(wireSymbol(symbol), "limit", wireSide(side), quantity.InexactFloat64(),
		ccxt.WithCreateOrderPrice(limitPrice.InexactFloat64()),
		ccxt.WithCreateOrderParams(map[string]interface{}{
			"stopPrice":   stopPrice.InexactFloat64(),
			"timeInForce": "GTC",
		}),
	)
	if err != nil {
		return order.Record{}, Classify(err)
	}

	rec := c.record(symbol, side, order.KindStopLimit, quantity, raw)
	rec.Price = limitPrice
	return rec, nil
}

// CreateOCOOrder 提交 OCO 括号单：price 为止盈限价腿，stopPrice 触发
// 止损腿并以 stopLimitPrice 挂限价，任一腿成交后另一腿自动撤销。
func (c *Client) CreateOCOOrder(ctx context.Context, symbol string, side order.Side, quantity, price, stopPrice, stopLimitPrice decimal.Decimal) (order.Record, error) {
	if err := ctx.Err(); err != nil {
		return order.Record{}, err
	}

	raw, err := c.ex.CreateOrder(wireSymbol(symbol), "limit", wireSide(side), quantity.InexactFloat64(),
		ccxt.WithCreateOrderPrice(price.InexactFloat64()),
		ccxt.WithCreateOrderParams(map[string]interface{}{
			"stopPrice":            stopPrice.InexactFloat64(),
			"stopLimitPrice":       stopLimitPrice.InexactFloat64(),
			"stopLimitTimeInForce": "GTC",
		}),
	)
	if err != nil {
		return order.Record{}, Classify(err)
	}

	rec := c.record(symbol, side, order.KindOCO, quantity, raw)
	rec.Price = price
	return rec, nil
}

// FetchOrderStatus 查询订单状态。
func (c *Client) FetchOrderStatus(ctx context.Context, symbol, orderID string) (order.Status, error) {
	if err := ctx.Err(); err != nil {
		return order.StatusUnknown, err
	}

	raw, err := c.ex.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(wireSymbol(symbol)))
	if err != nil {
		return order.StatusUnknown, Classify(err)
	}

	return mapStatus(derefString(raw.Status)), nil
}

// CancelOrder 撤销单个订单。
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := c.ex.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(wireSymbol(symbol))); err != nil {
		return Classify(err)
	}
	return nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.ex.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

// callWithRetry 针对只读调用执行指数退避重试，只对传输层故障重试。
func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		err := Classify(fn())
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		if !IsTransient(err) || attempt >= maxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) record(symbol string, side order.Side, kind order.Kind, quantity decimal.Decimal, raw ccxt.Order) order.Record {
	rec := order.Record{
		ID:          derefString(raw.Id),
		Symbol:      strings.ToUpper(symbol),
		Side:        side,
		Kind:        kind,
		Quantity:    quantity,
		ExecutedQty: decimal.NewFromFloat(derefFloat(raw.Filled)),
		Price:       decimal.NewFromFloat(derefFloat(raw.Price)),
		AvgPrice:    decimal.NewFromFloat(derefFloat(raw.Average)),
		Status:      mapStatus(derefString(raw.Status)),
		CreatedAt:   time.Now().UTC(),
	}
	if raw.Timestamp != nil {
		rec.CreatedAt = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	}
	if amount := derefFloat(raw.Amount); amount > 0 {
		rec.Quantity = decimal.NewFromFloat(amount)
	}
	return rec
}

// mapStatus 兼容 ccxt 统一状态与 binance 原始状态两种写法。
func mapStatus(raw string) order.Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "OPEN", "NEW":
		return order.StatusNew
	case "PARTIALLY_FILLED":
		return order.StatusPartiallyFilled
	case "CLOSED", "FILLED":
		return order.StatusFilled
	case "CANCELED", "CANCELLED":
		return order.StatusCanceled
	case "EXPIRED":
		return order.StatusExpired
	case "REJECTED":
		return order.StatusRejected
	default:
		return order.StatusUnknown
	}
}

func wireSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func wireSide(side order.Side) string {
	return strings.ToLower(string(side))
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// decimalFromAny 是元数据字段的统一小数解析入口，接受 ccxt 市场表中
// 可能出现的 float64 / string / int 取值，其余类型按零处理。
func decimalFromAny(v interface{}) decimal.Decimal {
	switch value := v.(type) {
	case float64:
		return decimal.NewFromFloat(value)
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return decimal.Zero
		}
		return parsed
	case int:
		return decimal.NewFromInt(int64(value))
	case int64:
		return decimal.NewFromInt(value)
	default:
		return decimal.Zero
	}
}
