package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"trade-bot/internal/audit"
	"trade-bot/internal/order"
)

// ErrAlreadyRunning 表示网格策略已处于运行态，不允许并发启动。
var ErrAlreadyRunning = errors.New("strategy: 网格策略已在运行")

type gridClient interface {
	SubmitLimit(ctx context.Context, intent order.Intent) (order.Record, error)
	OrderStatus(ctx context.Context, symbol, orderID string) (order.Status, error)
	Cancel(ctx context.Context, symbol, orderID string) error
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// GridParams 描述一次网格做市。
type GridParams struct {
	Symbol          string
	Lower           decimal.Decimal
	Upper           decimal.Decimal
	Grids           int
	TotalInvestment decimal.Decimal
}

// gridOrder 是单笔在册网格订单的跟踪信息。
type gridOrder struct {
	side     order.Side
	price    decimal.Decimal
	level    int
	quantity decimal.Decimal
}

// Grid 在价格区间内等距挂双边限价单，成交后在同一价位挂反向单回收。
// 跟踪表仅由本实例持有；监控协程与交互协程都会触碰状态，故用互斥锁
// 保护。不变量：任一 (价位, 方向) 至多一笔在册订单。
type Grid struct {
	client       gridClient
	audit        audit.Sink
	logger       *zap.Logger
	pollInterval time.Duration
	wait         func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
	symbol  string
	tracked map[string]gridOrder
}

// NewGrid 创建网格策略。pollInterval 非正时默认 10 秒。
func NewGrid(client gridClient, pollInterval time.Duration, sink audit.Sink, logger *zap.Logger) *Grid {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Grid{
		client:       client,
		audit:        sink,
		logger:       logger,
		pollInterval: pollInterval,
		wait:         waitFor,
		tracked:      make(map[string]gridOrder),
	}
}

// CalculateLevels 计算 grids 个等距价位，首尾分别等于 lower 与 upper。
func (g *Grid) CalculateLevels(lower, upper decimal.Decimal, grids int) ([]decimal.Decimal, error) {
	if lower.Sign() <= 0 {
		return nil, fmt.Errorf("%w: 下沿价格必须大于零", ErrInvalidParameter)
	}
	if !upper.GreaterThan(lower) {
		return nil, fmt.Errorf("%w: 上沿价格必须大于下沿", ErrInvalidParameter)
	}
	if grids < 2 {
		return nil, fmt.Errorf("%w: 网格数量至少为 2", ErrInvalidParameter)
	}

	step := upper.Sub(lower).Div(decimal.NewFromInt(int64(grids - 1)))
	levels := make([]decimal.Decimal, grids)
	for i := 0; i < grids; i++ {
		levels[i] = lower.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	// 步长为除法所得，末位直接钉回上沿，避免累计偏差。
	levels[grids-1] = upper

	return levels, nil
}

// Start 执行初始铺单：低于现价的价位挂 BUY、高于现价的挂 SELL、恰好
// 等于现价的价位跳过。单个价位挂单失败只记录并跳过；全部价位处理完
// 才进入运行态。读取现价失败视为启动失败，立即返回。
func (g *Grid) Start(ctx context.Context, p GridParams) error {
	if p.TotalInvestment.Sign() <= 0 {
		return fmt.Errorf("%w: 总投入必须大于零", ErrInvalidParameter)
	}

	levels, err := g.CalculateLevels(p.Lower, p.Upper, p.Grids)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return ErrAlreadyRunning
	}
	g.tracked = make(map[string]gridOrder)

	qtyPerGrid := p.TotalInvestment.Div(decimal.NewFromInt(int64(p.Grids)))

	currentPrice, err := g.client.LastPrice(ctx, p.Symbol)
	if err != nil {
		g.logger.Error("读取现价失败，网格启动中止",
			zap.String("symbol", p.Symbol),
			zap.Error(err),
		)
		return err
	}

	g.logger.Info("开始铺设网格",
		zap.String("symbol", p.Symbol),
		zap.String("lower", p.Lower.String()),
		zap.String("upper", p.Upper.String()),
		zap.Int("grids", p.Grids),
		zap.String("current_price", currentPrice.String()),
		zap.String("quantity_per_grid", qtyPerGrid.String()),
	)

	placed := 0
	for i, level := range levels {
		var side order.Side
		switch level.Cmp(currentPrice) {
		case -1:
			side = order.SideBuy
		case 1:
			side = order.SideSell
		default:
			g.logger.Debug("价位与现价重合，跳过",
				zap.Int("level", i),
				zap.String("price", level.String()),
			)
			continue
		}

		rec, err := g.client.SubmitLimit(ctx, order.Intent{
			Kind:     order.KindLimit,
			Symbol:   p.Symbol,
			Side:     side,
			Quantity: qtyPerGrid,
			Price:    level,
		})
		if err != nil {
			g.logger.Error("网格挂单失败，跳过该价位",
				zap.Int("level", i),
				zap.String("price", level.String()),
				zap.String("side", string(side)),
				zap.Error(err),
			)
			g.audit.Emit(ctx, "grid", audit.LevelError, "网格挂单失败", map[string]interface{}{
				"symbol": p.Symbol,
				"level":  i,
				"price":  level.String(),
				"side":   string(side),
				"error":  err.Error(),
			})
			continue
		}

		g.tracked[rec.ID] = gridOrder{
			side:     side,
			price:    level,
			level:    i,
			quantity: qtyPerGrid,
		}
		placed++
	}

	g.symbol = strings.ToUpper(p.Symbol)
	g.running = true

	g.logger.Info("网格启动完成",
		zap.String("symbol", g.symbol),
		zap.Int("orders_placed", placed),
		zap.Int("levels", len(levels)),
	)
	g.audit.Emit(ctx, "grid", audit.LevelInfo, "网格启动完成", map[string]interface{}{
		"symbol":        g.symbol,
		"orders_placed": placed,
		"levels":        len(levels),
	})

	return nil
}

// Monitor 以固定间隔轮询在册订单直到 Stop 或 ctx 结束。
// 单个轮询周期内的错误只记录，循环继续。
func (g *Grid) Monitor(ctx context.Context) error {
	g.logger.Info("开始网格监控", zap.Duration("poll_interval", g.pollInterval))

	for {
		if !g.Running() {
			g.logger.Info("网格已停止，退出监控")
			return nil
		}

		if err := g.Poll(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			g.logger.Error("网格轮询出错，继续监控", zap.Error(err))
		}

		if err := g.wait(ctx, g.pollInterval); err != nil {
			return err
		}
	}
}

// Poll 执行一轮轮询：查询每笔在册订单的状态，FILLED 的移除并在
// 同一价位排队反向单，其余终态仅移除。随后统一提交反向单，提交失败
// 的价位留空等待人工或下一次成交回收。
func (g *Grid) Poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	symbol := g.symbol
	snapshot := make(map[string]gridOrder, len(g.tracked))
	for id, info := range g.tracked {
		snapshot[id] = info
	}
	g.mu.Unlock()

	var (
		remove   []string
		counters []gridOrder
	)

	for id, info := range snapshot {
		status, err := g.client.OrderStatus(ctx, symbol, id)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			g.logger.Warn("查询订单状态失败",
				zap.String("order_id", id),
				zap.Error(err),
			)
			continue
		}

		switch status {
		case order.StatusFilled:
			g.logger.Info("网格订单成交",
				zap.String("order_id", id),
				zap.String("side", string(info.side)),
				zap.String("price", info.price.String()),
				zap.Int("level", info.level),
			)
			g.audit.Emit(ctx, "grid", audit.LevelInfo, "网格订单成交", map[string]interface{}{
				"symbol":   symbol,
				"order_id": id,
				"side":     string(info.side),
				"price":    info.price.String(),
				"level":    info.level,
			})
			remove = append(remove, id)
			counters = append(counters, gridOrder{
				side:     info.side.Opposite(),
				price:    info.price,
				level:    info.level,
				quantity: info.quantity,
			})
		case order.StatusCanceled, order.StatusExpired, order.StatusRejected:
			g.logger.Warn("网格订单已失效，移出跟踪",
				zap.String("order_id", id),
				zap.String("status", string(status)),
				zap.String("price", info.price.String()),
			)
			remove = append(remove, id)
		}
	}

	g.mu.Lock()
	for _, id := range remove {
		delete(g.tracked, id)
	}
	stillRunning := g.running
	g.mu.Unlock()

	if !stillRunning {
		return nil
	}

	for _, counter := range counters {
		if !g.Running() {
			return nil
		}
		if g.hasLiveOrder(counter.level, counter.side) {
			continue
		}

		rec, err := g.client.SubmitLimit(ctx, order.Intent{
			Kind:     order.KindLimit,
			Symbol:   symbol,
			Side:     counter.side,
			Quantity: counter.quantity,
			Price:    counter.price,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// 该价位留空，等待下一轮成交后再回收。
			g.logger.Error("反向挂单失败",
				zap.Int("level", counter.level),
				zap.String("price", counter.price.String()),
				zap.String("side", string(counter.side)),
				zap.Error(err),
			)
			g.audit.Emit(ctx, "grid", audit.LevelError, "反向挂单失败", map[string]interface{}{
				"symbol": symbol,
				"level":  counter.level,
				"price":  counter.price.String(),
				"side":   string(counter.side),
				"error":  err.Error(),
			})
			continue
		}

		// Stop 可能与上面的提交交错。停止态下挂出的订单立即撤回，
		// 保证停止后交易所侧与跟踪表都为空。
		g.mu.Lock()
		if !g.running {
			g.mu.Unlock()
			if cancelErr := g.client.Cancel(ctx, symbol, rec.ID); cancelErr != nil {
				g.logger.Error("撤销停止后多余的反向单失败，需人工对账",
					zap.String("order_id", rec.ID),
					zap.String("price", counter.price.String()),
					zap.Error(cancelErr),
				)
			}
			return nil
		}
		g.tracked[rec.ID] = gridOrder{
			side:     counter.side,
			price:    counter.price,
			level:    counter.level,
			quantity: counter.quantity,
		}
		g.mu.Unlock()

		g.logger.Info("反向挂单成功",
			zap.String("order_id", rec.ID),
			zap.Int("level", counter.level),
			zap.String("price", counter.price.String()),
			zap.String("side", string(counter.side)),
		)
	}

	return nil
}

// Stop 将策略转回空闲态并逐笔撤销在册订单。单笔撤销失败只计数，
// 跟踪表无条件清空；撤销失败的订单需要在交易所侧人工对账。
// 空闲时调用直接返回 nil。
func (g *Grid) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.running = false
	symbol := g.symbol
	snapshot := make(map[string]gridOrder, len(g.tracked))
	for id, info := range g.tracked {
		snapshot[id] = info
	}
	g.tracked = make(map[string]gridOrder)
	g.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	var (
		cancelErr error
		canceled  int
		failed    int
	)
	for id, info := range snapshot {
		if err := g.client.Cancel(ctx, symbol, id); err != nil {
			failed++
			cancelErr = multierr.Append(cancelErr, fmt.Errorf("撤销订单 %s 失败: %w", id, err))
			g.logger.Error("撤销网格订单失败",
				zap.String("order_id", id),
				zap.String("price", info.price.String()),
				zap.Error(err),
			)
			continue
		}
		canceled++
	}

	g.logger.Info("网格策略已停止",
		zap.String("symbol", symbol),
		zap.Int("canceled", canceled),
		zap.Int("failed", failed),
	)
	g.audit.Emit(ctx, "grid", audit.LevelInfo, "网格策略已停止", map[string]interface{}{
		"symbol":   symbol,
		"canceled": canceled,
		"failed":   failed,
	})

	return cancelErr
}

// Running 返回策略是否处于运行态。
func (g *Grid) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// ActiveOrders 返回当前在册订单数量。
func (g *Grid) ActiveOrders() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tracked)
}

func (g *Grid) hasLiveOrder(level int, side order.Side) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, info := range g.tracked {
		if info.level == level && info.side == side {
			return true
		}
	}
	return false
}
