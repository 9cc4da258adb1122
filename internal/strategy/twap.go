package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade-bot/internal/audit"
	"trade-bot/internal/order"
)

// ErrInvalidParameter 表示策略参数出了定义域，调用直接失败且不应重试。
var ErrInvalidParameter = errors.New("strategy: 参数非法")

type marketSubmitter interface {
	SubmitMarket(ctx context.Context, intent order.Intent) (order.Record, error)
}

// TWAPParams 描述一次时间加权执行。
type TWAPParams struct {
	Symbol          string
	Side            order.Side
	TotalQuantity   decimal.Decimal
	DurationMinutes int
	// Intervals 为切片数量，0 时默认等于 DurationMinutes。
	Intervals int
}

// TWAPReport 汇总一次执行的结果。Orders 仅包含成功提交的切片，
// 失败切片不占位。
type TWAPReport struct {
	Orders         []order.Record
	RequestedQty   decimal.Decimal
	ExecutedQty    decimal.Decimal
	AvgPrice       decimal.Decimal
	SlicesPlanned  int
	SlicesExecuted int
	StartedAt      time.Time
	FinishedAt     time.Time
}

// TWAP 把一笔大单拆成等量市价切片，按固定间隔顺序提交。
// 单个切片失败只记录并跳过，既不重试也不把数量摊给后续切片。
type TWAP struct {
	gateway marketSubmitter
	audit   audit.Sink
	logger  *zap.Logger

	wait func(ctx context.Context, d time.Duration) error
}

// NewTWAP 创建 TWAP 执行器。
func NewTWAP(gateway marketSubmitter, sink audit.Sink, logger *zap.Logger) *TWAP {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = audit.Nop{}
	}
	return &TWAP{
		gateway: gateway,
		audit:   sink,
		logger:  logger,
		wait:    waitFor,
	}
}

// Execute 顺序提交全部切片并返回执行汇总。
// 仅参数错误与 context 取消会中断执行，其余失败逐片吸收。
func (t *TWAP) Execute(ctx context.Context, p TWAPParams) (TWAPReport, error) {
	if p.TotalQuantity.Sign() <= 0 {
		return TWAPReport{}, fmt.Errorf("%w: 总数量必须大于零", ErrInvalidParameter)
	}
	if p.DurationMinutes <= 0 {
		return TWAPReport{}, fmt.Errorf("%w: 执行时长必须大于零", ErrInvalidParameter)
	}
	intervals := p.Intervals
	if intervals == 0 {
		intervals = p.DurationMinutes
	}
	if intervals <= 0 {
		return TWAPReport{}, fmt.Errorf("%w: 切片数量必须大于零", ErrInvalidParameter)
	}

	sliceQty := p.TotalQuantity.Div(decimal.NewFromInt(int64(intervals)))
	delay := time.Duration(p.DurationMinutes) * time.Minute / time.Duration(intervals)

	report := TWAPReport{
		Orders:        make([]order.Record, 0, intervals),
		RequestedQty:  p.TotalQuantity,
		SlicesPlanned: intervals,
		StartedAt:     time.Now().UTC(),
	}

	t.logger.Info("开始 TWAP 执行",
		zap.String("symbol", p.Symbol),
		zap.String("side", string(p.Side)),
		zap.String("total_quantity", p.TotalQuantity.String()),
		zap.Int("intervals", intervals),
		zap.String("slice_quantity", sliceQty.String()),
		zap.Duration("slice_delay", delay),
	)
	t.audit.Emit(ctx, "twap", audit.LevelInfo, "开始 TWAP 执行", map[string]interface{}{
		"symbol":         p.Symbol,
		"side":           string(p.Side),
		"total_quantity": p.TotalQuantity.String(),
		"intervals":      intervals,
		"slice_quantity": sliceQty.String(),
	})

	for i := 0; i < intervals; i++ {
		rec, err := t.gateway.SubmitMarket(ctx, order.Intent{
			Kind:     order.KindMarket,
			Symbol:   p.Symbol,
			Side:     p.Side,
			Quantity: sliceQty,
		})
		switch {
		case err == nil:
			report.Orders = append(report.Orders, rec)
			t.logger.Info("TWAP 切片成交",
				zap.Int("slice", i+1),
				zap.Int("total_slices", intervals),
				zap.String("order_id", rec.ID),
				zap.String("executed_qty", rec.ExecutedQty.String()),
			)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			report.FinishedAt = time.Now().UTC()
			t.summarize(&report)
			return report, err
		default:
			// 失败切片跳过，不重试也不重新分配数量。
			t.logger.Error("TWAP 切片失败",
				zap.Int("slice", i+1),
				zap.Int("total_slices", intervals),
				zap.Error(err),
			)
			t.audit.Emit(ctx, "twap", audit.LevelError, "TWAP 切片失败", map[string]interface{}{
				"symbol": p.Symbol,
				"slice":  i + 1,
				"error":  err.Error(),
			})
		}

		if i < intervals-1 {
			if err := t.wait(ctx, delay); err != nil {
				report.FinishedAt = time.Now().UTC()
				t.summarize(&report)
				return report, err
			}
		}
	}

	report.FinishedAt = time.Now().UTC()
	t.summarize(&report)

	t.logger.Info("TWAP 执行完成",
		zap.String("symbol", p.Symbol),
		zap.Int("slices_planned", report.SlicesPlanned),
		zap.Int("slices_executed", report.SlicesExecuted),
		zap.String("executed_qty", report.ExecutedQty.String()),
		zap.String("avg_price", report.AvgPrice.String()),
	)
	t.audit.Emit(ctx, "twap", audit.LevelInfo, "TWAP 执行完成", map[string]interface{}{
		"symbol":          p.Symbol,
		"slices_planned":  report.SlicesPlanned,
		"slices_executed": report.SlicesExecuted,
		"executed_qty":    report.ExecutedQty.String(),
		"avg_price":       report.AvgPrice.String(),
	})

	return report, nil
}

// summarize 汇总已记录切片：总成交量与成交量加权均价，无成交时均价为零。
func (t *TWAP) summarize(report *TWAPReport) {
	report.SlicesExecuted = len(report.Orders)

	totalQty := decimal.Zero
	totalValue := decimal.Zero
	for _, rec := range report.Orders {
		totalQty = totalQty.Add(rec.ExecutedQty)
		totalValue = totalValue.Add(rec.ExecutedQty.Mul(rec.AvgPrice))
	}

	report.ExecutedQty = totalQty
	if totalQty.Sign() > 0 {
		report.AvgPrice = totalValue.Div(totalQty)
	} else {
		report.AvgPrice = decimal.Zero
	}
}

func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
