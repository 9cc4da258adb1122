package strategy

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"trade-bot/internal/order"
)

type mockMarketSubmitter struct {
	calls    []order.Intent
	failOn   map[int]error
	avgPrice func(call int) decimal.Decimal
}

func (m *mockMarketSubmitter) SubmitMarket(_ context.Context, intent order.Intent) (order.Record, error) {
	call := len(m.calls)
	m.calls = append(m.calls, intent)
	if err, ok := m.failOn[call]; ok {
		return order.Record{}, err
	}
	avg := decimal.NewFromInt(100)
	if m.avgPrice != nil {
		avg = m.avgPrice(call)
	}
	return order.Record{
		ID:          fmt.Sprintf("twap-%d", call+1),
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Kind:        intent.Kind,
		Quantity:    intent.Quantity,
		ExecutedQty: intent.Quantity,
		AvgPrice:    avg,
		Status:      order.StatusFilled,
	}, nil
}

func noWait(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newTestTWAP(gw marketSubmitter) *TWAP {
	t := NewTWAP(gw, nil, nil)
	t.wait = noWait
	return t
}

func TestTWAPSplitsIntoEqualSlices(t *testing.T) {
	gw := &mockMarketSubmitter{}
	twap := newTestTWAP(gw)

	report, err := twap.Execute(context.Background(), TWAPParams{
		Symbol:          "BTC/USDT",
		Side:            order.SideBuy,
		TotalQuantity:   decimal.NewFromInt(100),
		DurationMinutes: 4,
		Intervals:       4,
	})
	if err != nil {
		t.Fatalf("Execute 返回错误: %v", err)
	}

	if len(gw.calls) != 4 {
		t.Fatalf("期望提交 4 个切片, 实际 %d", len(gw.calls))
	}
	want := decimal.NewFromInt(25)
	for i, intent := range gw.calls {
		if !intent.Quantity.Equal(want) {
			t.Errorf("切片 %d 数量 = %s, 期望 %s", i+1, intent.Quantity, want)
		}
		if intent.Kind != order.KindMarket {
			t.Errorf("切片 %d 类型 = %s, 期望市价单", i+1, intent.Kind)
		}
	}
	if report.SlicesPlanned != 4 || report.SlicesExecuted != 4 {
		t.Errorf("切片计数 = %d/%d, 期望 4/4", report.SlicesExecuted, report.SlicesPlanned)
	}
	if !report.ExecutedQty.Equal(decimal.NewFromInt(100)) {
		t.Errorf("ExecutedQty = %s, 期望 100", report.ExecutedQty)
	}
}

func TestTWAPDefaultsIntervalsToDuration(t *testing.T) {
	gw := &mockMarketSubmitter{}
	twap := newTestTWAP(gw)

	report, err := twap.Execute(context.Background(), TWAPParams{
		Symbol:          "BTC/USDT",
		Side:            order.SideSell,
		TotalQuantity:   decimal.NewFromInt(60),
		DurationMinutes: 3,
	})
	if err != nil {
		t.Fatalf("Execute 返回错误: %v", err)
	}
	if report.SlicesPlanned != 3 {
		t.Fatalf("SlicesPlanned = %d, 期望 3", report.SlicesPlanned)
	}
	if !gw.calls[0].Quantity.Equal(decimal.NewFromInt(20)) {
		t.Errorf("切片数量 = %s, 期望 20", gw.calls[0].Quantity)
	}
}

func TestTWAPSkipsFailedSliceWithoutRedistribution(t *testing.T) {
	gw := &mockMarketSubmitter{
		failOn: map[int]error{1: errors.New("exchange: 下单被拒")},
	}
	twap := newTestTWAP(gw)

	report, err := twap.Execute(context.Background(), TWAPParams{
		Symbol:          "BTC/USDT",
		Side:            order.SideBuy,
		TotalQuantity:   decimal.NewFromInt(100),
		DurationMinutes: 4,
		Intervals:       4,
	})
	if err != nil {
		t.Fatalf("单切片失败不应中断执行, 得到: %v", err)
	}

	if len(gw.calls) != 4 {
		t.Fatalf("失败后仍应提交剩余切片, 提交次数 = %d", len(gw.calls))
	}
	if len(report.Orders) != 3 {
		t.Fatalf("成功订单数 = %d, 期望 3", len(report.Orders))
	}
	if report.SlicesExecuted != 3 {
		t.Errorf("SlicesExecuted = %d, 期望 3", report.SlicesExecuted)
	}
	if !report.ExecutedQty.Equal(decimal.NewFromInt(75)) {
		t.Errorf("ExecutedQty = %s, 期望 75", report.ExecutedQty)
	}
	// 后续切片数量不变，失败的 25 不重新分配。
	if !gw.calls[2].Quantity.Equal(decimal.NewFromInt(25)) {
		t.Errorf("失败后切片数量 = %s, 期望仍为 25", gw.calls[2].Quantity)
	}
}

func TestTWAPVolumeWeightedAveragePrice(t *testing.T) {
	gw := &mockMarketSubmitter{
		avgPrice: func(call int) decimal.Decimal {
			return decimal.NewFromInt(int64(100 + call*10))
		},
	}
	twap := newTestTWAP(gw)

	report, err := twap.Execute(context.Background(), TWAPParams{
		Symbol:          "BTC/USDT",
		Side:            order.SideBuy,
		TotalQuantity:   decimal.NewFromInt(4),
		DurationMinutes: 4,
		Intervals:       2,
	})
	if err != nil {
		t.Fatalf("Execute 返回错误: %v", err)
	}

	// 两片各 2 手, 均价 100 与 110, 加权均价 105。
	if !report.AvgPrice.Equal(decimal.NewFromInt(105)) {
		t.Errorf("AvgPrice = %s, 期望 105", report.AvgPrice)
	}
}

func TestTWAPZeroExecutionAvgPriceIsZero(t *testing.T) {
	gw := &mockMarketSubmitter{
		failOn: map[int]error{
			0: errors.New("exchange: 连接失败"),
			1: errors.New("exchange: 连接失败"),
		},
	}
	twap := newTestTWAP(gw)

	report, err := twap.Execute(context.Background(), TWAPParams{
		Symbol:          "BTC/USDT",
		Side:            order.SideBuy,
		TotalQuantity:   decimal.NewFromInt(10),
		DurationMinutes: 2,
		Intervals:       2,
	})
	if err != nil {
		t.Fatalf("Execute 返回错误: %v", err)
	}
	if report.SlicesExecuted != 0 {
		t.Errorf("SlicesExecuted = %d, 期望 0", report.SlicesExecuted)
	}
	if !report.AvgPrice.IsZero() {
		t.Errorf("无成交时 AvgPrice = %s, 期望 0", report.AvgPrice)
	}
	if !report.ExecutedQty.IsZero() {
		t.Errorf("无成交时 ExecutedQty = %s, 期望 0", report.ExecutedQty)
	}
}

func TestTWAPInvalidParameters(t *testing.T) {
	twap := newTestTWAP(&mockMarketSubmitter{})

	cases := []struct {
		name   string
		params TWAPParams
	}{
		{"零数量", TWAPParams{Symbol: "BTC/USDT", Side: order.SideBuy, TotalQuantity: decimal.Zero, DurationMinutes: 5}},
		{"负数量", TWAPParams{Symbol: "BTC/USDT", Side: order.SideBuy, TotalQuantity: decimal.NewFromInt(-1), DurationMinutes: 5}},
		{"零时长", TWAPParams{Symbol: "BTC/USDT", Side: order.SideBuy, TotalQuantity: decimal.NewFromInt(10), DurationMinutes: 0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := twap.Execute(context.Background(), tc.params)
			if !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("期望 ErrInvalidParameter, 得到: %v", err)
			}
		})
	}
}

func TestTWAPStopsOnContextCancel(t *testing.T) {
	gw := &mockMarketSubmitter{}
	twap := NewTWAP(gw, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	twap.wait = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	report, err := twap.Execute(ctx, TWAPParams{
		Symbol:          "BTC/USDT",
		Side:            order.SideBuy,
		TotalQuantity:   decimal.NewFromInt(100),
		DurationMinutes: 4,
		Intervals:       4,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled, 得到: %v", err)
	}
	// 第一个切片已提交, 取消发生在第一次等待中。
	if len(report.Orders) != 1 {
		t.Fatalf("取消前成功订单数 = %d, 期望 1", len(report.Orders))
	}
	if !report.ExecutedQty.Equal(decimal.NewFromInt(25)) {
		t.Errorf("部分执行量 = %s, 期望 25", report.ExecutedQty)
	}
}
