package app

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trade-bot/internal/audit"
	"trade-bot/internal/gateway"
	"trade-bot/internal/order"
	"trade-bot/internal/rules"
	"trade-bot/internal/strategy"
)

const menu = `
========== 交易助手 ==========
 1. 市价单
 2. 限价单
 3. 止损限价单
 4. OCO 订单
 5. TWAP 执行
 6. 启动网格策略
 7. 停止网格策略
 8. 查看交易规则
 9. 查看审计日志
 q. 退出
==============================`

// session 驱动交互式命令行会话。所有下单动作都走 Gateway，
// 会话本身不做任何校验。
type session struct {
	gw     *gateway.Gateway
	rules  *rules.Cache
	twap   *strategy.TWAP
	grid   *strategy.Grid
	audit  *audit.Service
	group  *errgroup.Group
	logger *zap.Logger

	lines chan string
}

func newSession(gw *gateway.Gateway, ruleCache *rules.Cache, twap *strategy.TWAP, grid *strategy.Grid, auditSvc *audit.Service, group *errgroup.Group, logger *zap.Logger) *session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &session{
		gw:     gw,
		rules:  ruleCache,
		twap:   twap,
		grid:   grid,
		audit:  auditSvc,
		group:  group,
		logger: logger,
		lines:  make(chan string),
	}
}

// Run 阻塞处理用户输入直到退出指令或 ctx 结束。
func (s *session) Run(ctx context.Context) error {
	go s.readInput(ctx)

	for {
		fmt.Println(menu)
		choice, err := s.prompt(ctx, "请选择操作: ")
		if err != nil {
			return err
		}

		switch strings.ToLower(choice) {
		case "1":
			err = s.placeMarket(ctx)
		case "2":
			err = s.placeLimit(ctx)
		case "3":
			err = s.placeStopLimit(ctx)
		case "4":
			err = s.placeOCO(ctx)
		case "5":
			err = s.runTWAP(ctx)
		case "6":
			err = s.startGrid(ctx)
		case "7":
			err = s.stopGrid(ctx)
		case "8":
			err = s.showRules(ctx)
		case "9":
			err = s.showAudit(ctx)
		case "q", "quit", "exit":
			if s.grid.Running() {
				if stopErr := s.grid.Stop(ctx); stopErr != nil {
					fmt.Printf("停止网格时部分撤单失败: %v\n", stopErr)
				}
			}
			fmt.Println("再见。")
			return nil
		case "":
			continue
		default:
			fmt.Printf("未知选项: %q\n", choice)
			continue
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Printf("操作失败: %v\n", err)
		}
	}
}

// readInput 在独立协程里逐行读取标准输入。标准输入关闭后通道关闭，
// prompt 端据此结束会话。
func (s *session) readInput(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case s.lines <- strings.TrimSpace(scanner.Text()):
		case <-ctx.Done():
			return
		}
	}
	close(s.lines)
}

func (s *session) prompt(ctx context.Context, label string) (string, error) {
	fmt.Print(label)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line, ok := <-s.lines:
		if !ok {
			return "", context.Canceled
		}
		return line, nil
	}
}

func (s *session) promptDecimal(ctx context.Context, label string) (decimal.Decimal, error) {
	raw, err := s.prompt(ctx, label)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("无法解析数值 %q: %w", raw, err)
	}
	return d, nil
}

func (s *session) promptInt(ctx context.Context, label string) (int, error) {
	raw, err := s.prompt(ctx, label)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("无法解析整数 %q: %w", raw, err)
	}
	return n, nil
}

func (s *session) promptSide(ctx context.Context) (order.Side, error) {
	raw, err := s.prompt(ctx, "方向 (BUY/SELL): ")
	if err != nil {
		return "", err
	}
	side, ok := order.ParseSide(raw)
	if !ok {
		return "", fmt.Errorf("无效方向 %q, 仅支持 BUY/SELL", raw)
	}
	return side, nil
}

func (s *session) placeMarket(ctx context.Context) error {
	symbol, err := s.prompt(ctx, "交易对: ")
	if err != nil {
		return err
	}
	side, err := s.promptSide(ctx)
	if err != nil {
		return err
	}
	qty, err := s.promptDecimal(ctx, "数量: ")
	if err != nil {
		return err
	}

	rec, err := s.gw.SubmitMarket(ctx, order.Intent{
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
	})
	if err != nil {
		return err
	}
	printRecord(rec)
	return nil
}

func (s *session) placeLimit(ctx context.Context) error {
	symbol, err := s.prompt(ctx, "交易对: ")
	if err != nil {
		return err
	}
	side, err := s.promptSide(ctx)
	if err != nil {
		return err
	}
	qty, err := s.promptDecimal(ctx, "数量: ")
	if err != nil {
		return err
	}
	price, err := s.promptDecimal(ctx, "限价: ")
	if err != nil {
		return err
	}

	rec, err := s.gw.SubmitLimit(ctx, order.Intent{
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Price:    price,
	})
	if err != nil {
		return err
	}
	printRecord(rec)
	return nil
}

func (s *session) placeStopLimit(ctx context.Context) error {
	symbol, err := s.prompt(ctx, "交易对: ")
	if err != nil {
		return err
	}
	side, err := s.promptSide(ctx)
	if err != nil {
		return err
	}
	qty, err := s.promptDecimal(ctx, "数量: ")
	if err != nil {
		return err
	}
	stop, err := s.promptDecimal(ctx, "触发价: ")
	if err != nil {
		return err
	}
	price, err := s.promptDecimal(ctx, "限价: ")
	if err != nil {
		return err
	}

	rec, err := s.gw.SubmitStopLimit(ctx, order.Intent{
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		StopPrice: stop,
	})
	if err != nil {
		return err
	}
	printRecord(rec)
	return nil
}

func (s *session) placeOCO(ctx context.Context) error {
	symbol, err := s.prompt(ctx, "交易对: ")
	if err != nil {
		return err
	}
	side, err := s.promptSide(ctx)
	if err != nil {
		return err
	}
	qty, err := s.promptDecimal(ctx, "数量: ")
	if err != nil {
		return err
	}
	price, err := s.promptDecimal(ctx, "限价: ")
	if err != nil {
		return err
	}
	stop, err := s.promptDecimal(ctx, "触发价: ")
	if err != nil {
		return err
	}
	stopLimit, err := s.promptDecimal(ctx, "止损限价: ")
	if err != nil {
		return err
	}

	rec, err := s.gw.SubmitOCO(ctx, order.Intent{
		Symbol:         symbol,
		Side:           side,
		Quantity:       qty,
		Price:          price,
		StopPrice:      stop,
		StopLimitPrice: stopLimit,
	})
	if err != nil {
		return err
	}
	printRecord(rec)
	return nil
}

func (s *session) runTWAP(ctx context.Context) error {
	symbol, err := s.prompt(ctx, "交易对: ")
	if err != nil {
		return err
	}
	side, err := s.promptSide(ctx)
	if err != nil {
		return err
	}
	qty, err := s.promptDecimal(ctx, "总数量: ")
	if err != nil {
		return err
	}
	minutes, err := s.promptInt(ctx, "执行时长(分钟): ")
	if err != nil {
		return err
	}
	intervals, err := s.promptInt(ctx, "切片数量(0 表示每分钟一片): ")
	if err != nil {
		return err
	}

	fmt.Println("TWAP 执行中, Ctrl+C 可中断...")
	report, err := s.twap.Execute(ctx, strategy.TWAPParams{
		Symbol:          symbol,
		Side:            side,
		TotalQuantity:   qty,
		DurationMinutes: minutes,
		Intervals:       intervals,
	})
	if err != nil {
		return err
	}

	fmt.Printf("TWAP 完成: 计划 %d 片, 成交 %d 片, 成交量 %s, 均价 %s\n",
		report.SlicesPlanned, report.SlicesExecuted, report.ExecutedQty, report.AvgPrice)
	return nil
}

func (s *session) startGrid(ctx context.Context) error {
	if s.grid.Running() {
		fmt.Println("网格策略已在运行。")
		return nil
	}

	symbol, err := s.prompt(ctx, "交易对: ")
	if err != nil {
		return err
	}
	lower, err := s.promptDecimal(ctx, "区间下沿: ")
	if err != nil {
		return err
	}
	upper, err := s.promptDecimal(ctx, "区间上沿: ")
	if err != nil {
		return err
	}
	grids, err := s.promptInt(ctx, "网格数量: ")
	if err != nil {
		return err
	}
	investment, err := s.promptDecimal(ctx, "总投入数量: ")
	if err != nil {
		return err
	}

	if err := s.grid.Start(ctx, strategy.GridParams{
		Symbol:          symbol,
		Lower:           lower,
		Upper:           upper,
		Grids:           grids,
		TotalInvestment: investment,
	}); err != nil {
		return err
	}

	s.group.Go(func() error {
		return s.grid.Monitor(ctx)
	})

	fmt.Printf("网格已启动, 在册订单 %d 笔, 后台监控中。\n", s.grid.ActiveOrders())
	return nil
}

func (s *session) stopGrid(ctx context.Context) error {
	if !s.grid.Running() {
		fmt.Println("网格策略未在运行。")
		return nil
	}
	if err := s.grid.Stop(ctx); err != nil {
		return err
	}
	fmt.Println("网格策略已停止, 在册订单已全部撤销。")
	return nil
}

func (s *session) showRules(ctx context.Context) error {
	symbol, err := s.prompt(ctx, "交易对: ")
	if err != nil {
		return err
	}
	inst, err := s.rules.Get(ctx, symbol)
	if err != nil {
		return err
	}

	fmt.Printf("交易对: %s\n", inst.Symbol)
	fmt.Printf("  可交易:   %t\n", inst.Active)
	fmt.Printf("  报价单位: %s\n", inst.TickSize)
	fmt.Printf("  数量步长: %s\n", inst.StepSize)
	fmt.Printf("  价格区间: [%s, %s]\n", inst.MinPrice, inst.MaxPrice)
	fmt.Printf("  数量区间: [%s, %s]\n", inst.MinQty, inst.MaxQty)
	return nil
}

func (s *session) showAudit(ctx context.Context) error {
	component, err := s.prompt(ctx, "组件(留空查看全部): ")
	if err != nil {
		return err
	}
	events, err := s.audit.ListRecent(ctx, component, 20)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("暂无审计记录。")
		return nil
	}
	for _, ev := range events {
		fmt.Printf("[%s] %-5s %-8s %s\n",
			ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Level, ev.Component, ev.Message)
	}
	return nil
}

func printRecord(rec order.Record) {
	fmt.Printf("订单已提交: id=%s symbol=%s side=%s status=%s\n",
		rec.ID, rec.Symbol, rec.Side, rec.Status)
	if !rec.ExecutedQty.IsZero() {
		fmt.Printf("  成交量 %s, 均价 %s\n", rec.ExecutedQty, rec.AvgPrice)
	}
}
