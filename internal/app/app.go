package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trade-bot/internal/audit"
	"trade-bot/internal/config"
	"trade-bot/internal/exchange"
	"trade-bot/internal/gateway"
	"trade-bot/internal/rules"
	"trade-bot/internal/store"
	"trade-bot/internal/strategy"
	"trade-bot/internal/validator"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 组装订单链路并进入交互式会话，直到用户退出或收到终止信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易助手已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Bool("sandbox", a.cfg.Exchange.UseSandbox),
	)

	client, err := exchange.NewClient(a.cfg.Exchange, a.logger)
	if err != nil {
		return fmt.Errorf("初始化交易所客户端失败: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("交易所连通性检查失败: %w", err)
	}
	a.logger.Info("交易所连接就绪")

	auditSvc, err := audit.NewService(a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化审计服务失败: %w", err)
	}

	ruleCache := rules.NewCache(client, a.logger)
	orderValidator := validator.New(ruleCache, a.logger)
	gw := gateway.New(client, orderValidator, auditSvc, a.logger)

	twap := strategy.NewTWAP(gw, auditSvc, a.logger)
	grid := strategy.NewGrid(gw, a.cfg.Grid.PollInterval, auditSvc, a.logger)

	group, ctx := errgroup.WithContext(ctx)

	session := newSession(gw, ruleCache, twap, grid, auditSvc, group, a.logger)
	group.Go(func() error {
		return session.Run(ctx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	a.logger.Info("系统收到退出指令，正在停止")
	return nil
}
