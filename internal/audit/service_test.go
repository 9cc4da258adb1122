package audit

import (
	"context"
	"testing"
	"time"

	"trade-bot/internal/config"
	"trade-bot/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	s, err := store.NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("初始化内存数据库失败: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	svc, err := NewService(s, nil)
	if err != nil {
		t.Fatalf("初始化审计服务失败: %v", err)
	}
	return svc
}

func TestServiceEmitAndListRecent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.Emit(ctx, "gateway", LevelInfo, "订单已提交", map[string]interface{}{"symbol": "BTC/USDT"})
	svc.Emit(ctx, "grid", LevelError, "反向挂单失败", nil)
	svc.Emit(ctx, "gateway", LevelWarn, "订单校验失败", map[string]interface{}{"reason": "数量低于下限"})

	all, err := svc.ListRecent(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListRecent 返回错误: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("事件总数 = %d, 期望 3", len(all))
	}
	// 最近的事件排在最前。
	if all[0].Message != "订单校验失败" {
		t.Errorf("首条事件 = %q, 期望最新写入", all[0].Message)
	}

	gatewayOnly, err := svc.ListRecent(ctx, "gateway", 10)
	if err != nil {
		t.Fatalf("ListRecent 返回错误: %v", err)
	}
	if len(gatewayOnly) != 2 {
		t.Fatalf("gateway 事件数 = %d, 期望 2", len(gatewayOnly))
	}
	for _, ev := range gatewayOnly {
		if ev.Component != "gateway" {
			t.Errorf("过滤结果包含其他组件: %s", ev.Component)
		}
		if ev.Timestamp.IsZero() || ev.Timestamp.After(time.Now().Add(time.Minute)) {
			t.Errorf("事件时间戳异常: %v", ev.Timestamp)
		}
	}
}

func TestServiceMasksSensitiveFields(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.Emit(ctx, "exchange", LevelInfo, "客户端初始化", map[string]interface{}{
		"api_key":    "real-key",
		"api_secret": "real-secret",
		"sandbox":    true,
	})

	events, err := svc.ListRecent(ctx, "exchange", 1)
	if err != nil {
		t.Fatalf("ListRecent 返回错误: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("事件数 = %d, 期望 1", len(events))
	}

	fields := events[0].Fields
	if fields["api_key"] != "***" {
		t.Errorf("api_key 未打码: %v", fields["api_key"])
	}
	if fields["api_secret"] != "***" {
		t.Errorf("api_secret 未打码: %v", fields["api_secret"])
	}
	if fields["sandbox"] != true {
		t.Errorf("普通字段不应被修改: %v", fields["sandbox"])
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	fields := map[string]interface{}{"secret": "value"}
	cleaned := sanitize(fields)

	if cleaned["secret"] != "***" {
		t.Errorf("secret 未打码: %v", cleaned["secret"])
	}
	if fields["secret"] != "value" {
		t.Errorf("原始字段被修改: %v", fields["secret"])
	}
}
