package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"trade-bot/internal/exchange"
)

var (
	// ErrInstrumentNotFound 表示交易所不存在该交易对。
	ErrInstrumentNotFound = errors.New("rules: 交易对不存在")
	// ErrInstrumentNotTradable 表示交易对存在但当前不可交易。
	ErrInstrumentNotTradable = errors.New("rules: 交易对当前不可交易")
)

type instrumentFetcher interface {
	FetchInstrument(ctx context.Context, symbol string) (exchange.Instrument, bool, error)
}

// Cache 按交易对懒加载并缓存交易规则。条目在进程生命周期内有效，
// 仅能通过 Clear 主动失效。读写都可能发生在监控协程与交互协程两侧，
// 因此用读写锁保护缓存表。
type Cache struct {
	client instrumentFetcher
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]exchange.Instrument
}

// NewCache 创建规则缓存。
func NewCache(client instrumentFetcher, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client:  client,
		logger:  logger,
		entries: make(map[string]exchange.Instrument),
	}
}

// Get 返回交易对规则，必要时从交易所拉取。
// 不存在与不可交易分别返回 ErrInstrumentNotFound / ErrInstrumentNotTradable，
// 传输层故障原样向上传播。
func (c *Cache) Get(ctx context.Context, symbol string) (exchange.Instrument, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		return exchange.Instrument{}, fmt.Errorf("%w: 符号为空", ErrInstrumentNotFound)
	}

	c.mu.RLock()
	inst, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return inst, nil
	}

	inst, found, err := c.client.FetchInstrument(ctx, key)
	if err != nil {
		return exchange.Instrument{}, err
	}
	if !found {
		return exchange.Instrument{}, fmt.Errorf("%w: %s", ErrInstrumentNotFound, key)
	}
	if !inst.Active {
		return exchange.Instrument{}, fmt.Errorf("%w: %s", ErrInstrumentNotTradable, key)
	}

	c.mu.Lock()
	c.entries[key] = inst
	c.mu.Unlock()

	c.logger.Debug("缓存交易规则",
		zap.String("symbol", key),
		zap.String("tick_size", inst.TickSize.String()),
		zap.String("step_size", inst.StepSize.String()),
	)

	return inst, nil
}

// Clear 清空全部缓存条目。长时间运行的进程在规则可能变更时调用。
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]exchange.Instrument)
	c.mu.Unlock()
}
