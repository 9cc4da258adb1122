package validator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trade-bot/internal/exchange"
	"trade-bot/internal/order"
	"trade-bot/internal/rules"
)

// Error 表示订单在提交前未通过业务规则校验。
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "validator: " + e.Reason
}

type ruleSource interface {
	Get(ctx context.Context, symbol string) (exchange.Instrument, error)
}

// Validator 在任何网络提交发生之前，对订单意图执行交易所约束校验。
// 每个 Check 方法返回 (通过, 原因)，短路于第一个失败项；Validate 在
// 策略边界把失败统一包装为 *Error。
type Validator struct {
	rules  ruleSource
	logger *zap.Logger
}

// New 创建校验器。
func New(rules ruleSource, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		rules:  rules,
		logger: logger,
	}
}

// Validate 按订单类型分发校验，失败时返回 *Error。
func (v *Validator) Validate(ctx context.Context, intent order.Intent) error {
	var (
		ok     bool
		reason string
	)

	switch intent.Kind {
	case order.KindMarket:
		ok, reason = v.CheckMarket(ctx, intent)
	case order.KindLimit:
		ok, reason = v.CheckLimit(ctx, intent)
	case order.KindStopLimit:
		ok, reason = v.CheckStopLimit(ctx, intent)
	case order.KindOCO:
		ok, reason = v.CheckOCO(ctx, intent)
	default:
		ok, reason = false, fmt.Sprintf("不支持的订单类型 %q", intent.Kind)
	}

	if !ok {
		v.logger.Warn("订单校验失败",
			zap.String("symbol", intent.Symbol),
			zap.String("side", string(intent.Side)),
			zap.String("kind", string(intent.Kind)),
			zap.String("reason", reason),
		)
		return &Error{Reason: reason}
	}
	return nil
}

// CheckMarket 校验市价单：交易对、方向、数量。
func (v *Validator) CheckMarket(ctx context.Context, intent order.Intent) (bool, string) {
	inst, ok, reason := v.checkSymbolAndSide(ctx, intent)
	if !ok {
		return false, reason
	}
	return v.checkQuantity(inst, intent.Quantity)
}

// CheckLimit 校验限价单：在市价单基础上增加限价检查。
func (v *Validator) CheckLimit(ctx context.Context, intent order.Intent) (bool, string) {
	inst, ok, reason := v.checkSymbolAndSide(ctx, intent)
	if !ok {
		return false, reason
	}
	if ok, reason := v.checkQuantity(inst, intent.Quantity); !ok {
		return false, reason
	}
	return v.checkPrice(inst, "限价", intent.Price)
}

// CheckStopLimit 校验止损限价单，包含方向相关的价格次序约束：
// BUY 要求限价 ≥ 触发价，SELL 要求限价 ≤ 触发价。
func (v *Validator) CheckStopLimit(ctx context.Context, intent order.Intent) (bool, string) {
	inst, ok, reason := v.checkSymbolAndSide(ctx, intent)
	if !ok {
		return false, reason
	}
	if ok, reason := v.checkQuantity(inst, intent.Quantity); !ok {
		return false, reason
	}
	if ok, reason := v.checkPrice(inst, "触发价", intent.StopPrice); !ok {
		return false, reason
	}
	if ok, reason := v.checkPrice(inst, "限价", intent.Price); !ok {
		return false, reason
	}

	switch intent.Side {
	case order.SideBuy:
		if intent.Price.LessThan(intent.StopPrice) {
			return false, fmt.Sprintf("BUY 止损限价单要求限价(%s) ≥ 触发价(%s)", intent.Price, intent.StopPrice)
		}
	case order.SideSell:
		if intent.Price.GreaterThan(intent.StopPrice) {
			return false, fmt.Sprintf("SELL 止损限价单要求限价(%s) ≤ 触发价(%s)", intent.Price, intent.StopPrice)
		}
	}
	return true, ""
}

// CheckOCO 校验 OCO 括号单。限价腿按止盈、止损腿按保护性止损理解：
// SELL 要求限价 > 触发价且止损限价 ≤ 触发价，BUY 方向相反。
func (v *Validator) CheckOCO(ctx context.Context, intent order.Intent) (bool, string) {
	inst, ok, reason := v.checkSymbolAndSide(ctx, intent)
	if !ok {
		return false, reason
	}
	if ok, reason := v.checkQuantity(inst, intent.Quantity); !ok {
		return false, reason
	}
	if ok, reason := v.checkPrice(inst, "限价", intent.Price); !ok {
		return false, reason
	}
	if ok, reason := v.checkPrice(inst, "触发价", intent.StopPrice); !ok {
		return false, reason
	}
	if ok, reason := v.checkPrice(inst, "止损限价", intent.StopLimitPrice); !ok {
		return false, reason
	}

	switch intent.Side {
	case order.SideSell:
		if !intent.Price.GreaterThan(intent.StopPrice) {
			return false, fmt.Sprintf("SELL OCO 要求限价(%s) > 触发价(%s)", intent.Price, intent.StopPrice)
		}
		if intent.StopLimitPrice.GreaterThan(intent.StopPrice) {
			return false, fmt.Sprintf("SELL OCO 要求止损限价(%s) ≤ 触发价(%s)", intent.StopLimitPrice, intent.StopPrice)
		}
	case order.SideBuy:
		if !intent.Price.LessThan(intent.StopPrice) {
			return false, fmt.Sprintf("BUY OCO 要求限价(%s) < 触发价(%s)", intent.Price, intent.StopPrice)
		}
		if intent.StopLimitPrice.LessThan(intent.StopPrice) {
			return false, fmt.Sprintf("BUY OCO 要求止损限价(%s) ≥ 触发价(%s)", intent.StopLimitPrice, intent.StopPrice)
		}
	}
	return true, ""
}

func (v *Validator) checkSymbolAndSide(ctx context.Context, intent order.Intent) (exchange.Instrument, bool, string) {
	if intent.Symbol == "" {
		return exchange.Instrument{}, false, "交易对不能为空"
	}
	if intent.Side != order.SideBuy && intent.Side != order.SideSell {
		return exchange.Instrument{}, false, fmt.Sprintf("方向必须为 BUY 或 SELL，收到 %q", intent.Side)
	}

	inst, err := v.rules.Get(ctx, intent.Symbol)
	switch {
	case err == nil:
		return inst, true, ""
	case errors.Is(err, rules.ErrInstrumentNotFound):
		return exchange.Instrument{}, false, fmt.Sprintf("交易对 %q 不存在或不可用", intent.Symbol)
	case errors.Is(err, rules.ErrInstrumentNotTradable):
		return exchange.Instrument{}, false, fmt.Sprintf("交易对 %q 当前不可交易", intent.Symbol)
	default:
		return exchange.Instrument{}, false, fmt.Sprintf("获取交易规则失败: %v", err)
	}
}

// checkQuantity 校验数量为正、落在 [minQty, maxQty] 且自 minQty 起
// 为步长的整数倍。余数用定点小数计算，避免二进制浮点误拒。
func (v *Validator) checkQuantity(inst exchange.Instrument, quantity decimal.Decimal) (bool, string) {
	if quantity.Sign() <= 0 {
		return false, "数量必须大于零"
	}
	if inst.MinQty.Sign() > 0 && quantity.LessThan(inst.MinQty) {
		return false, fmt.Sprintf("数量 %s 低于最小值 %s", quantity, inst.MinQty)
	}
	if inst.MaxQty.Sign() > 0 && quantity.GreaterThan(inst.MaxQty) {
		return false, fmt.Sprintf("数量 %s 超过最大值 %s", quantity, inst.MaxQty)
	}
	if inst.StepSize.Sign() > 0 {
		if !quantity.Sub(inst.MinQty).Mod(inst.StepSize).IsZero() {
			return false, fmt.Sprintf("数量 %s 不满足步长 %s", quantity, inst.StepSize)
		}
	}
	return true, ""
}

// checkPrice 校验单个价格字段为正、落在 [minPrice, maxPrice] 且为
// 最小报价单位的整数倍。label 用于区分多价格订单中的具体字段。
func (v *Validator) checkPrice(inst exchange.Instrument, label string, price decimal.Decimal) (bool, string) {
	if price.Sign() <= 0 {
		return false, fmt.Sprintf("%s必须大于零", label)
	}
	if inst.MinPrice.Sign() > 0 && price.LessThan(inst.MinPrice) {
		return false, fmt.Sprintf("%s %s 低于最小值 %s", label, price, inst.MinPrice)
	}
	if inst.MaxPrice.Sign() > 0 && price.GreaterThan(inst.MaxPrice) {
		return false, fmt.Sprintf("%s %s 超过最大值 %s", label, price, inst.MaxPrice)
	}
	if inst.TickSize.Sign() > 0 {
		if !price.Mod(inst.TickSize).IsZero() {
			return false, fmt.Sprintf("%s %s 不满足最小报价单位 %s", label, price, inst.TickSize)
		}
	}
	return true, ""
}
