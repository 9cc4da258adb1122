package order

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 表示订单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide 将任意大小写输入归一化为 Side，非法输入返回 false。
func ParseSide(raw string) (Side, bool) {
	switch Side(strings.ToUpper(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	default:
		return "", false
	}
}

// Opposite 返回相反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Status 表示交易所侧的订单状态。
type Status string

const (
	StatusNew             Status = "NEW"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusExpired         Status = "EXPIRED"
	StatusRejected        Status = "REJECTED"
	StatusUnknown         Status = "UNKNOWN"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// Kind 表示订单类型。
type Kind string

const (
	KindMarket    Kind = "MARKET"
	KindLimit     Kind = "LIMIT"
	KindStopLimit Kind = "STOP_LIMIT"
	KindOCO       Kind = "OCO"
)

// Intent 描述一笔待提交的订单。构造后不可变，提交前必须通过校验。
// 各字段按订单类型取用：LIMIT 使用 Price；STOP_LIMIT 使用 StopPrice 触发、
// Price 作为限价；OCO 使用 Price 作为止盈限价腿、StopPrice 触发止损腿、
// StopLimitPrice 作为止损腿限价。
type Intent struct {
	Kind           Kind
	Symbol         string
	Side           Side
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	StopPrice      decimal.Decimal
	StopLimitPrice decimal.Decimal
}

// Record 为一次成功提交后交易所返回的订单快照。
type Record struct {
	ID          string
	Symbol      string
	Side        Side
	Kind        Kind
	Quantity    decimal.Decimal
	ExecutedQty decimal.Decimal
	Price       decimal.Decimal
	AvgPrice    decimal.Decimal
	Status      Status
	CreatedAt   time.Time
}
