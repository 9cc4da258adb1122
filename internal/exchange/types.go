package exchange

import "github.com/shopspring/decimal"

// Instrument 描述单个交易对的交易规则。所有数值字段来自交易所元数据，
// 使用定点小数避免二进制浮点在步长校验上产生漂移。
type Instrument struct {
	Symbol   string
	Active   bool
	TickSize decimal.Decimal
	StepSize decimal.Decimal
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal
	MinQty   decimal.Decimal
	MaxQty   decimal.Decimal
}
