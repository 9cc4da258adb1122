package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

// APIError 表示交易所拒绝了一个格式正确的请求（价格非法、余额不足等）。
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("exchange: 请求被拒绝: %s", e.Message)
	}
	return fmt.Sprintf("exchange: 请求被拒绝 [%s]: %s", e.Code, e.Message)
}

// ConnectionError 表示到交易所的传输层故障。
type ConnectionError struct {
	Message string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("exchange: 连接失败: %s", e.Message)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Classify 将底层错误归一化为 APIError 或 ConnectionError 两类之一。
// context 取消原样透传，便于上层用 errors.Is 识别。
func Classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return err
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		message := strings.TrimSpace(ccxtErr.Message)
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.OnMaintenanceErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return &ConnectionError{Message: message, Err: err}
		default:
			return &APIError{Code: string(ccxtErr.Type), Message: message}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ConnectionError{Message: netErr.Error(), Err: err}
	}

	return &APIError{Message: err.Error()}
}

// IsTransient 判断错误是否属于传输层故障，可在只读调用上重试。
func IsTransient(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
