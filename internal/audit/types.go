package audit

import (
	"context"
	"time"
)

// Level 表示审计事件级别。
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Event 为一条结构化审计记录。
type Event struct {
	Component string                 `json:"component"`
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Sink 是核心组件持有的审计出口。实现必须是 fire-and-forget 的：
// 落盘失败不得影响交易路径。
type Sink interface {
	Emit(ctx context.Context, component string, level Level, message string, fields map[string]interface{})
}

// Nop 丢弃全部事件，测试及禁用审计时使用。
type Nop struct{}

// Emit 实现 Sink。
func (Nop) Emit(context.Context, string, Level, string, map[string]interface{}) {}
