package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trade-bot/internal/store"
)

// sensitiveKeys 中的字段在落盘前统一打码，凭证绝不进入审计日志。
var sensitiveKeys = []string{"api_key", "api_secret", "apiKey", "apiSecret", "secret", "password", "private_key"}

// Service 把审计事件持久化到 SQLite 日志表。写入失败只记录警告，
// 不向调用方传播。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化审计服务并建表。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("audit: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	component TEXT NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	fields TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_component ON audit_events(component);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("audit: 初始化表失败: %w", err)
	}
	return nil
}

// Emit 实现 Sink。
func (s *Service) Emit(ctx context.Context, component string, level Level, message string, fields map[string]interface{}) {
	payload, err := json.Marshal(sanitize(fields))
	if err != nil {
		s.logger.Warn("序列化审计字段失败", zap.Error(err))
		payload = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (component, level, message, fields, created_at) VALUES (?, ?, ?, ?, ?)`,
		component, string(level), message, string(payload), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		s.logger.Warn("写入审计事件失败",
			zap.String("component", component),
			zap.Error(err),
		)
	}
}

// ListRecent 按组件检索最近事件，component 为空时不过滤。
func (s *Service) ListRecent(ctx context.Context, component string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT component, level, message, fields, created_at FROM audit_events`
	args := make([]interface{}, 0, 2)
	if component != "" {
		query += ` WHERE component = ?`
		args = append(args, component)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			comp    string
			level   string
			message string
			fields  string
			created string
		)
		if scanErr := rows.Scan(&comp, &level, &message, &fields, &created); scanErr != nil {
			return nil, fmt.Errorf("audit: 解析事件失败: %w", scanErr)
		}

		event := Event{
			Component: comp,
			Level:     Level(level),
			Message:   message,
		}
		if ts, parseErr := time.Parse(time.RFC3339, created); parseErr == nil {
			event.Timestamp = ts
		}
		if fields != "" {
			_ = json.Unmarshal([]byte(fields), &event.Fields)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: 读取事件失败: %w", err)
	}

	return events, nil
}

func sanitize(fields map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return map[string]interface{}{}
	}

	cleaned := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		cleaned[k] = v
	}
	for _, key := range sensitiveKeys {
		if _, ok := cleaned[key]; ok {
			cleaned[key] = "***"
		}
	}
	return cleaned
}
