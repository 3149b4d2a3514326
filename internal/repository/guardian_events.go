package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-guardian/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GuardianEventsRepository 监护事件仓库
type GuardianEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewGuardianEventsRepository 创建监护事件仓库
func NewGuardianEventsRepository(db *sql.DB, logger *zap.Logger) *GuardianEventsRepository {
	return &GuardianEventsRepository{
		db:     db,
		logger: logger,
	}
}

// AddEvent 写入监护事件（event_id 和 created_at 为空时自动填充）
func (r *GuardianEventsRepository) AddEvent(ctx context.Context, tenantID string, event *models.GuardianEvent) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.EventType == "" {
		return fmt.Errorf("event_type is required")
	}

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	event.TenantID = tenantID

	query := `
		INSERT INTO guardian_events (
			event_id,
			tenant_id,
			event_type,
			level,
			reason,
			observation,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		event.EventID,
		event.TenantID,
		event.EventType,
		event.Level,
		event.Reason,
		event.Observation,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create guardian event: %w", err)
	}

	r.logger.Debug("Guardian event recorded",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.Int("level", event.Level),
	)
	return nil
}

// GetRecentEvents 获取最近的监护事件（按时间倒序）
func (r *GuardianEventsRepository) GetRecentEvents(ctx context.Context, tenantID string, limit int) ([]*models.GuardianEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT
			event_id,
			tenant_id,
			event_type,
			level,
			reason,
			observation,
			created_at
		FROM guardian_events
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query guardian events: %w", err)
	}
	defer rows.Close()

	return scanGuardianEvents(rows)
}

// GetEventsSince 获取某个时间点之后的监护事件（用于最近上下文）
func (r *GuardianEventsRepository) GetEventsSince(ctx context.Context, tenantID string, since time.Time) ([]*models.GuardianEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT
			event_id,
			tenant_id,
			event_type,
			level,
			reason,
			observation,
			created_at
		FROM guardian_events
		WHERE tenant_id = $1
		  AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query guardian events: %w", err)
	}
	defer rows.Close()

	return scanGuardianEvents(rows)
}

func scanGuardianEvents(rows *sql.Rows) ([]*models.GuardianEvent, error) {
	var events []*models.GuardianEvent
	for rows.Next() {
		var event models.GuardianEvent
		err := rows.Scan(
			&event.EventID,
			&event.TenantID,
			&event.EventType,
			&event.Level,
			&event.Reason,
			&event.Observation,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan guardian event: %w", err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate guardian events: %w", err)
	}
	return events, nil
}
