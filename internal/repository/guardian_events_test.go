package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"wisefido-guardian/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockGuardianEventsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *GuardianEventsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewGuardianEventsRepository(db, logger)

	return db, mock, repo
}

func TestAddEvent_Success(t *testing.T) {
	db, mock, repo := setupMockGuardianEventsDB(t)
	defer db.Close()

	ctx := context.Background()
	tenantID := uuid.New().String()
	event := &models.GuardianEvent{
		EventType:   models.EventAlert,
		Level:       2,
		Reason:      "prolonged inactivity",
		Observation: "sitting motionless in the armchair",
	}

	mock.ExpectExec(`INSERT INTO guardian_events`).
		WithArgs(
			sqlmock.AnyArg(), // event_id 自动生成
			tenantID,
			models.EventAlert,
			2,
			"prolonged inactivity",
			"sitting motionless in the armchair",
			sqlmock.AnyArg(), // created_at 自动填充
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.AddEvent(ctx, tenantID, event)

	require.NoError(t, err)
	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, tenantID, event.TenantID)
	assert.False(t, event.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddEvent_Validation(t *testing.T) {
	db, _, repo := setupMockGuardianEventsDB(t)
	defer db.Close()

	ctx := context.Background()

	err := repo.AddEvent(ctx, "", &models.GuardianEvent{EventType: models.EventAlert})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "tenant_id is required")

	err = repo.AddEvent(ctx, "tenant-001", nil)
	assert.Error(t, err)

	err = repo.AddEvent(ctx, "tenant-001", &models.GuardianEvent{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "event_type is required")
}

func TestGetRecentEvents_Success(t *testing.T) {
	db, mock, repo := setupMockGuardianEventsDB(t)
	defer db.Close()

	ctx := context.Background()
	tenantID := uuid.New().String()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"event_id", "tenant_id", "event_type", "level", "reason", "observation", "created_at",
	}).AddRow(
		uuid.New().String(), tenantID, models.EventCancel, 1, "", "", now,
	).AddRow(
		uuid.New().String(), tenantID, models.EventAlert, 1, "no response to nudge", "slumped posture", now.Add(-time.Minute),
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs(tenantID, 10).
		WillReturnRows(rows)

	events, err := repo.GetRecentEvents(ctx, tenantID, 10)

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventCancel, events[0].EventType)
	assert.Equal(t, models.EventAlert, events[1].EventType)
	assert.Equal(t, "no response to nudge", events[1].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecentEvents_DefaultLimit(t *testing.T) {
	db, mock, repo := setupMockGuardianEventsDB(t)
	defer db.Close()

	ctx := context.Background()
	tenantID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(tenantID, 20).
		WillReturnRows(sqlmock.NewRows([]string{
			"event_id", "tenant_id", "event_type", "level", "reason", "observation", "created_at",
		}))

	events, err := repo.GetRecentEvents(ctx, tenantID, 0)

	require.NoError(t, err)
	assert.Empty(t, events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEventsSince_Success(t *testing.T) {
	db, mock, repo := setupMockGuardianEventsDB(t)
	defer db.Close()

	ctx := context.Background()
	tenantID := uuid.New().String()
	since := time.Now().Add(-time.Hour)

	rows := sqlmock.NewRows([]string{
		"event_id", "tenant_id", "event_type", "level", "reason", "observation", "created_at",
	}).AddRow(
		uuid.New().String(), tenantID, models.EventFallback, 0, "offline analysis", "", time.Now(),
	)

	mock.ExpectQuery(`SELECT`).
		WithArgs(tenantID, since).
		WillReturnRows(rows)

	events, err := repo.GetEventsSince(ctx, tenantID, since)

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventFallback, events[0].EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEventsSince_TenantRequired(t *testing.T) {
	db, _, repo := setupMockGuardianEventsDB(t)
	defer db.Close()

	_, err := repo.GetEventsSince(context.Background(), "", time.Now())
	assert.Error(t, err)
}
