package cache

import (
	"context"
	"testing"
	"time"

	"wisefido-guardian/internal/config"
	"wisefido-guardian/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *CacheManager, *StateManager) {
	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cfg := &config.Config{}
	cfg.Guardian.Cache.KeyPrefix = "vital-focus:guardian:"
	cfg.Guardian.Cache.ObservationSuffix = ":observation"
	cfg.Guardian.Cache.AlertSuffix = ":alert"
	cfg.Guardian.Cache.FrameSuffix = ":frame"
	cfg.Guardian.Cache.AudioSuffix = ":audio"
	cfg.Guardian.Cache.ObservationTTL = 120
	cfg.Guardian.Cache.AlertTTL = 86400
	cfg.Guardian.Cache.StateKeyPrefix = "guardian:state:"

	logger := zap.NewNop()
	return mr, NewCacheManager(cfg, redisClient, logger), NewStateManager(cfg, redisClient, logger)
}

func TestCacheManager_ObservationRoundTrip(t *testing.T) {
	mr, cacheManager, _ := setupTestRedis(t)

	tenantID := "tenant-001"
	result := &models.ObservationResult{
		NeedsAssistance: true,
		EmergencyLevel:  models.EmergencySoft,
		Cues:            []models.Cue{models.CueVisual},
		Confidence:      0.72,
		Observation:     "sitting motionless for a long time",
		Source:          "Gemini",
		Timestamp:       time.Now().Unix(),
	}

	ctx := context.Background()
	require.NoError(t, cacheManager.UpdateObservationCache(ctx, tenantID, result))

	// TTL 已设置
	key := "vital-focus:guardian:" + tenantID + ":observation"
	assert.Greater(t, mr.TTL(key), time.Duration(0))

	got, err := cacheManager.GetObservation(ctx, tenantID)
	require.NoError(t, err)
	assert.True(t, got.NeedsAssistance)
	assert.Equal(t, models.EmergencySoft, got.EmergencyLevel)
	assert.Equal(t, 0.72, got.Confidence)
	assert.Equal(t, "Gemini", got.Source)
}

func TestCacheManager_GetObservation_NotFound(t *testing.T) {
	_, cacheManager, _ := setupTestRedis(t)

	_, err := cacheManager.GetObservation(context.Background(), "no-such-tenant")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestCacheManager_AlertRoundTrip(t *testing.T) {
	_, cacheManager, _ := setupTestRedis(t)

	tenantID := "tenant-001"
	state := models.EmergencyState{
		Level:     2,
		Reason:    "prolonged inactivity",
		Countdown: 15,
		UpdatedAt: time.Now().Unix(),
	}

	ctx := context.Background()
	require.NoError(t, cacheManager.UpdateAlertCache(ctx, tenantID, state))

	got, err := cacheManager.GetAlert(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Level)
	assert.Equal(t, "prolonged inactivity", got.Reason)
	assert.Equal(t, 15, got.Countdown)
}

func TestCacheManager_GetFrameAndAudio(t *testing.T) {
	mr, cacheManager, _ := setupTestRedis(t)

	tenantID := "tenant-001"
	mr.Set("vital-focus:guardian:"+tenantID+":frame", "jpeg-bytes")
	mr.Set("vital-focus:guardian:"+tenantID+":audio", "wav-bytes")

	ctx := context.Background()
	frame, err := cacheManager.GetFrame(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), frame)

	audio, err := cacheManager.GetAudioSegment(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, []byte("wav-bytes"), audio)
}

func TestCacheManager_GetFrame_Unavailable(t *testing.T) {
	_, cacheManager, _ := setupTestRedis(t)

	_, err := cacheManager.GetFrame(context.Background(), "tenant-001")
	assert.Error(t, err)
}

func TestStateManager_EscalationStateLifecycle(t *testing.T) {
	_, _, stateManager := setupTestRedis(t)

	tenantID := "tenant-001"
	ctx := context.Background()

	// 无状态时返回 nil，不报错
	state, err := stateManager.LoadEscalationState(ctx, tenantID)
	require.NoError(t, err)
	assert.Nil(t, state)

	saved := models.EmergencyState{
		Level:     3,
		Reason:    "person lying on the floor",
		Countdown: 10,
		UpdatedAt: time.Now().Unix(),
	}
	require.NoError(t, stateManager.SaveEscalationState(ctx, tenantID, saved))

	state, err = stateManager.LoadEscalationState(ctx, tenantID)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 3, state.Level)
	assert.Equal(t, "person lying on the floor", state.Reason)

	require.NoError(t, stateManager.DeleteEscalationState(ctx, tenantID))
	state, err = stateManager.LoadEscalationState(ctx, tenantID)
	require.NoError(t, err)
	assert.Nil(t, state)
}
