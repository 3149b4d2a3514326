package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wisefido-guardian/internal/config"
	"wisefido-guardian/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CacheManager Redis 缓存管理器（用于监护服务）
// 镜像最新观察结果与报警状态供仪表盘侧读取；
// 同时读取采集服务写入的最新画面与音频片段
type CacheManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewCacheManager 创建缓存管理器
func NewCacheManager(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *CacheManager {
	return &CacheManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// observationKey 构建观察结果键
func (c *CacheManager) observationKey(tenantID string) string {
	return fmt.Sprintf("%s%s%s",
		c.config.Guardian.Cache.KeyPrefix,
		tenantID,
		c.config.Guardian.Cache.ObservationSuffix,
	)
}

// UpdateObservationCache 更新最新观察结果镜像
func (c *CacheManager) UpdateObservationCache(ctx context.Context, tenantID string, result *models.ObservationResult) error {
	key := c.observationKey(tenantID)

	// 序列化数据
	jsonData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal observation: %w", err)
	}

	// 写入 Redis（设置 TTL）
	err = c.redisClient.Set(
		ctx,
		key,
		jsonData,
		time.Duration(c.config.Guardian.Cache.ObservationTTL)*time.Second,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set observation cache: %w", err)
	}

	c.logger.Debug("Updated observation cache",
		zap.String("tenant_id", tenantID),
		zap.String("key", key),
		zap.String("emergency_level", string(result.EmergencyLevel)),
	)

	return nil
}

// GetObservation 读取最新观察结果镜像
func (c *CacheManager) GetObservation(ctx context.Context, tenantID string) (*models.ObservationResult, error) {
	key := c.observationKey(tenantID)

	val, err := c.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("observation not found for tenant: %s", tenantID)
		}
		return nil, fmt.Errorf("failed to get observation cache: %w", err)
	}

	var result models.ObservationResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal observation: %w", err)
	}

	return &result, nil
}

// alertKey 构建报警状态键
func (c *CacheManager) alertKey(tenantID string) string {
	return fmt.Sprintf("%s%s%s",
		c.config.Guardian.Cache.KeyPrefix,
		tenantID,
		c.config.Guardian.Cache.AlertSuffix,
	)
}

// UpdateAlertCache 更新报警状态镜像
func (c *CacheManager) UpdateAlertCache(ctx context.Context, tenantID string, state models.EmergencyState) error {
	key := c.alertKey(tenantID)

	jsonData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal alert state: %w", err)
	}

	err = c.redisClient.Set(
		ctx,
		key,
		jsonData,
		time.Duration(c.config.Guardian.Cache.AlertTTL)*time.Second,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to set alert cache: %w", err)
	}

	c.logger.Debug("Updated alert cache",
		zap.String("tenant_id", tenantID),
		zap.Int("level", state.Level),
	)

	return nil
}

// GetAlert 读取报警状态镜像
func (c *CacheManager) GetAlert(ctx context.Context, tenantID string) (*models.EmergencyState, error) {
	key := c.alertKey(tenantID)

	val, err := c.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("alert state not found for tenant: %s", tenantID)
		}
		return nil, fmt.Errorf("failed to get alert cache: %w", err)
	}

	var state models.EmergencyState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert state: %w", err)
	}

	return &state, nil
}

// GetFrame 读取采集服务写入的最新画面
// 键不存在表示摄像头当前没有可用画面
func (c *CacheManager) GetFrame(ctx context.Context, tenantID string) ([]byte, error) {
	key := fmt.Sprintf("%s%s%s",
		c.config.Guardian.Cache.KeyPrefix,
		tenantID,
		c.config.Guardian.Cache.FrameSuffix,
	)

	data, err := c.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("frame not available for tenant: %s", tenantID)
		}
		return nil, fmt.Errorf("failed to get frame: %w", err)
	}

	return data, nil
}

// GetAudioSegment 读取采集服务写入的最新音频片段
func (c *CacheManager) GetAudioSegment(ctx context.Context, tenantID string) ([]byte, error) {
	key := fmt.Sprintf("%s%s%s",
		c.config.Guardian.Cache.KeyPrefix,
		tenantID,
		c.config.Guardian.Cache.AudioSuffix,
	)

	data, err := c.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("audio segment not available for tenant: %s", tenantID)
		}
		return nil, fmt.Errorf("failed to get audio segment: %w", err)
	}

	return data, nil
}
