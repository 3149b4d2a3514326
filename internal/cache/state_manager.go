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

// StateManager 升级状态管理器
// 持久化升级状态机的当前级别，使仪表盘侧和重启后的代理都能看到活跃报警
type StateManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewStateManager 创建状态管理器
func NewStateManager(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *StateManager {
	return &StateManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// GetStateKey 构建升级状态键
func (s *StateManager) GetStateKey(tenantID string) string {
	return fmt.Sprintf("%s%s",
		s.config.Guardian.Cache.StateKeyPrefix,
		tenantID,
	)
}

// SaveEscalationState 保存升级状态快照
func (s *StateManager) SaveEscalationState(ctx context.Context, tenantID string, state models.EmergencyState) error {
	jsonData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation state: %w", err)
	}

	ttl := time.Duration(s.config.Guardian.Cache.AlertTTL) * time.Second
	err = s.redisClient.Set(ctx, s.GetStateKey(tenantID), jsonData, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to save escalation state: %w", err)
	}

	return nil
}

// LoadEscalationState 读取升级状态快照
// 键不存在时返回 nil 状态（无活跃报警）
func (s *StateManager) LoadEscalationState(ctx context.Context, tenantID string) (*models.EmergencyState, error) {
	val, err := s.redisClient.Get(ctx, s.GetStateKey(tenantID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load escalation state: %w", err)
	}

	var state models.EmergencyState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal escalation state: %w", err)
	}

	return &state, nil
}

// DeleteEscalationState 删除升级状态（报警取消时调用）
func (s *StateManager) DeleteEscalationState(ctx context.Context, tenantID string) error {
	err := s.redisClient.Del(ctx, s.GetStateKey(tenantID)).Err()
	if err != nil {
		return fmt.Errorf("failed to delete escalation state: %w", err)
	}

	s.logger.Debug("Deleted escalation state",
		zap.String("tenant_id", tenantID),
	)
	return nil
}
