package service

import (
	"context"
	"fmt"
	"time"

	"wisefido-guardian/internal/cache"
	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/repository"
	"wisefido-guardian/internal/signals"

	"go.uber.org/zap"
)

// sideEffectTimeout 即发即忘副作用（事件落库、状态镜像）的超时
const sideEffectTimeout = 5 * time.Second

// eventRecorder 事件落库适配器
// 升级状态机和观察循环以即发即忘方式写事件，失败只记录不传播
type eventRecorder struct {
	repo     *repository.GuardianEventsRepository
	tenantID string
	logger   *zap.Logger
}

func (e *eventRecorder) AddEvent(event models.GuardianEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	if err := e.repo.AddEvent(ctx, e.tenantID, &event); err != nil {
		e.logger.Error("Failed to record guardian event",
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
	}
}

// sensorSource 传感采集适配器
// 画面与音频由采集服务写入 Redis，运动评分来自信号枢纽；
// 健康标志为不可用的模态直接视为缺失
type sensorSource struct {
	cache    *cache.CacheManager
	hub      *signals.Hub
	tenantID string
}

func (s *sensorSource) CaptureFrame(ctx context.Context) ([]byte, string, error) {
	cameraOK, _ := s.hub.SensorHealth()
	if !cameraOK {
		return nil, "", fmt.Errorf("camera reported unhealthy")
	}

	frame, err := s.cache.GetFrame(ctx, s.tenantID)
	if err != nil {
		return nil, "", err
	}
	return frame, "image/jpeg", nil
}

func (s *sensorSource) CaptureAudioSegment(ctx context.Context) ([]byte, string, error) {
	_, micOK := s.hub.SensorHealth()
	if !micOK {
		return nil, "", fmt.Errorf("microphone reported unhealthy")
	}

	audio, err := s.cache.GetAudioSegment(ctx, s.tenantID)
	if err != nil {
		return nil, "", err
	}
	return audio, "audio/wav", nil
}

func (s *sensorSource) MotionScore() float64 {
	return s.hub.MotionScore()
}

// observationMirror 观察结果镜像适配器
type observationMirror struct {
	cache    *cache.CacheManager
	tenantID string
	logger   *zap.Logger
}

func (m *observationMirror) StoreObservation(result *models.ObservationResult) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	if err := m.cache.UpdateObservationCache(ctx, m.tenantID, result); err != nil {
		m.logger.Error("Failed to mirror observation", zap.Error(err))
	}
}
