package service

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-guardian/internal/cache"
	"wisefido-guardian/internal/config"
	"wisefido-guardian/internal/escalation"
	"wisefido-guardian/internal/gateway"
	"wisefido-guardian/internal/inference"
	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/monitor"
	"wisefido-guardian/internal/repository"
	"wisefido-guardian/internal/scheduler"
	"wisefido-guardian/internal/signals"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// GuardianService 监护服务（整合各层）
type GuardianService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *signals.Client
	logger      *zap.Logger
	tenantID    string

	// 各层组件
	cacheManager *cache.CacheManager
	stateManager *cache.StateManager
	eventsRepo   *repository.GuardianEventsRepository
	hub          *signals.Hub
	scheduler    *scheduler.Scheduler
	gateway      *gateway.Gateway
	machine      *escalation.Machine
	controller   *monitor.Controller
}

// NewGuardianService 创建监护服务
func NewGuardianService(ctx context.Context, cfg *config.Config, logger *zap.Logger, tenantID string) (*GuardianService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 测试数据库连接
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// 测试 Redis 连接
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT
	mqttClient, err := signals.NewClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect mqtt: %w", err)
	}

	// 4. 创建 Repository / Cache 层
	eventsRepo := repository.NewGuardianEventsRepository(db, logger)
	cacheManager := cache.NewCacheManager(cfg, redisClient, logger)
	stateManager := cache.NewStateManager(cfg, redisClient, logger)

	// 5. 创建信号枢纽和调度器
	hub := signals.NewHub(cfg, mqttClient, tenantID, logger)
	sched := scheduler.NewScheduler(cfg, logger)

	// 6. 创建推理客户端和网关
	geminiClient, err := inference.NewGeminiClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create inference client: %w", err)
	}
	fallback := gateway.NewFallbackAnalyzer(cfg, logger)
	gw := gateway.NewGateway(cfg, geminiClient, fallback, hub.Online, logger)

	// 7. 创建升级状态机和观察循环控制器
	events := &eventRecorder{repo: eventsRepo, tenantID: tenantID, logger: logger}
	machine := escalation.NewMachine(cfg, sched, hub, hub, hub, events, logger)

	sensors := &sensorSource{cache: cacheManager, hub: hub, tenantID: tenantID}
	mirror := &observationMirror{cache: cacheManager, tenantID: tenantID, logger: logger}
	controller := monitor.NewController(
		cfg, sched, gw, sensors, hub,
		machine, hub, events, mirror, logger,
	)

	svc := &GuardianService{
		config:       cfg,
		db:           db,
		redisClient:  redisClient,
		mqttClient:   mqttClient,
		logger:       logger,
		tenantID:     tenantID,
		cacheManager: cacheManager,
		stateManager: stateManager,
		eventsRepo:   eventsRepo,
		hub:          hub,
		scheduler:    sched,
		gateway:      gw,
		machine:      machine,
		controller:   controller,
	}

	// 8. 装配交叉引用
	machine.BindLoop(controller)
	machine.SetNotifier(svc.mirrorEmergencyState)

	hub.OnActivity(sched.RecordActivity)
	hub.OnGeofenceBreach(machine.HandleGeofenceBreach)
	hub.OnVoiceText(machine.HandleVoiceResponse)
	hub.OnConnectivityRestored(gw.NotifyConnectivityRestored)
	hub.OnCommand(svc.handleCommand)

	return svc, nil
}

// Start 启动服务：订阅信号、恢复升级状态、启动观察循环，阻塞至上下文取消
func (s *GuardianService) Start(ctx context.Context) error {
	s.logger.Info("Starting guardian service",
		zap.String("tenant_id", s.tenantID),
	)

	if err := s.hub.Start(); err != nil {
		return fmt.Errorf("failed to start signal hub: %w", err)
	}

	s.restoreEscalationState(ctx)

	if !s.machine.Active() {
		s.controller.Start()
	}

	<-ctx.Done()

	// 关闭顺序：先停循环和状态机，再停网关和信号
	s.controller.Stop()
	s.machine.Stop()
	s.gateway.Stop()
	if err := s.hub.Stop(); err != nil {
		s.logger.Error("Failed to stop signal hub", zap.Error(err))
	}
	return nil
}

// Stop 停止服务
func (s *GuardianService) Stop() error {
	s.logger.Info("Stopping guardian service")

	s.mqttClient.Disconnect()

	// 关闭数据库连接
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	// 关闭 Redis 连接
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}

// restoreEscalationState 重启后恢复活跃报警
// 未完成的升级协议继续执行，而不是静默回到级别 0
func (s *GuardianService) restoreEscalationState(ctx context.Context) {
	state, err := s.stateManager.LoadEscalationState(ctx, s.tenantID)
	if err != nil {
		s.logger.Error("Failed to load escalation state", zap.Error(err))
		return
	}
	if state == nil || state.Level == models.LevelNone {
		return
	}

	s.logger.Warn("Restoring active emergency from previous run",
		zap.Int("level", state.Level),
		zap.String("reason", state.Reason),
	)
	s.machine.Escalate(state.Level, state.Reason)
}

// mirrorEmergencyState 升级状态变更镜像到 Redis
func (s *GuardianService) mirrorEmergencyState(state models.EmergencyState) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	if err := s.cacheManager.UpdateAlertCache(ctx, s.tenantID, state); err != nil {
		s.logger.Error("Failed to mirror alert state", zap.Error(err))
	}

	if state.Level == models.LevelNone {
		if err := s.stateManager.DeleteEscalationState(ctx, s.tenantID); err != nil {
			s.logger.Error("Failed to delete escalation state", zap.Error(err))
		}
		return
	}
	if err := s.stateManager.SaveEscalationState(ctx, s.tenantID, state); err != nil {
		s.logger.Error("Failed to save escalation state", zap.Error(err))
	}
}

// handleCommand 处理宿主控制命令
func (s *GuardianService) handleCommand(action string) {
	switch action {
	case "start":
		s.controller.Start()
	case "stop":
		s.controller.Stop()
	case "pause":
		s.controller.Pause()
	case "resume":
		s.controller.Resume()
	case "cancel":
		s.machine.CancelEmergency()
	default:
		s.logger.Warn("Unknown host command", zap.String("action", action))
	}
}

// buildDSN 构建数据库连接字符串
func buildDSN(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Database,
		cfg.Database.SSLMode,
	)
}
