package monitor

import (
	"context"
	"sync"
	"time"

	"wisefido-guardian/internal/config"
	"wisefido-guardian/internal/inference"
	"wisefido-guardian/internal/models"
	"wisefido-guardian/internal/scheduler"

	"go.uber.org/zap"
)

// defaultCycleTimeout 单个观察周期的整体超时
const defaultCycleTimeout = 30 * time.Second

// Observer 推理网关抽象
type Observer interface {
	Observe(ctx context.Context, req inference.ObserveRequest) (*models.ObservationResult, error)
	Reason(ctx context.Context, frame []byte, contextText string, mode string) (string, error)
}

// SensorSource 传感采集协作方（画面与音频均可能缺失）
type SensorSource interface {
	CaptureFrame(ctx context.Context) ([]byte, string, error)
	CaptureAudioSegment(ctx context.Context) ([]byte, string, error)
	MotionScore() float64
}

// Environment 环境信号来源（电量、网络、空闲时长）
type Environment interface {
	PollingContext() models.PollingContext
}

// Escalator 升级状态机抽象
type Escalator interface {
	Escalate(level int, reason string) bool
	Active() bool
	RecordCues(cues []models.Cue)
}

// Speaker 语音输出（即发即忘）
type Speaker interface {
	Speak(text string)
}

// EventSink 事件落库
type EventSink interface {
	AddEvent(event models.GuardianEvent)
}

// StatusSink 最新观察结果镜像（失败由实现方内部吸收）
type StatusSink interface {
	StoreObservation(result *models.ObservationResult)
}

// Snapshot 观察循环的可观测状态
type Snapshot struct {
	Running      bool                      `json:"running"`
	Paused       bool                      `json:"paused"`
	PrivacyMode  bool                      `json:"privacy_mode"`
	IntervalMs   int64                     `json:"interval_ms"`
	Reasons      []string                  `json:"reasons"`
	LastResult   *models.ObservationResult `json:"last_result,omitempty"`
	CycleActive  bool                      `json:"cycle_active"`
}

// Controller 观察循环控制器
// 单发定时器驱动：到点运行一个周期（采集 → 推理 → 决策），
// 完成路径无条件重新排定下一次，单个周期的失败不会中断循环
type Controller struct {
	config    *config.Config
	logger    *zap.Logger
	scheduler *scheduler.Scheduler
	gateway   Observer
	sensors   SensorSource
	env       Environment
	escalator Escalator
	speaker   Speaker
	events    EventSink
	status    StatusSink

	mu           sync.Mutex
	running      bool
	paused       bool
	privacy      bool
	cycleActive  bool
	timer        *time.Timer
	lastResult   *models.ObservationResult
	lastInterval time.Duration
	lastReasons  []string

	cycleTimeout time.Duration
}

// NewController 创建观察循环控制器
func NewController(
	cfg *config.Config,
	sched *scheduler.Scheduler,
	gw Observer,
	sensors SensorSource,
	env Environment,
	escalator Escalator,
	speaker Speaker,
	events EventSink,
	status StatusSink,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		config:       cfg,
		logger:       logger,
		scheduler:    sched,
		gateway:      gw,
		sensors:      sensors,
		env:          env,
		escalator:    escalator,
		speaker:      speaker,
		events:       events,
		status:       status,
		cycleTimeout: defaultCycleTimeout,
	}
}

// Start 启动观察循环
// 仅在未运行、未暂停、非隐私模式且无活跃报警时生效
func (c *Controller) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return false
	}
	if c.paused || c.privacy || c.escalator.Active() {
		c.logger.Info("Monitoring loop not started",
			zap.Bool("paused", c.paused),
			zap.Bool("privacy_mode", c.privacy),
			zap.Bool("emergency_active", c.escalator.Active()),
		)
		return false
	}

	c.running = true
	c.scheduleLocked()
	c.logger.Info("Monitoring loop started",
		zap.Duration("interval", c.lastInterval),
	)
	return true
}

// Stop 停止观察循环：只清除待触发的定时器，进行中的周期允许完成
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.running = false
	c.stopTimerLocked()
	c.logger.Info("Monitoring loop stopped")
}

// Pause 暂停周期执行（心跳保持，周期跳过）
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	c.logger.Info("Monitoring loop paused")
}

// Resume 恢复观察循环（报警取消或用户恢复时调用）
func (c *Controller) Resume() {
	c.mu.Lock()
	c.paused = false
	running := c.running
	c.mu.Unlock()

	if !running {
		c.Start()
	}
}

// SetPrivacyMode 设置隐私模式；进入时记录事件，退出后循环自然恢复周期执行
func (c *Controller) SetPrivacyMode(enabled bool) {
	c.mu.Lock()
	if c.privacy == enabled {
		c.mu.Unlock()
		return
	}
	c.privacy = enabled
	c.mu.Unlock()

	c.logger.Info("Privacy mode changed", zap.Bool("enabled", enabled))
	if enabled {
		c.events.AddEvent(models.GuardianEvent{
			EventType: models.EventPrivacyZone,
		})
	}
}

// Running 循环是否在运行
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// TimerArmed 是否有待触发的定时器（用于状态观测）
func (c *Controller) TimerArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Status 当前状态快照
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Running:     c.running,
		Paused:      c.paused,
		PrivacyMode: c.privacy,
		IntervalMs:  c.lastInterval.Milliseconds(),
		Reasons:     append([]string(nil), c.lastReasons...),
		LastResult:  c.lastResult,
		CycleActive: c.cycleActive,
	}
}

// LastResult 最近一次观察结果（仅保留最新一条）
func (c *Controller) LastResult() *models.ObservationResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}

// scheduleLocked 向调度器询问下一个间隔并装载单发定时器
// 替换前必须先清除，保证循环定时器只有一个活跃句柄
func (c *Controller) scheduleLocked() {
	c.stopTimerLocked()

	interval, reasons := c.scheduler.NextInterval(c.env.PollingContext())
	c.lastInterval = interval
	c.lastReasons = reasons
	c.timer = time.AfterFunc(interval, c.onTimerFire)

	c.logger.Debug("Next observation cycle scheduled",
		zap.Duration("interval", interval),
		zap.Strings("reasons", reasons),
	)
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// onTimerFire 定时器触发：重新检查守卫条件
// 守卫不满足时跳过本周期但仍然重新排定（系统活跃期间心跳不停）
func (c *Controller) onTimerFire() {
	c.mu.Lock()
	c.timer = nil

	if !c.running {
		c.mu.Unlock()
		return
	}
	if c.paused || c.privacy || c.escalator.Active() {
		c.logger.Debug("Observation cycle skipped",
			zap.Bool("paused", c.paused),
			zap.Bool("privacy_mode", c.privacy),
			zap.Bool("emergency_active", c.escalator.Active()),
		)
		c.scheduleLocked()
		c.mu.Unlock()
		return
	}

	c.cycleActive = true
	c.mu.Unlock()

	c.runCycle()
}

// runCycle 执行一个观察周期：采集 → 推理 → 决策
// 完成清理无条件执行，任何失败都不会阻止下一次排定
func (c *Controller) runCycle() {
	defer c.completeCycle()

	ctx, cancel := context.WithTimeout(context.Background(), c.cycleTimeout)
	defer cancel()

	// 1. 采集：两种模态都可能缺失
	frame, frameMIME, frameErr := c.sensors.CaptureFrame(ctx)
	audio, audioMIME, audioErr := c.sensors.CaptureAudioSegment(ctx)

	if len(frame) == 0 && len(audio) == 0 {
		// 传感全部失效：报告健康退化并跳过本周期，不视为循环故障
		c.logger.Warn("All sensors unavailable, skipping cycle",
			zap.NamedError("frame_error", frameErr),
			zap.NamedError("audio_error", audioErr),
		)
		c.events.AddEvent(models.GuardianEvent{
			EventType: models.EventSensorDegraded,
			Reason:    "no frame or audio available",
		})
		return
	}

	// 2. 推理
	req := inference.ObserveRequest{
		Frame:       frame,
		FrameMIME:   frameMIME,
		Audio:       audio,
		AudioMIME:   audioMIME,
		MotionScore: c.sensors.MotionScore(),
	}
	result, err := c.gateway.Observe(ctx, req)
	if err != nil {
		c.logger.Error("Observation inference failed", zap.Error(err))
		return
	}

	// 3. 保存结果并镜像
	c.mu.Lock()
	c.lastResult = result
	c.mu.Unlock()
	if c.status != nil {
		c.status.StoreObservation(result)
	}
	c.escalator.RecordCues(result.Cues)

	// 离线规则分析替代了远程调用：记录降级事件
	if result.Source == "Fallback" {
		c.events.AddEvent(models.GuardianEvent{
			EventType:   models.EventFallback,
			Reason:      "remote inference unavailable",
			Observation: result.Observation,
		})
	}

	c.logger.Info("Observation cycle completed",
		zap.Bool("needs_assistance", result.NeedsAssistance),
		zap.String("emergency_level", string(result.EmergencyLevel)),
		zap.Float64("confidence", result.Confidence),
		zap.Bool("visual_cue", result.HasCue(models.CueVisual)),
		zap.Bool("audio_cue", result.HasCue(models.CueAudio)),
		zap.String("source", result.Source),
	)

	// 4. 决策
	c.decide(ctx, result, frame)
}

// completeCycle 周期完成清理：循环仍在运行时无条件重新排定
func (c *Controller) completeCycle() {
	if r := recover(); r != nil {
		c.logger.Error("Observation cycle panicked", zap.Any("panic", r))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycleActive = false
	if c.running && c.timer == nil {
		c.scheduleLocked()
	}
}

// decide 对新观察结果应用决策规则
func (c *Controller) decide(ctx context.Context, result *models.ObservationResult, frame []byte) {
	// 隐私区域：进入隐私模式，不做任何升级动作
	if result.IsPrivacyZone {
		c.mu.Lock()
		already := c.privacy
		c.mu.Unlock()
		if !already {
			c.logger.Info("Privacy zone detected, entering privacy mode",
				zap.String("location", result.DetectedLocation),
			)
			c.SetPrivacyMode(true)
		}
		return
	}

	if !result.NeedsAssistance || result.Confidence <= c.config.Guardian.Escalation.ConfidenceThreshold {
		return
	}

	switch result.EmergencyLevel {
	case models.EmergencyCritical:
		c.escalator.Escalate(models.LevelCritical, result.Observation)
	case models.EmergencySoft:
		c.escalator.Escalate(models.LevelCheckIn, result.Observation)
	default:
		// 需要协助但不构成紧急情况：生成一句关怀提示
		text, err := c.gateway.Reason(ctx, frame, result.Observation, "nudge")
		if err != nil {
			c.logger.Warn("Nudge generation failed", zap.Error(err))
			return
		}
		c.speaker.Speak(text)
		c.events.AddEvent(models.GuardianEvent{
			EventType:   models.EventNudge,
			Reason:      result.Observation,
			Observation: text,
		})
	}
}
