package escalation

import (
	"fmt"
	"sync"
	"time"

	"wisefido-guardian/internal/config"
	"wisefido-guardian/internal/models"

	"go.uber.org/zap"
)

// LoopControl 观察循环控制（由观察周期控制器实现）
type LoopControl interface {
	Stop()
	Resume()
}

// ActivityRecorder 用户活动记录（由调度器实现）
type ActivityRecorder interface {
	RecordActivity()
}

// Speaker 语音播报（单向发送，内部吞掉失败）
type Speaker interface {
	Speak(text string)
}

// VoiceInput 语音输入控制
type VoiceInput interface {
	StartListening()
	StopListening()
}

// ContactDispatcher 联系动作派发
type ContactDispatcher interface {
	Call(target string)
}

// EventSink 事件记录（单向发送）
type EventSink interface {
	AddEvent(event models.GuardianEvent)
}

// Machine 多级升级状态机
// 级别 0（无）→ 1（软性问候）→ 2（关注/护理人员倒计时）→ 3（危急/急救倒计时）。
// 级别单调递增：Escalate 对 level <= 当前级别是空操作，防止重复触发和降级覆盖；
// 只有 CancelEmergency 能回到 0
type Machine struct {
	config     *config.Config
	logger     *zap.Logger
	loop       LoopControl
	activity   ActivityRecorder
	speaker    Speaker
	voice      VoiceInput
	dispatcher ContactDispatcher
	events     EventSink

	mu            sync.Mutex
	level         int
	reason        string
	countdown     int
	countdownStop chan struct{}
	checkinTimer  *time.Timer
	voiceTimer    *time.Timer
	cues          *CueAccumulator
	notify        func(models.EmergencyState)

	// 倒计时步长（测试中缩短）
	tickInterval time.Duration
}

// NewMachine 创建升级状态机
// 观察循环控制器与状态机互相依赖，loop 通过 BindLoop 在装配阶段注入
func NewMachine(
	cfg *config.Config,
	activity ActivityRecorder,
	speaker Speaker,
	voice VoiceInput,
	dispatcher ContactDispatcher,
	events EventSink,
	logger *zap.Logger,
) *Machine {
	return &Machine{
		config:       cfg,
		logger:       logger,
		activity:     activity,
		speaker:      speaker,
		voice:        voice,
		dispatcher:   dispatcher,
		events:       events,
		cues:         NewCueAccumulator(time.Duration(cfg.Guardian.Escalation.CueWindowSec) * time.Second),
		tickInterval: time.Second,
	}
}

// BindLoop 注入观察循环控制器
func (m *Machine) BindLoop(loop LoopControl) {
	m.loop = loop
}

// SetNotifier 注册状态变更回调（用于状态镜像）
func (m *Machine) SetNotifier(fn func(models.EmergencyState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// Level 当前升级级别
func (m *Machine) Level() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Active 是否有活跃报警
func (m *Machine) Active() bool {
	return m.Level() > 0
}

// State 当前状态快照
func (m *Machine) State() models.EmergencyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Machine) stateLocked() models.EmergencyState {
	return models.EmergencyState{
		Level:     m.level,
		Reason:    m.reason,
		Countdown: m.countdown,
		Cues:      m.cues.Active(),
		UpdatedAt: time.Now().Unix(),
	}
}

// RecordCues 记录本周期观察到的线索模态（仅信息性，不参与升级门控）
func (m *Machine) RecordCues(cues []models.Cue) {
	for _, c := range cues {
		m.cues.Add(c)
	}
}

// Escalate 升级到指定级别
// level <= 当前级别时为空操作（保持原 reason 不变），返回 false
func (m *Machine) Escalate(level int, reason string) bool {
	if level < models.LevelCheckIn || level > models.LevelCritical {
		m.logger.Error("Invalid escalation level", zap.Int("level", level))
		return false
	}

	m.mu.Lock()
	if level <= m.level {
		current := m.level
		m.mu.Unlock()
		m.logger.Debug("Escalation ignored by monotonic guard",
			zap.Int("requested", level),
			zap.Int("current", current),
		)
		return false
	}

	m.level = level
	m.reason = reason
	m.clearTimersLocked()

	esc := m.config.Guardian.Escalation
	switch level {
	case models.LevelCheckIn:
		m.armCheckInLocked()
	case models.LevelConcern:
		m.startCountdownLocked(esc.CaregiverCountdown, esc.CaregiverTarget)
	case models.LevelCritical:
		m.startCountdownLocked(esc.EmergencyCountdown, esc.EmergencyTarget)
	}
	state := m.stateLocked()
	notify := m.notify
	m.mu.Unlock()

	// 升级后停止观察循环并记录活动
	if m.loop != nil {
		m.loop.Stop()
	}
	m.activity.RecordActivity()

	m.logger.Warn("Emergency escalated",
		zap.Int("level", level),
		zap.String("reason", reason),
	)
	m.events.AddEvent(models.GuardianEvent{
		EventType: models.EventAlert,
		Level:     level,
		Reason:    reason,
	})
	if level == models.LevelCheckIn {
		m.speaker.Speak("Hello, just checking in. Are you doing okay?")
	}
	if notify != nil {
		notify(state)
	}
	return true
}

// CancelEmergency 无条件取消报警：清除所有定时器，级别归零，恢复观察循环
func (m *Machine) CancelEmergency() {
	m.mu.Lock()
	previous := m.level
	m.clearTimersLocked()
	m.level = models.LevelNone
	m.reason = ""
	m.countdown = 0
	state := m.stateLocked()
	notify := m.notify
	m.mu.Unlock()

	m.logger.Info("Emergency cancelled",
		zap.Int("previous_level", previous),
	)
	m.voice.StopListening()
	if previous > models.LevelNone {
		m.events.AddEvent(models.GuardianEvent{
			EventType: models.EventCancel,
			Level:     previous,
		})
		if m.loop != nil {
			m.loop.Resume()
		}
	}
	if notify != nil {
		notify(state)
	}
}

// HandleGeofenceBreach 地理围栏越界触发
// 仅在级别 0 时升级一次；报警活跃期间重复越界不产生新的转移
func (m *Machine) HandleGeofenceBreach() {
	if m.Level() > models.LevelNone {
		m.logger.Debug("Geofence breach ignored, alert already active")
		return
	}
	m.Escalate(models.LevelCheckIn, "User left safe zone")
}

// HandleVoiceResponse 处理识别到的语音文本
// 级别 1 的肯定答复（"yes"/"okay"）显式取消问候报警
func (m *Machine) HandleVoiceResponse(text string) {
	m.activity.RecordActivity()

	switch ClassifyCommand(text) {
	case CommandAffirmative:
		if m.Level() == models.LevelCheckIn {
			m.logger.Info("Check-in acknowledged by voice response")
			m.CancelEmergency()
		}
	case CommandCancel:
		if m.Active() {
			m.CancelEmergency()
		}
	case CommandStatus:
		if state := m.State(); state.Level > models.LevelNone {
			m.speaker.Speak(fmt.Sprintf("There is an active alert: %s", state.Reason))
		} else {
			m.speaker.Speak("Everything looks fine right now.")
		}
	}
}

// Stop 停止状态机（服务关闭时调用）
func (m *Machine) Stop() {
	m.mu.Lock()
	m.clearTimersLocked()
	m.mu.Unlock()
	m.cues.Stop()
}

// armCheckInLocked 级别1 进入动作：延迟开启语音输入 + 自动取消定时器
func (m *Machine) armCheckInLocked() {
	esc := m.config.Guardian.Escalation

	m.voiceTimer = time.AfterFunc(time.Duration(esc.VoiceDelaySec)*time.Second, func() {
		if m.Level() == models.LevelCheckIn {
			m.voice.StartListening()
		}
	})

	m.checkinTimer = time.AfterFunc(time.Duration(esc.CheckInTimeoutSec)*time.Second, func() {
		if m.Level() != models.LevelCheckIn {
			return
		}
		m.logger.Info("Check-in unresolved, auto-cancelling")
		m.CancelEmergency()
	})
}

// startCountdownLocked 启动整数倒计时，归零时执行联系动作并停止
func (m *Machine) startCountdownLocked(seconds int, target string) {
	m.stopCountdownLocked()
	m.countdown = seconds
	stop := make(chan struct{})
	m.countdownStop = stop
	go m.runCountdown(stop, target)
}

// runCountdown 每秒递减一次；stop 通道的身份校验保证联系动作最多触发一次
func (m *Machine) runCountdown(stop chan struct{}, target string) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.countdownStop != stop {
				m.mu.Unlock()
				return
			}
			m.countdown--
			remaining := m.countdown
			if remaining > 0 {
				// 每次递减都推送状态，外部镜像才能看到实时剩余秒数
				state := m.stateLocked()
				notify := m.notify
				m.mu.Unlock()
				if notify != nil {
					notify(state)
				}
				continue
			}
			m.countdownStop = nil
			level := m.level
			reason := m.reason
			state := m.stateLocked()
			notify := m.notify
			m.mu.Unlock()

			if notify != nil {
				notify(state)
			}
			m.logger.Warn("Countdown reached zero, dispatching contact",
				zap.String("target", target),
				zap.Int("level", level),
			)
			m.dispatcher.Call(target)
			m.events.AddEvent(models.GuardianEvent{
				EventType: models.EventContact,
				Level:     level,
				Reason:    reason,
			})
			return
		}
	}
}

// clearTimersLocked 清除所有活跃定时器（替换前必须先清除，保证每个角色只有一个活跃句柄）
func (m *Machine) clearTimersLocked() {
	m.stopCountdownLocked()
	if m.checkinTimer != nil {
		m.checkinTimer.Stop()
		m.checkinTimer = nil
	}
	if m.voiceTimer != nil {
		m.voiceTimer.Stop()
		m.voiceTimer = nil
	}
}

func (m *Machine) stopCountdownLocked() {
	if m.countdownStop != nil {
		close(m.countdownStop)
		m.countdownStop = nil
	}
	m.countdown = 0
}
