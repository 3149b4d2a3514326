package scheduler

import (
	"fmt"
	"sync"
	"time"

	"wisefido-guardian/internal/config"
	"wisefido-guardian/internal/models"

	"go.uber.org/zap"
)

// Scheduler 自适应轮询调度器
// 根据日程锚点、空闲时长、电量和网络状态计算下一次轮询间隔
type Scheduler struct {
	config *config.Config
	logger *zap.Logger

	mu           sync.Mutex
	lastActivity time.Time

	// 可注入的时钟（测试用）
	now func() time.Time
}

// NewScheduler 创建调度器
func NewScheduler(cfg *config.Config, logger *zap.Logger) *Scheduler {
	s := &Scheduler{
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
	s.lastActivity = s.now()
	return s
}

// RecordActivity 记录用户活动，重置空闲时钟
// 语音交互、用户反馈、紧急触发等都会调用
func (s *Scheduler) RecordActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
}

// IdleDuration 距最后一次用户活动的时长
func (s *Scheduler) IdleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastActivity)
}

// NextInterval 计算下一次轮询间隔与原因列表
// 关键窗口 > 空闲退避；电量/网络/省流量为独立乘法惩罚；最终钳制在 [Min, Max]
func (s *Scheduler) NextInterval(pc models.PollingContext) (time.Duration, []string) {
	sc := s.config.Guardian.Scheduler

	// 1. 关键窗口优先：直接使用快速常量，跳过空闲退避和惩罚
	if anchor, ok := s.activeAnchor(pc.Now); ok {
		interval := clampMs(sc.CriticalIntervalMs, sc.MinIntervalMs, sc.MaxIntervalMs)
		reasons := []string{fmt.Sprintf("critical_window:%s", anchorLabel(anchor))}
		s.logger.Debug("Critical window active",
			zap.String("anchor", anchorLabel(anchor)),
			zap.Int("interval_ms", interval),
		)
		return time.Duration(interval) * time.Millisecond, reasons
	}

	intervalMs := sc.BaseIntervalMs
	reasons := []string{"base"}

	// 2. 空闲退避：线性递增，封顶
	idleMinutes := int(s.IdleDuration().Minutes())
	if sc.IdleStepMinutes > 0 {
		backoff := (idleMinutes / sc.IdleStepMinutes) * sc.IdleStepMs
		if backoff > sc.IdleMaxBackoffMs {
			backoff = sc.IdleMaxBackoffMs
		}
		if backoff > 0 {
			intervalMs += backoff
			reasons = append(reasons, fmt.Sprintf("idle_backoff:%dmin", idleMinutes))
		}
	}

	// 3. 独立乘法惩罚（可叠加）
	scaled := float64(intervalMs)
	if pc.BatteryLevel < sc.LowBatteryLevel && !pc.Charging {
		scaled *= 2
		reasons = append(reasons, "battery_low")
	}
	if pc.Network == models.NetworkSlow {
		scaled *= 1.5
		reasons = append(reasons, "network_slow")
	}
	if pc.DataSaver {
		scaled *= 1.5
		reasons = append(reasons, "data_saver")
	}
	intervalMs = int(scaled)

	// 4. 钳制
	clamped := clampMs(intervalMs, sc.MinIntervalMs, sc.MaxIntervalMs)
	if clamped != intervalMs {
		reasons = append(reasons, "clamped")
	}

	return time.Duration(clamped) * time.Millisecond, reasons
}

// activeAnchor 检查当前时间是否落在任一锚点的关键窗口内（±AnchorWindowMin 分钟，跨午夜取最短距离）
func (s *Scheduler) activeAnchor(now time.Time) (models.ScheduleAnchor, bool) {
	nowMin := now.Hour()*60 + now.Minute()
	for _, a := range s.config.Guardian.Anchors {
		diff := nowMin - a.MinuteOfDay()
		if diff < 0 {
			diff = -diff
		}
		if wrap := 1440 - diff; wrap < diff {
			diff = wrap
		}
		if diff <= s.config.Guardian.Scheduler.AnchorWindowMin {
			return a, true
		}
	}
	return models.ScheduleAnchor{}, false
}

func anchorLabel(a models.ScheduleAnchor) string {
	if a.Label != "" {
		return a.Label
	}
	return fmt.Sprintf("%02d:%02d", a.Hour, a.Minute)
}

func clampMs(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
