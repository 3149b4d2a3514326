package gateway

import (
	"fmt"
	"time"

	"wisefido-guardian/internal/config"
	"wisefido-guardian/internal/models"

	"go.uber.org/zap"
)

// FallbackAnalyzer 离线规则分析器
// 远程模型不可用时的保守替代：只依据日程锚点邻近度和运动分给出判断。
// 约束：无法与远程模型相互印证，因此紧急程度恒为 none，不授权 SOFT 以上的升级
type FallbackAnalyzer struct {
	config *config.Config
	logger *zap.Logger

	// 可注入的时钟（测试用）
	now func() time.Time
}

// NewFallbackAnalyzer 创建离线规则分析器
func NewFallbackAnalyzer(cfg *config.Config, logger *zap.Logger) *FallbackAnalyzer {
	return &FallbackAnalyzer{
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Analyze 本地规则分析
// 当前时间临近日程锚点 → 以中等置信度标记需要关注；
// 高运动分 → 进一步提升置信度
func (f *FallbackAnalyzer) Analyze(motionScore float64) *models.ObservationResult {
	now := f.now()
	result := &models.ObservationResult{
		EmergencyLevel: models.EmergencyNone,
		Observation:    "Offline heuristic: no remote observation available",
		Source:         "Fallback",
		Timestamp:      now.Unix(),
	}

	if anchor, ok := f.nearAnchor(now); ok {
		result.NeedsAssistance = true
		result.Confidence = 0.5
		result.Observation = fmt.Sprintf(
			"Offline heuristic: near scheduled event %s, a check-in may be helpful", anchorLabel(anchor))
	}

	if motionScore >= f.config.Guardian.Gateway.HighMotionThreshold {
		result.Confidence += 0.25
		if result.Confidence > 1 {
			result.Confidence = 1
		}
	}

	return result
}

// nearAnchor 当前时间是否在任一锚点的关键窗口内
func (f *FallbackAnalyzer) nearAnchor(now time.Time) (models.ScheduleAnchor, bool) {
	nowMin := now.Hour()*60 + now.Minute()
	for _, a := range f.config.Guardian.Anchors {
		diff := nowMin - a.MinuteOfDay()
		if diff < 0 {
			diff = -diff
		}
		if wrap := 1440 - diff; wrap < diff {
			diff = wrap
		}
		if diff <= f.config.Guardian.Scheduler.AnchorWindowMin {
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
