package models

import (
	"time"
)

// 升级级别（单调递增，只能通过显式取消回到 0）
const (
	LevelNone     = 0 // 无报警
	LevelCheckIn  = 1 // 软性问候（check-in）
	LevelConcern  = 2 // 关注：护理人员倒计时
	LevelCritical = 3 // 危急：急救倒计时
)

// EmergencyState 升级状态快照（用于状态镜像和对外查询）
type EmergencyState struct {
	Level     int    `json:"level"`
	Reason    string `json:"reason"`
	Countdown int    `json:"countdown"` // 剩余秒数，0 表示无倒计时
	Cues      []Cue  `json:"cues,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// GuardianEvent 监护事件（对应 guardian_events 表）
type GuardianEvent struct {
	EventID     string    `json:"event_id" db:"event_id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	EventType   string    `json:"event_type" db:"event_type"`
	Level       int       `json:"level" db:"level"`
	Reason      string    `json:"reason" db:"reason"`
	Observation string    `json:"observation" db:"observation"` // 观察文本快照
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// 事件类型
const (
	EventAlert          = "Alert"          // 升级触发
	EventCancel         = "AlertCancelled" // 报警取消
	EventContact        = "ContactDispatched"
	EventNudge          = "Nudge"            // 关怀提示
	EventFallback       = "FallbackAnalysis" // 离线规则分析激活
	EventSensorDegraded = "SensorDegraded"   // 传感器健康降级
	EventPrivacyZone    = "PrivacyZone"      // 进入隐私区域
)
