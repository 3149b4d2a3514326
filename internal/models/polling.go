package models

import (
	"fmt"
	"time"
)

// NetworkClass 网络状态分类
type NetworkClass string

const (
	NetworkOnline  NetworkClass = "online"
	NetworkOffline NetworkClass = "offline"
	NetworkSlow    NetworkClass = "slow"
)

// PollingContext 轮询上下文（派生数据，不持久化）
type PollingContext struct {
	BatteryLevel float64      // 电量 [0,1]
	Charging     bool         // 是否在充电
	Network      NetworkClass // 网络分类
	DataSaver    bool         // 省流量模式
	Now          time.Time    // 当前墙钟时间
}

// ScheduleAnchor 日程锚点（一天中的某个时刻，附带关键窗口）
type ScheduleAnchor struct {
	Label  string // 如 "morning_medication"
	Hour   int    // 0-23
	Minute int    // 0-59
}

// MinuteOfDay 锚点对应的一天内分钟数
func (a ScheduleAnchor) MinuteOfDay() int {
	return a.Hour*60 + a.Minute
}

// ParseAnchor 解析 "HH:MM" 或 "label@HH:MM" 格式的锚点
func ParseAnchor(s string) (ScheduleAnchor, error) {
	var a ScheduleAnchor
	timePart := s
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			a.Label = s[:i]
			timePart = s[i+1:]
			break
		}
	}
	if _, err := fmt.Sscanf(timePart, "%d:%d", &a.Hour, &a.Minute); err != nil {
		return a, fmt.Errorf("invalid anchor format: %s", s)
	}
	if a.Hour < 0 || a.Hour > 23 || a.Minute < 0 || a.Minute > 59 {
		return a, fmt.Errorf("anchor time out of range: %s", s)
	}
	return a, nil
}
