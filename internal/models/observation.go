package models

// EmergencyLevel 远程模型给出的紧急程度
type EmergencyLevel string

const (
	EmergencyNone     EmergencyLevel = "none"
	EmergencySoft     EmergencyLevel = "soft"
	EmergencyCritical EmergencyLevel = "critical"
)

// Cue 线索模态标签（visual / audio）
type Cue string

const (
	CueVisual Cue = "visual"
	CueAudio  Cue = "audio"
)

// ObservationResult 一次观察周期的推理结果（只保留最新一份，不保留历史）
type ObservationResult struct {
	NeedsAssistance  bool           `json:"needs_assistance"`
	EmergencyLevel   EmergencyLevel `json:"emergency_level"`
	Cues             []Cue          `json:"cues"`
	Confidence       float64        `json:"confidence"` // [0,1]
	Observation      string         `json:"observation"`
	DetectedLocation string         `json:"detected_location"`
	IsPrivacyZone    bool           `json:"is_privacy_zone"`
	Source           string         `json:"source"`    // "Gemini" 或 "Fallback"
	Timestamp        int64          `json:"timestamp"` // Unix 时间戳
}

// HasCue 检查结果中是否包含指定模态的线索
func (r *ObservationResult) HasCue(cue Cue) bool {
	for _, c := range r.Cues {
		if c == cue {
			return true
		}
	}
	return false
}
