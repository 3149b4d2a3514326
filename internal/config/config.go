package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wisefido-guardian/internal/models"
)

// Config 监护服务配置
type Config struct {
	Database struct {
		Host     string
		Port     int
		User     string
		Password string
		Database string
		SSLMode  string
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}

	MQTT struct {
		Broker   string
		ClientID string
		Username string
		Password string
		QoS      byte
	}

	Gemini struct {
		APIKey string
		Model  string
	}

	// 监护服务特定配置
	Guardian struct {
		// Redis 缓存配置
		Cache struct {
			KeyPrefix         string // 缓存键前缀，如 "vital-focus:guardian:"
			ObservationSuffix string // 最新观察结果后缀，如 ":observation"
			AlertSuffix       string // 报警状态后缀，如 ":alert"
			FrameSuffix       string // 最新画面后缀，如 ":frame"
			AudioSuffix       string // 最新音频片段后缀，如 ":audio"
			ObservationTTL    int    // 观察结果 TTL（秒），默认 120
			AlertTTL          int    // 报警状态 TTL（秒），默认 86400
			StateKeyPrefix    string // 升级状态键前缀，如 "guardian:state:"
		}

		// 轮询调度配置
		Scheduler struct {
			BaseIntervalMs     int     // 基础轮询间隔（毫秒），默认 8000
			MinIntervalMs      int     // 最小间隔，默认 3000
			MaxIntervalMs      int     // 最大间隔，默认 60000
			CriticalIntervalMs int     // 关键窗口间隔，默认 3000
			AnchorWindowMin    int     // 锚点关键窗口（±分钟），默认 30
			IdleStepMs         int     // 每个空闲步长增加的退避（毫秒），默认 5000
			IdleStepMinutes    int     // 退避步长对应的空闲分钟数，默认 5
			IdleMaxBackoffMs   int     // 空闲退避上限，默认 22000
			LowBatteryLevel    float64 // 低电量阈值 [0,1]，默认 0.2
		}

		// 推理网关配置
		Gateway struct {
			MaxConcurrent       int     // 并发上限，默认 2
			BackoffWindowSec    int     // 限流退避窗口（秒），默认 30
			TaskTTLSec          int     // 队列任务过期时间（秒），默认 300
			CacheTTLMs          int     // 静态场景结果缓存 TTL（毫秒），默认 60000
			LowMotionThreshold  float64 // 低运动阈值（低于则可用缓存），默认 5
			HighMotionThreshold float64 // 高运动阈值（离线分析提升置信度），默认 30
		}

		// 升级协议配置
		Escalation struct {
			ConfidenceThreshold float64 // 触发决策的置信度阈值，默认 0.6
			CheckInTimeoutSec   int     // 级别1 自动取消超时（秒），默认 60
			VoiceDelaySec       int     // 级别1 重新开启语音输入的延迟（秒），默认 5
			CaregiverCountdown  int     // 级别2 倒计时（秒），默认 15
			EmergencyCountdown  int     // 级别3 倒计时（秒），默认 10
			CaregiverTarget     string  // 护理人员联系目标
			EmergencyTarget     string  // 急救联系目标
			CueWindowSec        int     // 线索滚动窗口（秒），默认 30
		}

		// 日程锚点（如 "morning_medication@08:00,lunch@12:30"）
		Anchors []models.ScheduleAnchor
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "owlrd")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-guardian")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.Gemini.APIKey = getEnv("GEMINI_API_KEY", "")
	cfg.Gemini.Model = getEnv("GEMINI_MODEL", "gemini-2.0-flash")

	// 缓存配置
	cfg.Guardian.Cache.KeyPrefix = getEnv("CACHE_GUARDIAN_PREFIX", "vital-focus:guardian:")
	cfg.Guardian.Cache.ObservationSuffix = ":observation"
	cfg.Guardian.Cache.AlertSuffix = ":alert"
	cfg.Guardian.Cache.FrameSuffix = ":frame"
	cfg.Guardian.Cache.AudioSuffix = ":audio"
	cfg.Guardian.Cache.ObservationTTL = 120
	cfg.Guardian.Cache.AlertTTL = 86400
	cfg.Guardian.Cache.StateKeyPrefix = getEnv("CACHE_STATE_PREFIX", "guardian:state:")

	// 调度配置
	cfg.Guardian.Scheduler.BaseIntervalMs = getEnvInt("SCHED_BASE_MS", 8000)
	cfg.Guardian.Scheduler.MinIntervalMs = getEnvInt("SCHED_MIN_MS", 3000)
	cfg.Guardian.Scheduler.MaxIntervalMs = getEnvInt("SCHED_MAX_MS", 60000)
	cfg.Guardian.Scheduler.CriticalIntervalMs = getEnvInt("SCHED_CRITICAL_MS", 3000)
	cfg.Guardian.Scheduler.AnchorWindowMin = getEnvInt("SCHED_ANCHOR_WINDOW_MIN", 30)
	cfg.Guardian.Scheduler.IdleStepMs = 5000
	cfg.Guardian.Scheduler.IdleStepMinutes = 5
	cfg.Guardian.Scheduler.IdleMaxBackoffMs = 22000
	cfg.Guardian.Scheduler.LowBatteryLevel = getEnvFloat("SCHED_LOW_BATTERY", 0.2)

	// 网关配置
	cfg.Guardian.Gateway.MaxConcurrent = getEnvInt("GATEWAY_MAX_CONCURRENT", 2)
	cfg.Guardian.Gateway.BackoffWindowSec = getEnvInt("GATEWAY_BACKOFF_SEC", 30)
	cfg.Guardian.Gateway.TaskTTLSec = 300
	cfg.Guardian.Gateway.CacheTTLMs = 60000
	cfg.Guardian.Gateway.LowMotionThreshold = 5
	cfg.Guardian.Gateway.HighMotionThreshold = 30

	// 升级协议配置
	cfg.Guardian.Escalation.ConfidenceThreshold = getEnvFloat("ESCALATION_CONFIDENCE", 0.6)
	cfg.Guardian.Escalation.CheckInTimeoutSec = getEnvInt("ESCALATION_CHECKIN_TIMEOUT_SEC", 60)
	cfg.Guardian.Escalation.VoiceDelaySec = 5
	cfg.Guardian.Escalation.CaregiverCountdown = getEnvInt("ESCALATION_CAREGIVER_COUNTDOWN", 15)
	cfg.Guardian.Escalation.EmergencyCountdown = getEnvInt("ESCALATION_EMERGENCY_COUNTDOWN", 10)
	cfg.Guardian.Escalation.CaregiverTarget = getEnv("ESCALATION_CAREGIVER_TARGET", "caregiver")
	cfg.Guardian.Escalation.EmergencyTarget = getEnv("ESCALATION_EMERGENCY_TARGET", "emergency-services")
	cfg.Guardian.Escalation.CueWindowSec = 30

	// 日程锚点
	anchors, err := parseAnchors(getEnv("GUARDIAN_ANCHORS", ""))
	if err != nil {
		return nil, err
	}
	cfg.Guardian.Anchors = anchors

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

// BackoffWindow 限流退避窗口
func (c *Config) BackoffWindow() time.Duration {
	return time.Duration(c.Guardian.Gateway.BackoffWindowSec) * time.Second
}

// TaskTTL 队列任务过期时间
func (c *Config) TaskTTL() time.Duration {
	return time.Duration(c.Guardian.Gateway.TaskTTLSec) * time.Second
}

// CacheTTL 静态场景结果缓存 TTL
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Guardian.Gateway.CacheTTLMs) * time.Millisecond
}

// parseAnchors 解析逗号分隔的锚点列表
func parseAnchors(s string) ([]models.ScheduleAnchor, error) {
	if s == "" {
		return nil, nil
	}
	var anchors []models.ScheduleAnchor
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, err := models.ParseAnchor(part)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GUARDIAN_ANCHORS: %w", err)
		}
		anchors = append(anchors, a)
	}
	return anchors, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
