package signals

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"wisefido-guardian/internal/config"
	"wisefido-guardian/internal/models"

	"go.uber.org/zap"
)

// topicRoot 监护主题树根
const topicRoot = "guardian"

// mqttConn Hub 依赖的最小 MQTT 接口
type mqttConn interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Unsubscribe(topics ...string) error
	IsConnected() bool
}

// batteryMessage 电量消息
type batteryMessage struct {
	Level    float64 `json:"level"`
	Charging bool    `json:"charging"`
}

// networkMessage 网络状态消息
type networkMessage struct {
	Class     string `json:"class"`
	DataSaver bool   `json:"data_saver"`
}

// motionMessage 运动评分消息
type motionMessage struct {
	Score float64 `json:"score"`
}

// geofenceMessage 地理围栏消息
type geofenceMessage struct {
	Breached bool `json:"breached"`
}

// healthMessage 摄像头/麦克风健康消息
type healthMessage struct {
	Camera     bool `json:"camera"`
	Microphone bool `json:"microphone"`
}

// voiceMessage 语音识别文本消息
type voiceMessage struct {
	Text string `json:"text"`
}

// commandMessage 宿主控制命令消息
type commandMessage struct {
	Action string `json:"action"`
}

// speakMessage 出站语音请求
type speakMessage struct {
	Text string `json:"text"`
}

// contactMessage 出站联系请求
type contactMessage struct {
	Target string `json:"target"`
}

// listenMessage 出站语音输入开关
type listenMessage struct {
	Enabled bool `json:"enabled"`
}

// Hub MQTT 信号枢纽
// 订阅监护主题树（电量、网络、运动、活动、围栏、传感健康、语音文本、命令），
// 维护最新的环境快照；出站方向发布语音、联系和语音输入开关请求。
// 处理函数内的错误只记录不传播
type Hub struct {
	config   *config.Config
	conn     mqttConn
	logger   *zap.Logger
	tenantID string

	mu        sync.Mutex
	battery   float64
	charging  bool
	network   models.NetworkClass
	dataSaver bool
	motion    float64
	cameraOK  bool
	micOK     bool

	// 回调在装配阶段注册，消息到达时在 MQTT 处理协程中调用
	onActivity             func()
	onGeofenceBreach       func()
	onVoiceText            func(text string)
	onConnectivityRestored func()
	onCommand              func(action string)
}

// NewHub 创建信号枢纽
func NewHub(cfg *config.Config, conn mqttConn, tenantID string, logger *zap.Logger) *Hub {
	return &Hub{
		config:   cfg,
		conn:     conn,
		logger:   logger,
		tenantID: tenantID,
		battery:  1.0,
		network:  models.NetworkOnline,
		cameraOK: true,
		micOK:    true,
	}
}

// OnActivity 注册用户活动回调
func (h *Hub) OnActivity(fn func()) { h.onActivity = fn }

// OnGeofenceBreach 注册围栏越界回调
func (h *Hub) OnGeofenceBreach(fn func()) { h.onGeofenceBreach = fn }

// OnVoiceText 注册语音识别文本回调
func (h *Hub) OnVoiceText(fn func(text string)) { h.onVoiceText = fn }

// OnConnectivityRestored 注册网络恢复回调
func (h *Hub) OnConnectivityRestored(fn func()) { h.onConnectivityRestored = fn }

// OnCommand 注册宿主命令回调（start/stop/pause/resume/cancel）
func (h *Hub) OnCommand(fn func(action string)) { h.onCommand = fn }

// topic 构建租户主题
func (h *Hub) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", topicRoot, h.tenantID, suffix)
}

// Start 订阅全部入站主题
func (h *Hub) Start() error {
	qos := h.config.MQTT.QoS

	subscriptions := map[string]MessageHandler{
		h.topic("battery"):  h.handleBattery,
		h.topic("network"):  h.handleNetwork,
		h.topic("motion"):   h.handleMotion,
		h.topic("activity"): h.handleActivity,
		h.topic("geofence"): h.handleGeofence,
		h.topic("health"):   h.handleHealth,
		h.topic("voice"):    h.handleVoice,
		h.topic("command"):  h.handleCommand,
	}

	for topic, handler := range subscriptions {
		if err := h.conn.Subscribe(topic, qos, handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	h.logger.Info("Signal hub started",
		zap.String("tenant_id", h.tenantID),
		zap.Int("topics", len(subscriptions)),
	)
	return nil
}

// Stop 取消全部订阅
func (h *Hub) Stop() error {
	topics := []string{
		h.topic("battery"), h.topic("network"), h.topic("motion"),
		h.topic("activity"), h.topic("geofence"), h.topic("health"),
		h.topic("voice"), h.topic("command"),
	}
	if err := h.conn.Unsubscribe(topics...); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	h.logger.Info("Signal hub stopped")
	return nil
}

// PollingContext 当前环境快照
func (h *Hub) PollingContext() models.PollingContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	return models.PollingContext{
		BatteryLevel: h.battery,
		Charging:     h.charging,
		Network:      h.network,
		DataSaver:    h.dataSaver,
		Now:          time.Now(),
	}
}

// Online 连通性探测：代理端网络分类 + 消息通道连接状态
func (h *Hub) Online() bool {
	h.mu.Lock()
	network := h.network
	h.mu.Unlock()
	return network != models.NetworkOffline && h.conn.IsConnected()
}

// MotionScore 最新运动评分
func (h *Hub) MotionScore() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.motion
}

// SensorHealth 摄像头/麦克风健康标志
func (h *Hub) SensorHealth() (cameraOK, micOK bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cameraOK, h.micOK
}

// Speak 发布语音输出请求（即发即忘，失败只记录）
func (h *Hub) Speak(text string) {
	payload, err := json.Marshal(speakMessage{Text: text})
	if err != nil {
		h.logger.Error("Failed to marshal speak request", zap.Error(err))
		return
	}
	if err := h.conn.Publish(h.topic("speak"), h.config.MQTT.QoS, false, payload); err != nil {
		h.logger.Error("Failed to publish speak request", zap.Error(err))
	}
}

// Call 发布联系派发请求（即发即忘，失败只记录）
func (h *Hub) Call(target string) {
	payload, err := json.Marshal(contactMessage{Target: target})
	if err != nil {
		h.logger.Error("Failed to marshal contact request", zap.Error(err))
		return
	}
	if err := h.conn.Publish(h.topic("contact"), h.config.MQTT.QoS, false, payload); err != nil {
		h.logger.Error("Failed to publish contact request",
			zap.String("target", target),
			zap.Error(err),
		)
	}
}

// StartListening 开启语音输入
func (h *Hub) StartListening() {
	h.publishListen(true)
}

// StopListening 关闭语音输入
func (h *Hub) StopListening() {
	h.publishListen(false)
}

func (h *Hub) publishListen(enabled bool) {
	payload, err := json.Marshal(listenMessage{Enabled: enabled})
	if err != nil {
		h.logger.Error("Failed to marshal listen request", zap.Error(err))
		return
	}
	if err := h.conn.Publish(h.topic("listen"), h.config.MQTT.QoS, false, payload); err != nil {
		h.logger.Error("Failed to publish listen request", zap.Error(err))
	}
}

// handleBattery 处理电量消息
func (h *Hub) handleBattery(topic string, payload []byte) error {
	var msg batteryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal battery message: %w", err)
	}
	if msg.Level < 0 || msg.Level > 1 {
		return fmt.Errorf("battery level out of range: %f", msg.Level)
	}

	h.mu.Lock()
	h.battery = msg.Level
	h.charging = msg.Charging
	h.mu.Unlock()
	return nil
}

// handleNetwork 处理网络状态消息
// 离线到非离线的转变触发网络恢复回调（网关借此冲刷保留的队列任务）
func (h *Hub) handleNetwork(topic string, payload []byte) error {
	var msg networkMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal network message: %w", err)
	}

	var class models.NetworkClass
	switch strings.ToLower(msg.Class) {
	case "online":
		class = models.NetworkOnline
	case "offline":
		class = models.NetworkOffline
	case "slow":
		class = models.NetworkSlow
	default:
		return fmt.Errorf("unknown network class: %s", msg.Class)
	}

	h.mu.Lock()
	previous := h.network
	h.network = class
	h.dataSaver = msg.DataSaver
	h.mu.Unlock()

	if previous == models.NetworkOffline && class != models.NetworkOffline {
		h.logger.Info("Connectivity restored",
			zap.String("network_class", string(class)),
		)
		if h.onConnectivityRestored != nil {
			h.onConnectivityRestored()
		}
	}
	return nil
}

// handleMotion 处理运动评分消息
func (h *Hub) handleMotion(topic string, payload []byte) error {
	var msg motionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal motion message: %w", err)
	}

	h.mu.Lock()
	h.motion = msg.Score
	h.mu.Unlock()
	return nil
}

// handleActivity 处理用户活动消息（任意负载都视为一次活动）
func (h *Hub) handleActivity(topic string, payload []byte) error {
	if h.onActivity != nil {
		h.onActivity()
	}
	return nil
}

// handleGeofence 处理地理围栏消息
func (h *Hub) handleGeofence(topic string, payload []byte) error {
	var msg geofenceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal geofence message: %w", err)
	}

	if msg.Breached && h.onGeofenceBreach != nil {
		h.onGeofenceBreach()
	}
	return nil
}

// handleHealth 处理摄像头/麦克风健康消息
func (h *Hub) handleHealth(topic string, payload []byte) error {
	var msg healthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal health message: %w", err)
	}

	h.mu.Lock()
	h.cameraOK = msg.Camera
	h.micOK = msg.Microphone
	h.mu.Unlock()
	return nil
}

// handleVoice 处理语音识别文本消息
func (h *Hub) handleVoice(topic string, payload []byte) error {
	var msg voiceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal voice message: %w", err)
	}

	if msg.Text != "" && h.onVoiceText != nil {
		h.onVoiceText(msg.Text)
	}
	return nil
}

// handleCommand 处理宿主控制命令消息
func (h *Hub) handleCommand(topic string, payload []byte) error {
	var msg commandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal command message: %w", err)
	}
	if msg.Action == "" {
		return fmt.Errorf("empty command action")
	}

	h.logger.Info("Received host command", zap.String("action", msg.Action))
	if h.onCommand != nil {
		h.onCommand(msg.Action)
	}
	return nil
}
