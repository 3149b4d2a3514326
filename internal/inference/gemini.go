package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wisefido-guardian/internal/models"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// observeSystemPrompt 观察调用的系统提示
// 强制模型只输出 JSON，字段与 ObservationResult 对应
const observeSystemPrompt = `You are a monitoring assistant for an elderly care resident.
Analyze the provided camera frame (and audio segment if present) together with the motion score.
Respond with a single JSON object only, no markdown, with exactly these fields:
{
  "needs_assistance": bool,
  "emergency_level": "none" | "soft" | "critical",
  "cues": ["visual", "audio"],
  "confidence": number between 0 and 1,
  "observation": "short factual description",
  "detected_location": "room or area if identifiable, else empty",
  "is_privacy_zone": bool
}
"critical" is reserved for situations needing immediate emergency response (fall with no movement,
distress calls). "soft" means a caregiver check-in is advisable. Mark is_privacy_zone true if the
scene appears to be a bathroom or other private area.`

// reasonSystemPrompt 叙述调用的系统提示
const reasonSystemPrompt = `You are a gentle voice companion for an elderly care resident.
Given the scene description and recent context, reply with one short, warm, supportive
spoken sentence. No lists, no JSON, plain text only.`

// GeminiClient 基于 Gemini 的多模态推理客户端
type GeminiClient struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewGeminiClient 创建 Gemini 客户端
func NewGeminiClient(ctx context.Context, apiKey, model string, logger *zap.Logger) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  model,
		logger: logger,
	}, nil
}

// Observe 观察调用
func (c *GeminiClient) Observe(ctx context.Context, req ObserveRequest) (*models.ObservationResult, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(fmt.Sprintf("Current motion score: %.1f", req.MotionScore)),
	}
	if len(req.Frame) > 0 {
		mime := req.FrameMIME
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, genai.NewPartFromBytes(req.Frame, mime))
	}
	if len(req.Audio) > 0 {
		mime := req.AudioMIME
		if mime == "" {
			mime = "audio/wav"
		}
		parts = append(parts, genai.NewPartFromBytes(req.Audio, mime))
	}

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(observeSystemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return nil, classifyAPIError(err)
	}

	text := resp.Text()
	if text == "" {
		return nil, &InvalidResponseError{Reason: "empty response"}
	}

	result, err := ParseObservation(text)
	if err != nil {
		c.logger.Warn("Failed to parse observation response",
			zap.String("model", c.model),
			zap.Error(err),
		)
		return nil, err
	}

	result.Source = "Gemini"
	result.Timestamp = time.Now().Unix()
	return result, nil
}

// Reason 叙述性推理调用
func (c *GeminiClient) Reason(ctx context.Context, frame []byte, contextText string, mode string) (string, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(fmt.Sprintf("Mode: %s\nContext: %s", mode, contextText)),
	}
	if len(frame) > 0 {
		parts = append(parts, genai.NewPartFromBytes(frame, "image/jpeg"))
	}

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(reasonSystemPrompt, genai.RoleUser),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", classifyAPIError(err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &InvalidResponseError{Reason: "empty response"}
	}
	return text, nil
}

// classifyAPIError 将 genai 错误映射为网关可识别的错误分类
func classifyAPIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
		case apiErr.Code == 400:
			return &InvalidResponseError{Reason: apiErr.Message}
		case apiErr.Code >= 500:
			return fmt.Errorf("%w: %s", ErrServiceUnavailable, apiErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
}

// observationWire 观察响应的线上格式
type observationWire struct {
	NeedsAssistance  bool     `json:"needs_assistance"`
	EmergencyLevel   string   `json:"emergency_level"`
	Cues             []string `json:"cues"`
	Confidence       float64  `json:"confidence"`
	Observation      string   `json:"observation"`
	DetectedLocation string   `json:"detected_location"`
	IsPrivacyZone    bool     `json:"is_privacy_zone"`
}

// ParseObservation 解析模型返回的 JSON（容忍 markdown 代码块包裹）
func ParseObservation(text string) (*models.ObservationResult, error) {
	cleaned := stripCodeFences(text)

	var wire observationWire
	if err := json.Unmarshal([]byte(cleaned), &wire); err != nil {
		return nil, &InvalidResponseError{Reason: fmt.Sprintf("malformed json: %v", err)}
	}

	level := models.EmergencyLevel(strings.ToLower(strings.TrimSpace(wire.EmergencyLevel)))
	switch level {
	case models.EmergencyNone, models.EmergencySoft, models.EmergencyCritical:
	case "":
		level = models.EmergencyNone
	default:
		return nil, &InvalidResponseError{Reason: fmt.Sprintf("unknown emergency_level: %s", wire.EmergencyLevel)}
	}

	confidence := wire.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	var cues []models.Cue
	for _, c := range wire.Cues {
		switch models.Cue(strings.ToLower(c)) {
		case models.CueVisual:
			cues = append(cues, models.CueVisual)
		case models.CueAudio:
			cues = append(cues, models.CueAudio)
		}
	}

	return &models.ObservationResult{
		NeedsAssistance:  wire.NeedsAssistance,
		EmergencyLevel:   level,
		Cues:             cues,
		Confidence:       confidence,
		Observation:      wire.Observation,
		DetectedLocation: wire.DetectedLocation,
		IsPrivacyZone:    wire.IsPrivacyZone,
	}, nil
}

// stripCodeFences 去掉 ```json ... ``` 包裹
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
