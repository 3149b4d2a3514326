package inference

import (
	"context"
	"errors"
	"fmt"

	"wisefido-guardian/internal/models"
)

// 推理服务错误分类
var (
	// ErrOffline 无网络连接，无法发起调用
	ErrOffline = errors.New("inference: offline")
	// ErrRateLimited 远程服务返回限流信号
	ErrRateLimited = errors.New("inference: rate limited")
	// ErrServiceUnavailable 远程服务暂时不可用
	ErrServiceUnavailable = errors.New("inference: service unavailable")
)

// InvalidResponseError 响应或请求载荷格式错误
// 网关收到该错误后会尝试一次降级重试（去掉可选模态）
type InvalidResponseError struct {
	Reason string
}

func (e *InvalidResponseError) Error() string {
	return fmt.Sprintf("inference: invalid response: %s", e.Reason)
}

// IsInvalidResponse 判断是否为载荷/格式错误
func IsInvalidResponse(err error) bool {
	var ire *InvalidResponseError
	return errors.As(err, &ire)
}

// ObserveRequest 观察调用请求
type ObserveRequest struct {
	Frame       []byte  // 画面，可为空
	FrameMIME   string  // 默认 "image/jpeg"
	Audio       []byte  // 音频片段，可为空
	AudioMIME   string  // 默认 "audio/wav"
	MotionScore float64 // 当前运动/变化评分
}

// HasAudio 请求中是否带有音频片段
func (r ObserveRequest) HasAudio() bool {
	return len(r.Audio) > 0
}

// Client 远程多模态推理服务客户端
type Client interface {
	// Observe 观察调用：判断是否需要介入
	Observe(ctx context.Context, req ObserveRequest) (*models.ObservationResult, error)
	// Reason 叙述性推理调用：生成面向用户的支持性文本
	Reason(ctx context.Context, frame []byte, contextText string, mode string) (string, error)
}
