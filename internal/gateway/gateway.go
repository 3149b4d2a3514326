package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"wisefido-guardian/internal/config"
	"wisefido-guardian/internal/inference"
	"wisefido-guardian/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskKind 任务类型
type TaskKind string

const (
	TaskObserve TaskKind = "observe"
	TaskReason  TaskKind = "reason"
)

// Outcome 任务完成结果
type Outcome struct {
	Result *models.ObservationResult // observe 任务
	Text   string                    // reason 任务
	Err    error
}

// task 网关内部任务（只存在于待发队列，完成或过期后销毁）
type task struct {
	id            string
	kind          TaskKind
	observeReq    inference.ObserveRequest
	reasonFrame   []byte
	reasonContext string
	reasonMode    string
	retryable     bool
	enqueuedAt    time.Time
	done          chan Outcome
}

// Gateway 推理请求网关
// 串行化并限流对远程推理服务的调用：FIFO 队列 + 并发上限 + 限流退避 +
// 静态场景结果缓存 + 离线规则降级
type Gateway struct {
	config   *config.Config
	client   inference.Client
	fallback *FallbackAnalyzer
	online   func() bool
	logger   *zap.Logger

	mu           sync.Mutex
	queue        []*task
	inFlight     int
	backoffUntil time.Time
	backoffTimer *time.Timer
	closed       bool

	// 静态场景结果缓存（仅 observe 成功结果）
	cachedResult *models.ObservationResult
	cachedAt     time.Time

	// 可注入的时钟（测试用）
	now func() time.Time
}

// NewGateway 创建网关
// online 为连通性探测函数（由信号枢纽提供）
func NewGateway(
	cfg *config.Config,
	client inference.Client,
	fallback *FallbackAnalyzer,
	online func() bool,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		config:   cfg,
		client:   client,
		fallback: fallback,
		online:   online,
		logger:   logger,
		now:      time.Now,
	}
}

// Observe 发起一次观察调用（阻塞直至完成）
// 缓存检查与离线/退避判断在入队前同步完成；
// 无法发起远程调用时由本地规则分析器替代（其结果紧急程度恒为 none）
func (g *Gateway) Observe(ctx context.Context, req inference.ObserveRequest) (*models.ObservationResult, error) {
	// 1. 静态场景缓存：无音频 + 低运动 + 缓存未过期 → 直接返回，不发起调用
	if cached := g.cachedObservation(req); cached != nil {
		g.logger.Debug("Returning cached observation",
			zap.Float64("motion_score", req.MotionScore),
		)
		return cached, nil
	}

	// 2. 离线或退避期内：本地规则分析替代
	if !g.online() || g.backoffActive() {
		return g.fallbackObservation(req), nil
	}

	t := &task{
		id:         uuid.New().String(),
		kind:       TaskObserve,
		observeReq: req,
		retryable:  false,
		enqueuedAt: g.now(),
		done:       make(chan Outcome, 1),
	}
	if err := g.enqueue(t); err != nil {
		// 离线且不可重试：立即降级
		return g.fallbackObservation(req), nil
	}

	select {
	case out := <-t.done:
		if out.Err != nil {
			if errors.Is(out.Err, inference.ErrRateLimited) ||
				errors.Is(out.Err, inference.ErrServiceUnavailable) ||
				errors.Is(out.Err, inference.ErrOffline) {
				g.logger.Warn("Observe call failed, using fallback analyzer",
					zap.String("task_id", t.id),
					zap.Error(out.Err),
				)
				return g.fallbackObservation(req), nil
			}
			// 载荷/格式错误在降级重试后仍失败：向上抛出
			return nil, out.Err
		}
		return out.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reason 发起一次叙述性推理调用（用户可见路径，可重试）
// 离线时任务保留在队列中等待连通性恢复；退避期内直接返回限流错误，
// 叙述性语音顺延到下一轮，不播放过期内容
func (g *Gateway) Reason(ctx context.Context, frame []byte, contextText string, mode string) (string, error) {
	if g.backoffActive() {
		return "", inference.ErrRateLimited
	}

	t := &task{
		id:            uuid.New().String(),
		kind:          TaskReason,
		reasonFrame:   frame,
		reasonContext: contextText,
		reasonMode:    mode,
		retryable:     true,
		enqueuedAt:    g.now(),
		done:          make(chan Outcome, 1),
	}
	if err := g.enqueue(t); err != nil {
		return "", err
	}

	select {
	case out := <-t.done:
		return out.Text, out.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// NotifyConnectivityRestored 连通性恢复通知：尝试派发被搁置的任务
func (g *Gateway) NotifyConnectivityRestored() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drainLocked()
}

// Stop 停止网关，未完成任务以离线错误结束
func (g *Gateway) Stop() {
	g.mu.Lock()
	g.closed = true
	if g.backoffTimer != nil {
		g.backoffTimer.Stop()
		g.backoffTimer = nil
	}
	pending := g.queue
	g.queue = nil
	g.mu.Unlock()

	for _, t := range pending {
		t.done <- Outcome{Err: inference.ErrOffline}
	}
}

// InFlight 当前在途调用数
func (g *Gateway) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// QueueDepth 当前排队任务数
func (g *Gateway) QueueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// BackoffActive 退避截止时间是否在未来
func (g *Gateway) BackoffActive() bool {
	return g.backoffActive()
}

// enqueue 入队：离线且不可重试的任务立即失败
func (g *Gateway) enqueue(t *task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return inference.ErrOffline
	}
	if !g.online() && !t.retryable {
		return inference.ErrOffline
	}

	g.queue = append(g.queue, t)
	g.drainLocked()
	return nil
}

// drainLocked 派发循环（调用时必须持有 g.mu）
// 条件：在途数 < 并发上限 且 队列非空 且 已过退避截止时间；
// 每次任务完成后会再次进入，派发因此是自维持的
func (g *Gateway) drainLocked() {
	for !g.closed && g.inFlight < g.config.Guardian.Gateway.MaxConcurrent && len(g.queue) > 0 {
		now := g.now()

		// 退避期内不派发任何任务；到期后由退避定时器重新进入
		if now.Before(g.backoffUntil) {
			g.armBackoffTimerLocked()
			return
		}

		t := g.queue[0]

		// 过期任务在派发前丢弃
		if now.Sub(t.enqueuedAt) > g.config.TaskTTL() {
			g.queue = g.queue[1:]
			g.logger.Warn("Discarding stale task",
				zap.String("task_id", t.id),
				zap.String("kind", string(t.kind)),
				zap.Duration("age", now.Sub(t.enqueuedAt)),
			)
			t.done <- Outcome{Err: inference.ErrOffline}
			continue
		}

		// 离线时搁置队列（可重试任务等待连通性恢复）
		if !g.online() {
			return
		}

		g.queue = g.queue[1:]
		g.inFlight++
		go g.dispatch(t)
	}
}

// dispatch 执行单个任务；完成后递减在途数并再次进入派发循环
func (g *Gateway) dispatch(t *task) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := g.execute(ctx, t)

	g.mu.Lock()
	g.inFlight--

	// 限流信号：设置全局退避截止时间
	if errors.Is(out.Err, inference.ErrRateLimited) {
		g.backoffUntil = g.now().Add(g.config.BackoffWindow())
		g.logger.Warn("Rate limited, backing off",
			zap.String("task_id", t.id),
			zap.Time("backoff_until", g.backoffUntil),
		)
	}

	// 仅缓存远程 observe 成功结果
	if out.Err == nil && t.kind == TaskObserve {
		g.cachedResult = out.Result
		g.cachedAt = g.now()
	}

	g.drainLocked()
	g.mu.Unlock()

	t.done <- out
}

// execute 实际调用远程服务
// observe 任务在载荷错误时做一次降级重试（去掉音频）
func (g *Gateway) execute(ctx context.Context, t *task) Outcome {
	switch t.kind {
	case TaskObserve:
		result, err := g.client.Observe(ctx, t.observeReq)
		if err != nil && inference.IsInvalidResponse(err) && t.observeReq.HasAudio() {
			g.logger.Warn("Payload error with audio attached, retrying without audio",
				zap.String("task_id", t.id),
				zap.Error(err),
			)
			degraded := t.observeReq
			degraded.Audio = nil
			result, err = g.client.Observe(ctx, degraded)
		}
		return Outcome{Result: result, Err: err}
	case TaskReason:
		text, err := g.client.Reason(ctx, t.reasonFrame, t.reasonContext, t.reasonMode)
		return Outcome{Text: text, Err: err}
	default:
		return Outcome{Err: &inference.InvalidResponseError{Reason: "unknown task kind"}}
	}
}

// armBackoffTimerLocked 安排退避到期后的派发（单一定时器，替换前先停止）
func (g *Gateway) armBackoffTimerLocked() {
	if g.backoffTimer != nil {
		g.backoffTimer.Stop()
	}
	delay := g.backoffUntil.Sub(g.now())
	if delay < 0 {
		delay = 0
	}
	g.backoffTimer = time.AfterFunc(delay, func() {
		g.mu.Lock()
		g.backoffTimer = nil
		g.drainLocked()
		g.mu.Unlock()
	})
}

// cachedObservation 静态场景缓存检查
// 任何音频存在都会绕过缓存；运动分须低于阈值且缓存未过期
func (g *Gateway) cachedObservation(req inference.ObserveRequest) *models.ObservationResult {
	if req.HasAudio() {
		return nil
	}
	if req.MotionScore >= g.config.Guardian.Gateway.LowMotionThreshold {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cachedResult == nil {
		return nil
	}
	if g.now().Sub(g.cachedAt) >= g.config.CacheTTL() {
		return nil
	}
	copied := *g.cachedResult
	return &copied
}

// fallbackObservation 本地规则分析替代
func (g *Gateway) fallbackObservation(req inference.ObserveRequest) *models.ObservationResult {
	result := g.fallback.Analyze(req.MotionScore)
	g.logger.Info("Fallback analyzer substituted for remote call",
		zap.Bool("needs_assistance", result.NeedsAssistance),
		zap.Float64("confidence", result.Confidence),
	)
	return result
}

func (g *Gateway) backoffActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Before(g.backoffUntil)
}
