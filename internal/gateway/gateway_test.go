package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wisefido-guardian/internal/config"
	"wisefido-guardian/internal/inference"
	"wisefido-guardian/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClient 可编程的推理客户端替身
type fakeClient struct {
	observeFn func(ctx context.Context, req inference.ObserveRequest) (*models.ObservationResult, error)
	reasonFn  func(ctx context.Context, frame []byte, contextText, mode string) (string, error)

	observeCalls int32
	reasonCalls  int32
	concurrent   int32
	maxSeen      int32
}

func (f *fakeClient) Observe(ctx context.Context, req inference.ObserveRequest) (*models.ObservationResult, error) {
	atomic.AddInt32(&f.observeCalls, 1)
	cur := atomic.AddInt32(&f.concurrent, 1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&f.concurrent, -1)

	if f.observeFn != nil {
		return f.observeFn(ctx, req)
	}
	return &models.ObservationResult{EmergencyLevel: models.EmergencyNone, Source: "Gemini"}, nil
}

func (f *fakeClient) Reason(ctx context.Context, frame []byte, contextText, mode string) (string, error) {
	atomic.AddInt32(&f.reasonCalls, 1)
	if f.reasonFn != nil {
		return f.reasonFn(ctx, frame, contextText, mode)
	}
	return "you are doing well", nil
}

func gatewayConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Guardian.Gateway.MaxConcurrent = 2
	cfg.Guardian.Gateway.BackoffWindowSec = 30
	cfg.Guardian.Gateway.TaskTTLSec = 300
	cfg.Guardian.Gateway.CacheTTLMs = 60000
	cfg.Guardian.Gateway.LowMotionThreshold = 5
	cfg.Guardian.Gateway.HighMotionThreshold = 30
	cfg.Guardian.Scheduler.AnchorWindowMin = 30
	return cfg
}

func setupGateway(t *testing.T, client inference.Client, online *atomic.Bool) (*Gateway, *config.Config) {
	t.Helper()
	cfg := gatewayConfig(t)
	logger := zap.NewNop()
	fb := NewFallbackAnalyzer(cfg, logger)
	g := NewGateway(cfg, client, fb, online.Load, logger)
	t.Cleanup(g.Stop)
	return g, cfg
}

func onlineFlag(v bool) *atomic.Bool {
	var b atomic.Bool
	b.Store(v)
	return &b
}

// 高运动分请求（绕过静态场景缓存）
func activeScene() inference.ObserveRequest {
	return inference.ObserveRequest{Frame: []byte("frame"), MotionScore: 50}
}

func TestGateway_ConcurrencyCap(t *testing.T) {
	release := make(chan struct{})
	fake := &fakeClient{
		observeFn: func(ctx context.Context, req inference.ObserveRequest) (*models.ObservationResult, error) {
			<-release
			return &models.ObservationResult{EmergencyLevel: models.EmergencyNone}, nil
		},
	}
	g, _ := setupGateway(t, fake, onlineFlag(true))

	const burst = 6
	var wg sync.WaitGroup
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Observe(context.Background(), activeScene())
			assert.NoError(t, err)
		}()
	}

	// 等待前两个任务进入在途、其余排队
	require.Eventually(t, func() bool {
		return g.InFlight() == 2 && g.QueueDepth() == burst-2
	}, time.Second, 5*time.Millisecond)

	close(release)
	wg.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.maxSeen))
	assert.Equal(t, int32(burst), atomic.LoadInt32(&fake.observeCalls))
	assert.Equal(t, 0, g.InFlight())
}

func TestGateway_RateLimitSetsBackoff(t *testing.T) {
	fake := &fakeClient{
		observeFn: func(ctx context.Context, req inference.ObserveRequest) (*models.ObservationResult, error) {
			return nil, inference.ErrRateLimited
		},
	}
	g, _ := setupGateway(t, fake, onlineFlag(true))

	// 限流错误被本地规则分析替代，不向上抛出
	result, err := g.Observe(context.Background(), activeScene())
	require.NoError(t, err)
	assert.Equal(t, "Fallback", result.Source)
	assert.True(t, g.BackoffActive())

	// 退避期内不再派发：直接降级，调用数不增加
	before := atomic.LoadInt32(&fake.observeCalls)
	result, err = g.Observe(context.Background(), activeScene())
	require.NoError(t, err)
	assert.Equal(t, "Fallback", result.Source)
	assert.Equal(t, before, atomic.LoadInt32(&fake.observeCalls))
}

func TestGateway_BackoffBlocksQueuedDispatch(t *testing.T) {
	fake := &fakeClient{}
	g, _ := setupGateway(t, fake, onlineFlag(true))

	// 人为设置未来的退避截止时间
	g.mu.Lock()
	g.backoffUntil = g.now().Add(time.Hour)
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.Reason(ctx, nil, "context", "nudge")
	assert.ErrorIs(t, err, inference.ErrRateLimited)
	assert.Zero(t, atomic.LoadInt32(&fake.reasonCalls))
}

func TestGateway_ObserveCache(t *testing.T) {
	fake := &fakeClient{
		observeFn: func(ctx context.Context, req inference.ObserveRequest) (*models.ObservationResult, error) {
			return &models.ObservationResult{
				EmergencyLevel: models.EmergencyNone,
				Observation:    "static scene",
				Source:         "Gemini",
			}, nil
		},
	}
	g, _ := setupGateway(t, fake, onlineFlag(true))

	// 第一次低运动调用：缓存为空，走远程
	still := inference.ObserveRequest{Frame: []byte("frame"), MotionScore: 2}
	result, err := g.Observe(context.Background(), still)
	require.NoError(t, err)
	assert.Equal(t, "static scene", result.Observation)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.observeCalls))

	// 第二次低运动无音频：命中缓存，不发起调用
	result, err = g.Observe(context.Background(), still)
	require.NoError(t, err)
	assert.Equal(t, "static scene", result.Observation)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.observeCalls))

	// 带音频：无条件绕过缓存
	withAudio := inference.ObserveRequest{Frame: []byte("frame"), Audio: []byte("audio"), MotionScore: 2}
	_, err = g.Observe(context.Background(), withAudio)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.observeCalls))

	// 高运动分：绕过缓存
	_, err = g.Observe(context.Background(), activeScene())
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&fake.observeCalls))

	// 缓存过期：重新调用
	g.mu.Lock()
	g.cachedAt = g.now().Add(-61 * time.Second)
	g.mu.Unlock()
	_, err = g.Observe(context.Background(), still)
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&fake.observeCalls))
}

func TestGateway_OfflineObserveUsesFallback(t *testing.T) {
	fake := &fakeClient{}
	g, _ := setupGateway(t, fake, onlineFlag(false))

	result, err := g.Observe(context.Background(), activeScene())
	require.NoError(t, err)
	assert.Equal(t, "Fallback", result.Source)
	assert.Equal(t, models.EmergencyNone, result.EmergencyLevel)
	assert.Zero(t, atomic.LoadInt32(&fake.observeCalls))
}

func TestGateway_OfflineReasonHeldUntilConnectivity(t *testing.T) {
	online := onlineFlag(false)
	fake := &fakeClient{}
	g, _ := setupGateway(t, fake, online)

	done := make(chan struct{})
	var text string
	var err error
	go func() {
		defer close(done)
		text, err = g.Reason(context.Background(), nil, "how are you", "question")
	}()

	// 离线期间任务被搁置
	require.Eventually(t, func() bool {
		return g.QueueDepth() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fake.reasonCalls))

	// 连通性恢复后派发
	online.Store(true)
	g.NotifyConnectivityRestored()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reason call did not complete after connectivity restored")
	}
	require.NoError(t, err)
	assert.Equal(t, "you are doing well", text)
}

func TestGateway_StaleTaskEvicted(t *testing.T) {
	online := onlineFlag(false)
	fake := &fakeClient{}
	g, _ := setupGateway(t, fake, online)

	done := make(chan error, 1)
	go func() {
		_, err := g.Reason(context.Background(), nil, "old question", "question")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return g.QueueDepth() == 1
	}, time.Second, 5*time.Millisecond)

	// 将任务标记为超过 TTL
	g.mu.Lock()
	g.queue[0].enqueuedAt = g.now().Add(-10 * time.Minute)
	g.mu.Unlock()

	online.Store(true)
	g.NotifyConnectivityRestored()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, inference.ErrOffline)
	case <-time.After(time.Second):
		t.Fatal("stale task was not evicted")
	}
	assert.Zero(t, atomic.LoadInt32(&fake.reasonCalls))
}

func TestGateway_DegradedPayloadRetryStripsAudio(t *testing.T) {
	fake := &fakeClient{}
	fake.observeFn = func(ctx context.Context, req inference.ObserveRequest) (*models.ObservationResult, error) {
		if req.HasAudio() {
			return nil, &inference.InvalidResponseError{Reason: "unsupported audio payload"}
		}
		return &models.ObservationResult{EmergencyLevel: models.EmergencyNone, Source: "Gemini"}, nil
	}
	g, _ := setupGateway(t, fake, onlineFlag(true))

	req := inference.ObserveRequest{Frame: []byte("frame"), Audio: []byte("audio"), MotionScore: 50}
	result, err := g.Observe(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Gemini", result.Source)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fake.observeCalls))
}

func TestGateway_InvalidResponseWithoutAudioSurfaces(t *testing.T) {
	fake := &fakeClient{
		observeFn: func(ctx context.Context, req inference.ObserveRequest) (*models.ObservationResult, error) {
			return nil, &inference.InvalidResponseError{Reason: "malformed json"}
		},
	}
	g, _ := setupGateway(t, fake, onlineFlag(true))

	_, err := g.Observe(context.Background(), activeScene())
	assert.True(t, inference.IsInvalidResponse(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.observeCalls))
}

func TestFallbackAnalyzer_NeverEscalates(t *testing.T) {
	cfg := gatewayConfig(t)
	cfg.Guardian.Anchors = []models.ScheduleAnchor{
		{Label: "lunch", Hour: 12, Minute: 0},
	}
	fb := NewFallbackAnalyzer(cfg, zap.NewNop())
	fb.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	}

	// 锚点邻近 + 高运动分：置信度提升，但紧急程度恒为 none
	result := fb.Analyze(100)
	assert.True(t, result.NeedsAssistance)
	assert.Equal(t, 0.75, result.Confidence)
	assert.Equal(t, models.EmergencyNone, result.EmergencyLevel)
}

func TestFallbackAnalyzer_QuietScene(t *testing.T) {
	cfg := gatewayConfig(t)
	fb := NewFallbackAnalyzer(cfg, zap.NewNop())

	result := fb.Analyze(0)
	assert.False(t, result.NeedsAssistance)
	assert.Equal(t, 0.0, result.Confidence)
	assert.Equal(t, models.EmergencyNone, result.EmergencyLevel)
}
