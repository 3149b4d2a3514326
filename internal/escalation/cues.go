package escalation

import (
	"sync"
	"time"

	"wisefido-guardian/internal/models"
)

// CueAccumulator 线索累积器
// 记录最近观察到的模态标签（visual / audio），单个滚动过期定时器，
// 每次新线索到达时重置；窗口到期后整体清空。
// 仅信息性：不参与升级门控
type CueAccumulator struct {
	mu     sync.Mutex
	cues   map[models.Cue]struct{}
	window time.Duration
	timer  *time.Timer
}

// NewCueAccumulator 创建线索累积器
func NewCueAccumulator(window time.Duration) *CueAccumulator {
	return &CueAccumulator{
		cues:   make(map[models.Cue]struct{}),
		window: window,
	}
}

// Add 记录一个线索并重置过期定时器
func (c *CueAccumulator) Add(cue models.Cue) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cues[cue] = struct{}{}

	// 替换前先清除，保证只有一个活跃定时器
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.window, c.expire)
}

// Active 当前窗口内的线索集合
func (c *CueAccumulator) Active() []models.Cue {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.Cue
	for cue := range c.cues {
		out = append(out, cue)
	}
	return out
}

// Stop 停止过期定时器
func (c *CueAccumulator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// expire 窗口到期，清空全部线索
func (c *CueAccumulator) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cues = make(map[models.Cue]struct{})
	c.timer = nil
}
