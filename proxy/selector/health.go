package selector

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/utils"
)

const DefaultProbeTimeout = time.Second * 5

// MemberStatus 为 一个成员 最近一次 健康检查 的结果.
type MemberStatus struct {
	Name     string        `json:"name"`
	Alive    bool          `json:"alive"`
	Checked  bool          `json:"checked"`
	Latency  time.Duration `json:"latency"`
	Selected bool          `json:"selected"`
}

// Status 按配置顺序 返回 所有成员的状态.
func (s *Selector) Status() []MemberStatus {
	cur := s.currentIndex()

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	list := make([]MemberStatus, len(s.members))
	for i, m := range s.members {
		h := s.health[i]
		list[i] = MemberStatus{Name: m.Name(), Alive: !h.checked || h.alive, Checked: h.checked, Latency: h.latency, Selected: i == cur}
	}
	return list
}

func (s *Selector) probe(ctx context.Context, m proxy.Outbound) (time.Duration, error) {
	timeout := s.conf.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	c, err := m.ConnectStream(ctx, &proxy.Session{Destination: s.conf.ProbeAddr, Network: proxy.TCP, InboundTag: "health-check"}, s.conf.Resolver)
	if err != nil {
		return 0, err
	}
	c.Close()
	return time.Since(start), nil
}

// CheckOnce 并发地 探测 所有成员, 更新 健康状态; 对于 url-test 策略, 同时 重新选择.
func (s *Selector) CheckOnce(ctx context.Context) {
	results := make([]memberHealth, len(s.members))

	var wg sync.WaitGroup
	for i, m := range s.members {
		wg.Add(1)
		go func(i int, m proxy.Outbound) {
			defer wg.Done()
			d, err := s.probe(ctx, m)
			results[i] = memberHealth{checked: true, alive: err == nil, latency: d}
			if err != nil {
				if ce := utils.CanLogDebug("selector probe failed"); ce != nil {
					ce.Write(zap.String("selector", s.name), zap.String("member", m.Name()), zap.Error(err))
				}
			}
		}(i, m)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	s.mutex.Lock()
	copy(s.health, results)
	if s.conf.Policy == PolicyURLTest {
		s.repickLocked()
	}
	s.mutex.Unlock()
}

// repickLocked 选择 延迟最低 的 健康成员. 只有 比当前选择 快出 Tolerance 以上 时 才切换.
func (s *Selector) repickLocked() {
	idx := make([]int, 0, len(s.members))
	for i, h := range s.health {
		if h.alive {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return
	}
	slices.SortStableFunc(idx, func(a, b int) bool {
		return s.health[a].latency < s.health[b].latency
	})

	best := idx[0]
	cur := int(s.picked.Load())
	if best == cur {
		return
	}
	if ch := s.health[cur]; ch.alive && ch.latency <= s.health[best].latency+s.conf.Tolerance {
		return
	}
	s.picked.Store(int32(best))

	if ce := utils.CanLogInfo("selector switched"); ce != nil {
		ce.Write(zap.String("selector", s.name), zap.String("from", s.members[cur].Name()), zap.String("to", s.members[best].Name()), zap.Duration("latency", s.health[best].latency))
	}
}

// Start 在 新的 goroutine 中 运行 周期性的 健康检查, 直到 ctx 结束 或 调用 Stop.
// Interval 为0 或 没有 ProbeAddr 时 什么也不做.
func (s *Selector) Start(ctx context.Context) {
	if s.conf.Interval <= 0 || s.conf.ProbeAddr.IsEmpty() {
		return
	}

	s.checkerMutex.Lock()
	defer s.checkerMutex.Unlock()
	if s.stopChecker != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.stopChecker = cancel
	s.checkerDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.conf.Interval)
		defer ticker.Stop()

		s.CheckOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CheckOnce(ctx)
			}
		}
	}()
}

// Stop 停止 健康检查, 并等待 正在进行的 检查 结束.
func (s *Selector) Stop() {
	s.checkerMutex.Lock()
	cancel, done := s.stopChecker, s.checkerDone
	s.stopChecker, s.checkerDone = nil, nil
	s.checkerMutex.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
