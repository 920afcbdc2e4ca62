/*
Package machine 定义一个 可以直接运行的 状态机；这个机器可以直接被可执行文件所使用.

machine 把 由配置构建出的 所有 入站, 出站 与 组 包装起来，对外像一个黑盒子: Start, Stop, 以及 apiServer.

关键点是不使用任何静态变量，所有变量都放在machine中。
*/
package machine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/config"
	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/proxy/relay"
	"github.com/e1732a364fed/vsproxy/proxy/selector"
	"github.com/e1732a364fed/vsproxy/utils"
)

type M struct {
	config.ApiServerConf

	graph *config.Graph

	callbacks

	mutex   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ApiServerRunning atomic.Bool
}

func New(g *config.Graph) *M {
	return &M{graph: g}
}

func (m *M) Graph() *config.Graph { return m.graph }

func (m *M) ServerCount() int { return len(m.graph.Inbounds) }

func (m *M) ClientCount() int { return len(m.graph.OutboundOrder) }

func (m *M) IsRunning() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.running
}

// Start 运行 所有 入站 与 selector 的 健康检查. 非阻塞.
func (m *M) Start(ctx context.Context) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.running || len(m.graph.Inbounds) == 0 {
		return
	}
	utils.Info("Starting...")

	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	for _, s := range m.graph.Selectors {
		s.Start(ctx)
	}
	for _, ib := range m.graph.Inbounds {
		m.wg.Add(1)
		go func(ib proxy.Inbound) {
			defer m.wg.Done()
			if err := proxy.RunInbound(ctx, ib); err != nil {
				if ce := utils.CanLogErr("inbound failed"); ce != nil {
					ce.Write(zap.String("tag", ib.Name()), zap.Error(err))
				}
			}
		}(ib)
	}
	m.callToggle(true)
}

// Stop 关闭所有监听, 并等待 所有流量 结束.
func (m *M) Stop() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if !m.running {
		return
	}
	utils.Info("Stopping...")

	m.cancel()
	m.wg.Wait()
	for _, d := range m.graph.Dispatchers {
		d.Wait()
	}
	for _, s := range m.graph.Selectors {
		s.Stop()
	}
	m.running = false
	m.callToggle(false)
}

// Select 切换 名为 group 的 selector 的 当前选择.
func (m *M) Select(group, name string) error {
	s, ok := m.graph.Outbounds[group].(*selector.Selector)
	if !ok {
		return proxy.NewError(proxy.ErrKindInvalidInput, "select", utils.ErrInErr{ErrDesc: "no such selector", ErrDetail: utils.ErrWrongParameter, Data: group})
	}
	if err := s.Select(name); err != nil {
		return err
	}
	m.callUpdated()
	return nil
}

// OutboundState 为 一个出站 在 apiServer 中的展示.
type OutboundState struct {
	Tag    string `json:"tag"`
	Proto  string `json:"proto"`
	Remote string `json:"remote,omitempty"`
	UDP    bool   `json:"udp"`

	Policy  string                  `json:"policy,omitempty"`
	Now     string                  `json:"now,omitempty"`
	Members []selector.MemberStatus `json:"members,omitempty"`
	Hops    []string                `json:"hops,omitempty"`
}

// Outbounds 按配置顺序 返回 所有出站 的状态.
func (m *M) Outbounds() []OutboundState {
	list := make([]OutboundState, 0, len(m.graph.OutboundOrder))
	for _, tag := range m.graph.OutboundOrder {
		ob := m.graph.Outbounds[tag]
		st := OutboundState{Tag: tag, Proto: ob.Proto().String(), UDP: ob.SupportUDP()}
		if a, ok := ob.RemoteAddr(); ok {
			st.Remote = a.String()
		}
		switch v := ob.(type) {
		case *selector.Selector:
			st.Policy = v.Policy().String()
			st.Now = v.Now()
			st.Members = v.Status()
		case *relay.Relay:
			for _, h := range v.Hops() {
				st.Hops = append(st.Hops, h.Name())
			}
		}
		list = append(list, st)
	}
	return list
}

func (m *M) PrintAllState(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	for i, ib := range m.graph.Inbounds {
		st := &m.graph.Dispatchers[i].Stats
		fmt.Fprintln(w, "inbound", i, ib.Name(),
			"active", st.ActiveFlows.Load(),
			"total", st.TotalFlows.Load(),
			"up", st.Uploaded.Load(),
			"down", st.Downloaded.Load())
	}
	for i, st := range m.Outbounds() {
		fmt.Fprintln(w, "outbound", i, st.Tag, st.Proto, st.Remote)
		if st.Now != "" {
			fmt.Fprintln(w, "\tselected", st.Now)
		}
	}
}
