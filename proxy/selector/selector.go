/*
Package selector implements the selector group: an Outbound that forwards every flow to one of its members.

三种策略:

	select   手动选择, 用 Select 切换; 可以开启 fallback, 当前选择 失败时 尝试其它成员
	fallback 按配置顺序 选择 第一个 健康的 成员
	url-test 选择 健康检查 测得的 延迟最低的 成员, 带容差, 避免频繁切换

切换 不会影响 已经建立的连接.
*/
package selector

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/utils"
)

type Policy uint8

const (
	PolicySelect Policy = iota
	PolicyFallback
	PolicyURLTest
)

func (p Policy) String() string {
	switch p {
	case PolicyFallback:
		return "fallback"
	case PolicyURLTest:
		return "url-test"
	}
	return "select"
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "select", "selector":
		return PolicySelect, nil
	case "fallback":
		return PolicyFallback, nil
	case "url-test", "urltest":
		return PolicyURLTest, nil
	}
	return 0, proxy.NewError(proxy.ErrKindInvalidInput, "selector policy", utils.ErrInErr{ErrDesc: "unknown selector policy", ErrDetail: utils.ErrWrongParameter, Data: s})
}

type Conf struct {
	Policy Policy

	Fallback    bool //仅对 PolicySelect 有意义; 其它策略 总是 fallback
	MaxAttempts int  //一个流量 最多尝试几个成员; 0 为 全部

	ProbeAddr netLayer.Addr
	Interval  time.Duration //0 则不进行 周期性 健康检查
	Timeout   time.Duration //单次 探测 的 超时; 0 为 DefaultProbeTimeout
	Tolerance time.Duration //url-test 的 容差

	Resolver netLayer.Resolver //健康检查 拨号时 使用; nil 则为 netLayer.SystemResolver
}

// Selector 的成员 在构造后 不变; 只有 当前选择 与 健康状态 会变化.
type Selector struct {
	name    string
	conf    Conf
	members []proxy.Outbound

	mutex  sync.RWMutex // 保护 health 与 切换操作
	health []memberHealth
	picked atomic.Int32

	checkerMutex sync.Mutex
	stopChecker  context.CancelFunc
	checkerDone  chan struct{}
}

type memberHealth struct {
	checked bool
	alive   bool
	latency time.Duration
}

func New(name string, conf Conf, members []proxy.Outbound) (*Selector, error) {
	if len(members) == 0 {
		return nil, proxy.NewError(proxy.ErrKindInvalidInput, "selector "+name, proxy.ErrEmptyGroup)
	}
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if m == nil {
			return nil, proxy.NewError(proxy.ErrKindInvalidInput, "selector "+name, utils.ErrNilParameter)
		}
		if seen[m.Name()] {
			return nil, proxy.NewError(proxy.ErrKindInvalidInput, "selector "+name, utils.ErrInErr{ErrDesc: "duplicate member", ErrDetail: utils.ErrWrongParameter, Data: m.Name()})
		}
		seen[m.Name()] = true
	}
	if conf.MaxAttempts < 0 {
		conf.MaxAttempts = 0
	}
	if conf.Resolver == nil {
		conf.Resolver = netLayer.SystemResolver{}
	}

	s := &Selector{
		name:    name,
		conf:    conf,
		members: append([]proxy.Outbound(nil), members...),
		health:  make([]memberHealth, len(members)),
	}
	return s, nil
}

func (s *Selector) Name() string { return s.name }

// Proto 返回 当前选择的成员 的 Proto. Name 则 保持为 组名, 因为 配置 与 api 用它 来引用 该组.
func (s *Selector) Proto() proxy.Proto { return s.current().Proto() }

func (s *Selector) Policy() Policy { return s.conf.Policy }

func (s *Selector) RemoteAddr() (netLayer.Addr, bool) { return s.current().RemoteAddr() }

func (s *Selector) SupportUDP() bool { return s.current().SupportUDP() }

// Members 按配置顺序 返回 所有成员.
func (s *Selector) Members() []proxy.Outbound { return append([]proxy.Outbound(nil), s.members...) }

// Now 返回 当前选择的成员 的名称.
func (s *Selector) Now() string { return s.current().Name() }

func (s *Selector) current() proxy.Outbound {
	return s.members[s.currentIndex()]
}

func (s *Selector) currentIndex() int {
	if s.conf.Policy == PolicyFallback {
		s.mutex.RLock()
		defer s.mutex.RUnlock()
		for i, h := range s.health {
			if !h.checked || h.alive {
				return i
			}
		}
		return 0
	}
	return int(s.picked.Load())
}

// Select 手动切换 当前选择. 只有 select 策略 可以手动切换.
// 已经建立的流量 继续使用 它们已经持有的连接.
func (s *Selector) Select(name string) error {
	if s.conf.Policy != PolicySelect {
		return proxy.NewError(proxy.ErrKindInvalidInput, "selector "+s.name+" select", utils.ErrInErr{ErrDesc: "policy does not support manual select", ErrDetail: utils.ErrWrongParameter, Data: s.conf.Policy.String()})
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, m := range s.members {
		if m.Name() == name {
			old := s.picked.Swap(int32(i))
			if ce := utils.CanLogInfo("selector switched"); ce != nil {
				ce.Write(zap.String("selector", s.name), zap.String("from", s.members[old].Name()), zap.String("to", name))
			}
			return nil
		}
	}
	return proxy.NewError(proxy.ErrKindInvalidInput, "selector "+s.name+" select", utils.ErrInErr{ErrDesc: "no such member", ErrDetail: utils.ErrWrongParameter, Data: name})
}

func (s *Selector) canFallback() bool {
	return s.conf.Policy != PolicySelect || s.conf.Fallback
}

// candidates 返回 本次流量 依次尝试的成员: 当前选择 在前, 然后是 其它健康的成员, 最后是 不健康的成员.
func (s *Selector) candidates() []proxy.Outbound {
	cur := s.currentIndex()
	if !s.canFallback() {
		return []proxy.Outbound{s.members[cur]}
	}

	s.mutex.RLock()
	var alive, dead []proxy.Outbound
	for i, m := range s.members {
		if i == cur {
			continue
		}
		if h := s.health[i]; h.checked && !h.alive {
			dead = append(dead, m)
		} else {
			alive = append(alive, m)
		}
	}
	s.mutex.RUnlock()

	list := make([]proxy.Outbound, 0, len(s.members))
	list = append(list, s.members[cur])
	list = append(list, alive...)
	list = append(list, dead...)

	if n := s.conf.MaxAttempts; n > 0 && n < len(list) {
		list = list[:n]
	}
	return list
}

func (s *Selector) fail(op string, err error, lastKind proxy.ErrKind) error {
	if lastKind == 0 {
		lastKind = proxy.ErrKindIO
	}
	return &proxy.Error{Kind: lastKind, Op: "selector " + s.name + " " + op, Err: err}
}

func (s *Selector) ConnectStream(ctx context.Context, sess *proxy.Session, r netLayer.Resolver) (net.Conn, error) {
	var errs error
	var lastKind proxy.ErrKind
	for i, m := range s.candidates() {
		if i > 0 {
			if ctx.Err() != nil {
				break
			}
			if ce := utils.CanLogWarn("selector fallback"); ce != nil {
				ce.Write(zap.String("selector", s.name), zap.String("next", m.Name()), zap.String("target", sess.Destination.String()))
			}
		}
		c, err := m.ConnectStream(ctx, sess, r)
		if err == nil {
			return c, nil
		}
		lastKind = proxy.KindOf(err)
		errs = multierr.Append(errs, utils.ErrInErr{ErrDesc: m.Name(), ErrDetail: err})
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		errs = multierr.Append(errs, ctxErr)
	}
	return nil, s.fail("connect", errs, lastKind)
}

// ProxyStream 只使用 当前选择; 失败的握手 已经消耗了 underlay, 所以 不会 尝试其它成员.
func (s *Selector) ProxyStream(ctx context.Context, underlay net.Conn, sess *proxy.Session, r netLayer.Resolver) (net.Conn, error) {
	return s.current().ProxyStream(ctx, underlay, sess, r)
}

func (s *Selector) ConnectDatagram(ctx context.Context, sess *proxy.Session, r netLayer.Resolver) (netLayer.MsgConn, error) {
	var errs error
	var lastKind proxy.ErrKind
	for i, m := range s.candidates() {
		if i > 0 && ctx.Err() != nil {
			break
		}
		mc, err := m.ConnectDatagram(ctx, sess, r)
		if err == nil {
			return mc, nil
		}
		lastKind = proxy.KindOf(err)
		errs = multierr.Append(errs, utils.ErrInErr{ErrDesc: m.Name(), ErrDetail: err})
	}
	return nil, s.fail("connect udp", errs, lastKind)
}

// ProxyDatagram 使 selector 可以作为 relay 的 后续跳, 前提是 当前选择 实现了 proxy.DatagramProxier.
func (s *Selector) ProxyDatagram(ctx context.Context, underlay netLayer.MsgConn, sess *proxy.Session, r netLayer.Resolver) (netLayer.MsgConn, error) {
	cur := s.current()
	dp, ok := cur.(proxy.DatagramProxier)
	if !ok || !cur.SupportUDP() {
		return nil, &proxy.Error{Kind: proxy.ErrKindCapability, Op: "selector " + s.name + " (" + cur.Name() + ")", Err: proxy.ErrUDPNotSupported}
	}
	return dp.ProxyDatagram(ctx, underlay, sess, r)
}
