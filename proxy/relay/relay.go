/*
Package relay implements the relay group: an Outbound that chains several Outbounds so that traffic passes through every hop in order.

对于 链 H1, H2, ..., Hn, 流量为 client -> H1 -> H2 -> ... -> Hn -> target.
H1 拨号 并 朝 H2 的地址 握手; H2 在 H1 的连接之上 朝 H3 的地址 握手; 最后一跳 朝 真正的目标 握手.

direct 在链中 没有意义, 构造时 会被去掉. 只有 *proxy.Direct 会被去掉; selector 之类的组 即使 当前选择的是 direct 也会保留,
因为 它之后 可能 切换到 别的成员. 每次 使用 relay 时, 都会重新读取 第二跳起 每一跳 当前的 RemoteAddr;
若某一跳 此时 没有 固定地址 (比如 selector 切换到了 direct), 该次连接 失败, 不会打开 任何连接.

udp 要求 每一跳 都支持udp, 且 第二跳起 都实现了 proxy.DatagramProxier.
*/
package relay

import (
	"context"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/utils"
)

const Name = "relay"

// Relay 构造后不可变, 可被任意多个 Session 并发使用.
type Relay struct {
	name string
	hops []proxy.Outbound
}

// New 创建一个 relay 组. hops 中的 direct 会被去掉; 若全部都是 direct, 则只保留一个.
// 第二跳起 的每一跳 都必须有 固定的 RemoteAddr.
func New(name string, hops []proxy.Outbound) (*Relay, error) {
	if len(hops) == 0 {
		return nil, proxy.NewError(proxy.ErrKindInvalidInput, "relay "+name, proxy.ErrEmptyGroup)
	}

	var kept []proxy.Outbound
	for _, h := range hops {
		if h == nil {
			return nil, proxy.NewError(proxy.ErrKindInvalidInput, "relay "+name, utils.ErrNilParameter)
		}
		if _, ok := h.(*proxy.Direct); ok {
			continue
		}
		kept = append(kept, h)
	}
	if len(kept) == 0 {
		kept = hops[:1]
	}

	for i := 1; i < len(kept); i++ {
		if _, ok := kept[i].RemoteAddr(); !ok {
			return nil, &proxy.Error{Kind: proxy.ErrKindInvalidInput, Op: hopOp(i, kept[i]), Err: proxy.ErrNoRemoteAddr}
		}
	}

	return &Relay{name: name, hops: kept}, nil
}

func (r *Relay) Name() string { return r.name }

func (*Relay) Proto() proxy.Proto { return proxy.ProtoRelay }

func (r *Relay) RemoteAddr() (netLayer.Addr, bool) { return r.hops[0].RemoteAddr() }

// Hops 返回 去掉 direct 之后的 链.
func (r *Relay) Hops() []proxy.Outbound { return append([]proxy.Outbound(nil), r.hops...) }

func (r *Relay) SupportUDP() bool {
	_, ok := r.udpMismatch()
	return !ok
}

// udpMismatch 返回 第一个 不能承载udp的 跳.
func (r *Relay) udpMismatch() (int, bool) {
	for i, h := range r.hops {
		if !h.SupportUDP() {
			return i, true
		}
		if i == 0 {
			continue
		}
		if _, ok := h.(proxy.DatagramProxier); !ok {
			return i, true
		}
	}
	return 0, false
}

func hopOp(i int, h proxy.Outbound) string {
	return "relay hop " + strconv.Itoa(i+1) + " (" + h.Name() + ")"
}

func (r *Relay) hopErr(i int, err error) error {
	kind := proxy.KindOf(err)
	if kind == 0 {
		kind = proxy.ErrKindIO
	}
	e := &proxy.Error{Kind: kind, Op: hopOp(i, r.hops[i]), Err: err}

	if ce := utils.CanLogDebug("relay hop failed"); ce != nil {
		ce.Write(zap.String("relay", r.name), zap.Error(e))
	}
	return e
}

// hopSessions 返回 每一跳 使用的 Session: 第i跳 的目标为 第i+1跳 当前的地址, 最后一跳 则为 原目标.
// 第i+1跳 当前 没有固定地址时 返回 ErrNoRemoteAddr.
func (r *Relay) hopSessions(sess *proxy.Session) ([]*proxy.Session, error) {
	list := make([]*proxy.Session, len(r.hops))
	last := len(r.hops) - 1
	for i := 0; i < last; i++ {
		next, ok := r.hops[i+1].RemoteAddr()
		if !ok {
			e := &proxy.Error{Kind: proxy.ErrKindInvalidInput, Op: hopOp(i+1, r.hops[i+1]), Err: proxy.ErrNoRemoteAddr}
			if ce := utils.CanLogWarn("relay hop has no remote address"); ce != nil {
				ce.Write(zap.String("relay", r.name), zap.Error(e))
			}
			return nil, e
		}
		if sess.Network == proxy.UDP {
			next.Network = "udp"
		} else {
			next.Network = "tcp"
		}
		list[i] = sess.WithDestination(next)
	}
	list[last] = sess
	return list, nil
}

func (r *Relay) ConnectStream(ctx context.Context, sess *proxy.Session, res netLayer.Resolver) (net.Conn, error) {
	hs, err := r.hopSessions(sess)
	if err != nil {
		return nil, err
	}
	c, err := r.hops[0].ConnectStream(ctx, hs[0], res)
	if err != nil {
		return nil, r.hopErr(0, err)
	}
	return r.proxyStreamFrom(ctx, c, 1, hs, res)
}

func (r *Relay) ProxyStream(ctx context.Context, underlay net.Conn, sess *proxy.Session, res netLayer.Resolver) (net.Conn, error) {
	hs, err := r.hopSessions(sess)
	if err != nil {
		return nil, err
	}
	c, err := r.hops[0].ProxyStream(ctx, underlay, hs[0], res)
	if err != nil {
		return nil, r.hopErr(0, err)
	}
	return r.proxyStreamFrom(ctx, c, 1, hs, res)
}

// proxyStreamFrom 从 第start跳 开始 在 c 上 逐跳握手. 失败时 关闭 c; 关闭最外层 即关闭了 所有内层.
func (r *Relay) proxyStreamFrom(ctx context.Context, c net.Conn, start int, hs []*proxy.Session, res netLayer.Resolver) (net.Conn, error) {
	for i := start; i < len(r.hops); i++ {
		if err := ctx.Err(); err != nil {
			c.Close()
			return nil, r.hopErr(i, err)
		}
		next, err := r.hops[i].ProxyStream(ctx, c, hs[i], res)
		if err != nil {
			c.Close()
			return nil, r.hopErr(i, err)
		}
		c = next
	}

	if ce := utils.CanLogDebug("relay chain established"); ce != nil {
		ce.Write(zap.String("relay", r.name), zap.Int("hops", len(r.hops)), zap.String("target", hs[len(hs)-1].Destination.String()))
	}
	return c, nil
}

func (r *Relay) capabilityErr() error {
	if i, bad := r.udpMismatch(); bad {
		return &proxy.Error{Kind: proxy.ErrKindCapability, Op: hopOp(i, r.hops[i]), Err: proxy.ErrUDPNotSupported}
	}
	return nil
}

func (r *Relay) ConnectDatagram(ctx context.Context, sess *proxy.Session, res netLayer.Resolver) (netLayer.MsgConn, error) {
	if err := r.capabilityErr(); err != nil {
		return nil, err
	}
	hs, err := r.hopSessions(sess)
	if err != nil {
		return nil, err
	}
	mc, err := r.hops[0].ConnectDatagram(ctx, hs[0], res)
	if err != nil {
		return nil, r.hopErr(0, err)
	}
	return r.proxyDatagramFrom(ctx, mc, 1, hs, res)
}

// ProxyDatagram 使 relay 也可以作为 另一个 relay 的 后续跳.
func (r *Relay) ProxyDatagram(ctx context.Context, underlay netLayer.MsgConn, sess *proxy.Session, res netLayer.Resolver) (netLayer.MsgConn, error) {
	if err := r.capabilityErr(); err != nil {
		return nil, err
	}
	dp, ok := r.hops[0].(proxy.DatagramProxier)
	if !ok {
		return nil, &proxy.Error{Kind: proxy.ErrKindCapability, Op: hopOp(0, r.hops[0]), Err: proxy.ErrUDPNotSupported}
	}
	hs, err := r.hopSessions(sess)
	if err != nil {
		return nil, err
	}
	mc, err := dp.ProxyDatagram(ctx, underlay, hs[0], res)
	if err != nil {
		return nil, r.hopErr(0, err)
	}
	return r.proxyDatagramFrom(ctx, mc, 1, hs, res)
}

func (r *Relay) proxyDatagramFrom(ctx context.Context, mc netLayer.MsgConn, start int, hs []*proxy.Session, res netLayer.Resolver) (netLayer.MsgConn, error) {
	for i := start; i < len(r.hops); i++ {
		if err := ctx.Err(); err != nil {
			mc.Close()
			return nil, r.hopErr(i, err)
		}
		next, err := r.hops[i].(proxy.DatagramProxier).ProxyDatagram(ctx, mc, hs[i], res)
		if err != nil {
			mc.Close()
			return nil, r.hopErr(i, err)
		}
		mc = next
	}
	return mc, nil
}
