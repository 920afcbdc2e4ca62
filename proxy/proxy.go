package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/utils"
)

// Proto 是 Outbound 的协议类型标签. 仅用于 展示 与 诊断, 调用者不应根据它的值推断行为.
type Proto uint8

const (
	ProtoDirect Proto = iota
	ProtoReject
	ProtoSocks5
	ProtoHTTP
	ProtoShadowsocks
	ProtoRelay
)

func (p Proto) String() string {
	switch p {
	case ProtoDirect:
		return DirectName
	case ProtoReject:
		return RejectName
	case ProtoSocks5:
		return "socks5"
	case ProtoHTTP:
		return "http"
	case ProtoShadowsocks:
		return "shadowsocks"
	case ProtoRelay:
		return "relay"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}

// Outbound 是所有 出站协议 以及 组合组(relay, selector) 都实现的 统一接口.
// 一个 Outbound 实例会被无限多个 Session 并发使用, 除 selector 的当前选择外, 构造后即不可变.
//
// 返回的 net.Conn / netLayer.MsgConn 都已经完成了握手, 可以立即读写, 由调用者负责关闭.
type Outbound interface {
	Name() string
	Proto() Proto

	//该 Outbound 固定拨号的 上游地址; 没有固定地址时 (如 direct) 返回 false
	RemoteAddr() (netLayer.Addr, bool)
	SupportUDP() bool

	// ConnectStream 建立一个 流量最终到达 sess.Destination 的连接.
	// 一般的代理协议 拨号 RemoteAddr 并在其上 朝 sess.Destination 握手; direct 直接拨号 sess.Destination.
	ConnectStream(ctx context.Context, sess *Session, r netLayer.Resolver) (net.Conn, error)

	// ProxyStream 在已经建立的 underlay 上 朝 sess.Destination 进行本协议的握手.
	// 成功时 返回的连接 拥有 underlay, 关闭它会关闭 underlay; 失败时 underlay 仍由调用者负责关闭.
	ProxyStream(ctx context.Context, underlay net.Conn, sess *Session, r netLayer.Resolver) (net.Conn, error)

	// ConnectDatagram 建立一个udp通道. SupportUDP 为 false 时 返回 ErrUDPNotSupported.
	ConnectDatagram(ctx context.Context, sess *Session, r netLayer.Resolver) (netLayer.MsgConn, error)
}

// DatagramProxier 是 可以把自己的数据包封装 叠加在 一个已有的数据报通道上 的 Outbound.
// relay 的udp 要求第2跳起的每一跳都实现它.
//
// 规则同 ProxyStream: 成功时 返回的 MsgConn 拥有 underlay; 失败时 underlay 由调用者关闭.
type DatagramProxier interface {
	ProxyDatagram(ctx context.Context, underlay netLayer.MsgConn, sess *Session, r netLayer.Resolver) (netLayer.MsgConn, error)
}

// Inbound 是所有 入站 监听者 都实现的 统一接口.
// ListenTCP 和 ListenUDP 阻塞, 直到 ctx 结束 或者 发生了致命的 bind/accept 错误;
// 单个流量的失败不会导致它们返回.
type Inbound interface {
	Name() string
	HandleTCP() bool
	HandleUDP() bool

	ListenTCP(ctx context.Context) error
	ListenUDP(ctx context.Context) error
}

// Router 为每个 Session 选择一个 Outbound. 分流规则 不在本项目的范围内, 见 StaticRouter.
type Router interface {
	Route(sess *Session) (Outbound, error)
}

// StaticRouter 总是返回同一个 Outbound.
type StaticRouter struct {
	Outbound Outbound
}

func (sr StaticRouter) Route(*Session) (Outbound, error) {
	if sr.Outbound == nil {
		return nil, NewError(ErrKindInvalidInput, "route", utils.ErrNilParameter)
	}
	return sr.Outbound, nil
}

// Base 包含 拨号到一个固定上游地址的 Outbound 的通用部分, 供 各个协议 嵌入.
type Base struct {
	Tag    string
	Addr   netLayer.Addr
	Option CommonOption
	UDP    bool
}

func (b *Base) Name() string { return b.Tag }

func (b *Base) RemoteAddr() (netLayer.Addr, bool) { return b.Addr, true }

func (b *Base) SupportUDP() bool { return b.UDP }

// DialRemote 解析 (若为域名) 并拨号 b.Addr, 应用 CommonOption.
func (b *Base) DialRemote(ctx context.Context, r netLayer.Resolver) (net.Conn, error) {
	return DialAddr(ctx, b.Addr, b.Option, r)
}

// DialAddr 解析 (若为域名) 并拨号 addr, 应用 opt.
func DialAddr(ctx context.Context, addr netLayer.Addr, opt CommonOption, r netLayer.Resolver) (net.Conn, error) {
	ra, err := netLayer.ResolveAddr(ctx, r, addr)
	if err != nil {
		return nil, NewError(ErrKindIO, "resolve "+addr.String(), err)
	}
	c, err := netLayer.DialTCP(ctx, ra, opt.Sockopt())
	if err != nil {
		return nil, NewError(ErrKindIO, "dial "+addr.String(), err)
	}
	return c, nil
}

// ConnectThenProxy 用 dial 建立到上游的连接, 然后调用 ob.ProxyStream. 握手失败时关闭 已建立的连接.
// 一般协议的 ConnectStream 都可以用它实现.
func ConnectThenProxy(ctx context.Context, ob Outbound, dial func(context.Context) (net.Conn, error), sess *Session, r netLayer.Resolver) (net.Conn, error) {
	underlay, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	c, err := ob.ProxyStream(ctx, underlay, sess, r)
	if err != nil {
		underlay.Close()
		return nil, err
	}
	return c, nil
}
