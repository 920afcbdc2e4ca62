/*
Package dokodemo implements a fixed-target inbound: every tcp connection and udp packet it receives is relayed to a predefined target.

dokodemo 是 dokodemo-door 协议的实现。目前不含透明代理功能。

dokodemo 属于 “单目标”代理，而其它 Inbound 一般都属于 “泛目标”代理。
内部实际上就是 指定了目标的 纯tcp/udp协议，属于监听协议中最简单、最纯粹的一种。

Example 应用例子

使用 dokodemo 做监听，用 socks5 拨号，指定一个target，那么实际上就是把 该监听的节点 与远程target间 经由代理 建立了一个信道;
dokodemo 每监听到一个新连接， 就会新增一条 与 target 间的信道.
*/
package dokodemo

import (
	"context"
	"net"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
)

const Name = "dokodemo"

func init() {
	proxy.RegisterInbound(Name, &ServerCreator{})
}

type ServerCreator struct{}

// NewInbound 使用 lc.TargetAddr, 格式为url, 如 tcp://127.0.0.1:443 ; scheme 为 udp 时 只监听 udp.
func (ServerCreator) NewInbound(lc *proxy.ListenConf, d *proxy.Dispatcher) (proxy.Inbound, error) {
	ta, err := netLayer.NewAddrByURL(lc.TargetAddr)
	if err != nil {
		return nil, proxy.NewError(proxy.ErrKindInvalidInput, "dokodemo target", err)
	}
	s := NewServer(proxy.NewListenerBase(lc, d), ta)
	if ta.IsUDP() {
		s.tcp = false
	}
	return s, nil
}

type Server struct {
	proxy.ListenerBase

	target netLayer.Addr //监听地址 是 ListenerBase.Addr, 不要与 target 混淆
	tcp    bool
}

func NewServer(lb proxy.ListenerBase, target netLayer.Addr) *Server {
	return &Server{ListenerBase: lb, target: target, tcp: true}
}

func (s *Server) HandleTCP() bool { return s.tcp }
func (s *Server) HandleUDP() bool { return !s.NoUDP }

func (s *Server) ListenTCP(ctx context.Context) error {
	return s.ServeStream(ctx, s.Handshake)
}

func (s *Server) Handshake(_ context.Context, underlay net.Conn) (net.Conn, *proxy.Session, error) {
	src, _ := netLayer.NewAddrFromAny(underlay.RemoteAddr())
	target := s.target
	target.Network = "tcp"
	return underlay, &proxy.Session{Source: src, Destination: target, Network: proxy.TCP, InboundTag: s.Tag}, nil
}

func (s *Server) ListenUDP(ctx context.Context) error {
	uc, err := netLayer.ListenUDP(ctx, s.Addr, s.D.Option.Sockopt())
	if err != nil {
		return proxy.NewError(proxy.ErrKindIO, "dokodemo listen udp "+s.Addr, err)
	}
	return s.ServeUDPOn(ctx, uc)
}

// ServeUDPOn 把 pc 收到的 每个包 发往 target. 阻塞.
func (s *Server) ServeUDPOn(ctx context.Context, pc net.PacketConn) error {
	target := s.target
	target.Network = "udp"
	return s.D.ServeUDP(ctx, &netLayer.UniTargetPacketChannel{PacketConn: pc, Target: target})
}
