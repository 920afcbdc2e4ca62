package shadowsocks

import (
	"context"
	"net"

	"github.com/shadowsocks/go-shadowsocks2/core"
	"github.com/shadowsocks/go-shadowsocks2/socks"
	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/utils"
)

func init() {
	proxy.RegisterInbound(Name, &ServerCreator{})
}

type ServerCreator struct{}

func (ServerCreator) NewInbound(lc *proxy.ListenConf, d *proxy.Dispatcher) (proxy.Inbound, error) {
	mp, ok := methodPassFromConf(&lc.CommonConf)
	if !ok {
		return nil, proxy.NewError(proxy.ErrKindInvalidInput, "shadowsocks conf", utils.ErrNilOrWrongParameter)
	}
	s, err := NewServer(proxy.NewListenerBase(lc, d), mp)
	if err != nil {
		return nil, proxy.NewError(proxy.ErrKindInvalidInput, "shadowsocks conf", err)
	}
	return s, nil
}

// Server 为 shadowsocks 入站. 同一个端口 同时监听 tcp 与 udp.
type Server struct {
	proxy.ListenerBase

	cipher core.Cipher
}

func NewServer(lb proxy.ListenerBase, mp MethodPass) (*Server, error) {
	cipher, err := initShadowCipher(mp)
	if err != nil {
		return nil, err
	}
	return &Server{ListenerBase: lb, cipher: cipher}, nil
}

func (*Server) HandleTCP() bool   { return true }
func (s *Server) HandleUDP() bool { return !s.NoUDP }

func (s *Server) ListenTCP(ctx context.Context) error {
	return s.ServeStream(ctx, s.Handshake)
}

func (s *Server) Handshake(_ context.Context, underlay net.Conn) (net.Conn, *proxy.Session, error) {
	conn := s.cipher.StreamConn(underlay)

	sa, err := socks.ReadAddr(conn)
	if err != nil {
		return nil, nil, proxy.NewError(proxy.ErrKindProtocol, "shadowsocks read target", err)
	}
	target, err := fromSocksAddr(sa)
	if err != nil {
		return nil, nil, proxy.NewError(proxy.ErrKindProtocol, "shadowsocks read target", err)
	}

	src, _ := netLayer.NewAddrFromAny(underlay.RemoteAddr())
	return conn, &proxy.Session{Source: src, Destination: target, Network: proxy.TCP, InboundTag: s.Tag}, nil
}

func (s *Server) ListenUDP(ctx context.Context) error {
	uc, err := netLayer.ListenUDP(ctx, s.Addr, s.D.Option.Sockopt())
	if err != nil {
		return proxy.NewError(proxy.ErrKindIO, "shadowsocks listen udp "+s.Addr, err)
	}
	return s.ServeUDPOn(ctx, uc)
}

// ServeUDPOn 在 已经监听的 pc 上 提供 udp 服务. 阻塞.
func (s *Server) ServeUDPOn(ctx context.Context, pc net.PacketConn) error {
	if ce := utils.CanLogInfo("Listening udp"); ce != nil {
		ce.Write(zap.String("tag", s.Tag), zap.String("addr", pc.LocalAddr().String()))
	}
	return s.D.ServeUDP(ctx, &serverPacketChannel{PacketConn: securePacketConn(s.cipher, pc)})
}

// serverPacketChannel 实现 netLayer.PacketChannel. 读到的包 的 Source 为 客户端地址, Target 为 包内的 地址.
type serverPacketChannel struct {
	net.PacketConn
}

func (sc *serverPacketChannel) ReadPacket() (netLayer.UDPPacket, error) {
	buf := utils.GetPacket()
	for {
		n, from, err := sc.PacketConn.ReadFrom(buf)
		if err != nil {
			if proxy.KindOf(err) != proxy.ErrKindIO {
				if ce := utils.CanLogDebug("shadowsocks udp decrypt failed"); ce != nil {
					ce.Write(zap.Error(err))
				}
				continue
			}
			utils.PutPacket(buf)
			return netLayer.UDPPacket{}, err
		}
		target, data, err := splitPacket(buf[:n])
		if err != nil {
			if ce := utils.CanLogDebug("shadowsocks bad udp packet"); ce != nil {
				ce.Write(zap.String("from", from.String()), zap.Error(err))
			}
			continue
		}
		src, _ := netLayer.NewAddrFromAny(from)
		src.Network = "udp"
		return netLayer.UDPPacket{Data: data, Source: src, Target: target}, nil
	}
}

// WritePacket 把 p.Source 发来的 响应 加密后 发给 客户端 p.Target.
func (sc *serverPacketChannel) WritePacket(p netLayer.UDPPacket) error {
	ua := p.Target.ToUDPAddr()
	if ua == nil {
		return utils.ErrInErr{ErrDesc: "shadowsocks udp: client address must be ip", ErrDetail: utils.ErrWrongParameter, Data: p.Target.String()}
	}
	bs, err := makePacket(p.Source, p.Data)
	if err != nil {
		return err
	}
	_, err = sc.PacketConn.WriteTo(bs, ua)
	return err
}
