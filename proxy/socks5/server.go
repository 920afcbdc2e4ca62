package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/utils"
)

func init() {
	proxy.RegisterInbound(Name, &ServerCreator{})
}

type ServerCreator struct{}

// NewInbound 的用户 来自 lc.Users 以及 lc.Uuid (user:pass); 都没有时 不验证.
func (ServerCreator) NewInbound(lc *proxy.ListenConf, d *proxy.Dispatcher) (proxy.Inbound, error) {
	s := &Server{
		ListenerBase: proxy.NewListenerBase(lc, d),
		users:        utils.NewMultiUserMapFromConf(lc.Users),
	}
	if lc.Uuid != "" {
		user, pass := lc.UserPass()
		if s.users == nil {
			s.users = utils.NewMultiUserMap()
		}
		s.users.AddUser(utils.NewUserPass(utils.UserConf{User: user, Pass: pass}))
	}
	return s, nil
}

// Server 为 socks5 入站, 支持 CONNECT 与 UDP ASSOCIATE. udp 的 数据包 经由 ASSOCIATE 得到的端口 传输,
// 所以 HandleUDP 为 false.
type Server struct {
	proxy.ListenerBase

	users *utils.MultiUserMap
}

func NewServer(lb proxy.ListenerBase, users *utils.MultiUserMap) *Server {
	return &Server{ListenerBase: lb, users: users}
}

func (*Server) HandleTCP() bool { return true }
func (*Server) HandleUDP() bool { return false }

func (s *Server) ListenTCP(ctx context.Context) error {
	return s.ServeStream(ctx, s.Handshake)
}

func (*Server) ListenUDP(context.Context) error { return proxy.ErrUDPNotSupported }

func (s *Server) Handshake(ctx context.Context, underlay net.Conn) (net.Conn, *proxy.Session, error) {
	if err := s.negotiate(underlay); err != nil {
		return nil, nil, err
	}

	var head [3]byte
	if _, err := io.ReadFull(underlay, head[:]); err != nil {
		return nil, nil, err
	}
	if head[0] != Version5 {
		return nil, nil, protocolErr(utils.NumErr{Prefix: "socks5 request, bad version ", N: int(head[0])})
	}
	cmd := head[1]

	target, err := netLayer.ParseSocks5Addr(underlay)
	if err != nil {
		underlay.Write(failReply(ReplyAddrTypeNotSupported))
		return nil, nil, protocolErr(err)
	}

	//浏览器一般不会自己dns, 会把ip也当作域名传入
	if ip := net.ParseIP(target.Name); ip != nil {
		target.IP = ip
		target.Name = ""
	}

	src, _ := netLayer.NewAddrFromAny(underlay.RemoteAddr())
	sess := &proxy.Session{Source: src, Destination: target, InboundTag: s.Tag}

	switch cmd {
	case CmdConnect:
		if _, err = underlay.Write(commmonTCP_HandshakeReply); err != nil {
			return nil, nil, err
		}
		sess.Network = proxy.TCP
		return underlay, sess, nil

	case CmdUDPAssociate:
		return s.associate(ctx, underlay, sess)

	default:
		underlay.Write(failReply(ReplyCommandNotSupported))
		return nil, nil, proxy.NewError(proxy.ErrKindCapability, "socks5 request", utils.NumErr{Prefix: "unsupported command ", N: int(cmd)})
	}
}

// negotiate 读取 客户端 支持的认证方法, 选择一个 并完成认证.
func (s *Server) negotiate(rw io.ReadWriter) error {
	var ba [2]byte
	if _, err := io.ReadFull(rw, ba[:]); err != nil {
		return err
	}
	if ba[0] != Version5 {
		return protocolErr(utils.NumErr{Prefix: "socks5 hello, unsupported version ", N: int(ba[0])})
	}
	methods := make([]byte, ba[1])
	if _, err := io.ReadFull(rw, methods); err != nil {
		return err
	}

	want := byte(AuthNone)
	if s.users != nil {
		want = AuthPassword
	}
	offered := false
	for _, m := range methods {
		if m == want {
			offered = true
			break
		}
	}
	if !offered {
		rw.Write([]byte{Version5, AuthNoAcceptable})
		return protocolErr(errors.New("socks5 no acceptable auth method"))
	}
	if _, err := rw.Write([]byte{Version5, want}); err != nil {
		return err
	}
	if want == AuthNone {
		return nil
	}

	// rfc1929: VER ULEN UNAME PLEN PASSWD
	if _, err := io.ReadFull(rw, ba[:]); err != nil {
		return err
	}
	if ba[0] != authPasswordVersion {
		return protocolErr(utils.NumErr{Prefix: "socks5 auth, bad version ", N: int(ba[0])})
	}
	user := make([]byte, ba[1])
	if _, err := io.ReadFull(rw, user); err != nil {
		return err
	}
	var plen [1]byte
	if _, err := io.ReadFull(rw, plen[:]); err != nil {
		return err
	}
	pass := make([]byte, plen[0])
	if _, err := io.ReadFull(rw, pass); err != nil {
		return err
	}

	if s.users.AuthUserByUserPass(string(user), string(pass)) == nil {
		rw.Write([]byte{authPasswordVersion, 1})
		return proxy.NewError(proxy.ErrKindRejected, "socks5 auth", utils.ErrInErr{ErrDesc: "wrong user or password", ErrDetail: utils.ErrInvalidData, Data: string(user)})
	}
	_, err := rw.Write([]byte{authPasswordVersion, 0})
	return err
}

// associate 在 控制连接的 本地ip 上 监听一个 随机 udp 端口, 并回复给客户端.
//
// 根据 rfc1928, 请求中的 DST.ADDR/DST.PORT 是 客户端 将用来 发送udp的地址; 为 0 时 以第一个 数据包 的来源 为准.
func (s *Server) associate(ctx context.Context, ctrl net.Conn, sess *proxy.Session) (net.Conn, *proxy.Session, error) {
	local, _ := netLayer.NewAddrFromAny(ctrl.LocalAddr())

	uc, err := netLayer.ListenUDP(ctx, net.JoinHostPort(local.HostStr(), "0"), s.D.Option.Sockopt())
	if err != nil {
		ctrl.Write(failReply(ReplyGeneralFailure))
		return nil, nil, proxy.NewError(proxy.ErrKindIO, "socks5 udp associate listen", err)
	}

	bound, _ := netLayer.NewAddrFromAny(uc.LocalAddr())
	abs, _ := bound.Socks5Bytes()
	reply := append([]byte{Version5, ReplySucceeded, 0}, abs...)
	if _, err = ctrl.Write(reply); err != nil {
		uc.Close()
		return nil, nil, err
	}

	suc := &ServerUDPConn{UDPConn: uc}
	if claimed := sess.Destination; claimed.IP != nil && !claimed.IP.IsUnspecified() && claimed.Port != 0 {
		suc.client = claimed.ToUDPAddr()
	}

	if ce := utils.CanLogDebug("socks5 udp associate"); ce != nil {
		ce.Write(zap.String("client", sess.Source.String()), zap.String("bound", bound.String()))
	}

	sess.Network = proxy.UDP
	sess.Destination = netLayer.Addr{}
	return &proxy.Associate{Conn: ctrl, Channel: suc}, sess, nil
}

func failReply(rep byte) []byte {
	return []byte{Version5, rep, 0, netLayer.AtypIP4, 0, 0, 0, 0, 0, 0}
}

// ServerUDPConn 为 socks5 服务端 的 udp 端口, 实现 netLayer.PacketChannel.
// 只接受 来自 客户端地址 的数据包, 其它来源的 直接丢弃.
type ServerUDPConn struct {
	*net.UDPConn

	mutex  sync.RWMutex
	client *net.UDPAddr
}

func (u *ServerUDPConn) clientAddr() *net.UDPAddr {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.client
}

// ReadPacket 从 客户端 读取 udp 请求.
func (u *ServerUDPConn) ReadPacket() (netLayer.UDPPacket, error) {
	bs := utils.GetPacket()
	for {
		n, from, err := u.UDPConn.ReadFromUDP(bs)
		if err != nil {
			utils.PutPacket(bs)
			return netLayer.UDPPacket{}, err
		}

		if c := u.clientAddr(); c != nil {
			if !from.IP.Equal(c.IP) || from.Port != c.Port {
				if ce := utils.CanLogDebug("socks5 udp packet not from client, dropped"); ce != nil {
					ce.Write(zap.String("from", from.String()))
				}
				continue
			}
		} else {
			u.mutex.Lock()
			if u.client == nil {
				u.client = from
			}
			u.mutex.Unlock()
		}

		target, data, err := DecodeUDPPacket(bs[:n])
		if err != nil {
			if ce := utils.CanLogDebug("socks5 bad udp packet, dropped"); ce != nil {
				ce.Write(zap.Error(err))
			}
			continue
		}
		return netLayer.UDPPacket{Data: data, Source: netLayer.NewAddrFromUDPAddr(from), Target: target}, nil
	}
}

// WritePacket 将 远程地址 p.Source 发来的响应 传给 客户端.
func (u *ServerUDPConn) WritePacket(p netLayer.UDPPacket) error {
	c := u.clientAddr()
	if c == nil {
		c = p.Target.ToUDPAddr()
	}
	if c == nil {
		return utils.ErrInErr{ErrDesc: "socks5 udp, client address unknown", ErrDetail: utils.ErrWrongParameter}
	}
	bs, err := EncodeUDPPacket(p.Source, p.Data)
	if err != nil {
		return err
	}
	_, err = u.UDPConn.WriteToUDP(bs, c)
	return err
}
