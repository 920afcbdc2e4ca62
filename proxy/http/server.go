package http

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/tlsLayer"
	"github.com/e1732a364fed/vsproxy/utils"
)

func init() {
	proxy.RegisterInbound(Name, &ServerCreator{})
}

type ServerCreator struct{}

// NewInbound 的用户 来自 lc.Users 以及 lc.Uuid (user:pass); 都没有时 不验证. lc.TLS 为 true 时 作为 https 代理.
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
	if lc.TLS {
		ts, err := tlsLayer.NewServer(tlsConfFromCommon(&lc.CommonConf))
		if err != nil {
			return nil, proxy.NewError(proxy.ErrKindInvalidInput, "http proxy tls conf", err)
		}
		s.tlsServer = ts
	}
	return s, nil
}

type Server struct {
	proxy.ListenerBase

	users     *utils.MultiUserMap
	tlsServer *tlsLayer.Server
}

func NewServer(lb proxy.ListenerBase, users *utils.MultiUserMap, ts *tlsLayer.Server) *Server {
	return &Server{ListenerBase: lb, users: users, tlsServer: ts}
}

func (*Server) HandleTCP() bool { return true }
func (*Server) HandleUDP() bool { return false }

func (s *Server) ListenTCP(ctx context.Context) error {
	return s.ServeStream(ctx, s.Handshake)
}

func (*Server) ListenUDP(context.Context) error { return proxy.ErrUDPNotSupported }

// Handshake 读取 第一个 http 请求. CONNECT 时 回复 200 并返回 原连接;
// 否则 请求 必须为 绝对uri, 它会被 去掉 代理相关的头部 后 原样发给 目标.
func (s *Server) Handshake(ctx context.Context, underlay net.Conn) (net.Conn, *proxy.Session, error) {
	conn := underlay
	if s.tlsServer != nil {
		tc, err := s.tlsServer.Handshake(ctx, underlay)
		if err != nil {
			return nil, nil, proxy.NewError(proxy.ErrKindIO, "https proxy tls handshake", err)
		}
		conn = tc
	}

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		conn.Write(badRequestBytes)
		return nil, nil, protocolErr("http proxy read request", err)
	}

	if s.users != nil {
		user, pass, ok := parseBasicAuth(req.Header.Get("Proxy-Authorization"))
		if !ok || s.users.AuthUserByUserPass(user, pass) == nil {
			conn.Write(authRequiredBytes)
			return nil, nil, proxy.NewError(proxy.ErrKindRejected, "http proxy auth", utils.ErrInErr{ErrDesc: "wrong user or password", ErrDetail: utils.ErrInvalidData, Data: user})
		}
	}

	src, _ := netLayer.NewAddrFromAny(underlay.RemoteAddr())
	sess := &proxy.Session{Source: src, Network: proxy.TCP, InboundTag: s.Tag}

	if req.Method == http.MethodConnect {
		sess.Destination, err = netLayer.NewAddr(req.Host) //实测都会自带端口
		if err != nil {
			conn.Write(badRequestBytes)
			return nil, nil, proxy.NewError(proxy.ErrKindInvalidInput, "http proxy CONNECT host", err)
		}
		if _, err = conn.Write(connectReturnBytes); err != nil {
			return nil, nil, err
		}
		return withBuffered(conn, br, nil), sess, nil
	}

	//非CONNECT 只适用于 http, 无法用于 https
	if req.URL.Host == "" {
		conn.Write(badRequestBytes)
		return nil, nil, protocolErr("http proxy", utils.ErrInErr{ErrDesc: "request uri is not absolute", ErrDetail: utils.ErrInvalidData, Data: req.RequestURI})
	}
	hostport := req.URL.Host
	if req.URL.Port() == "" {
		hostport = net.JoinHostPort(strings.Trim(req.URL.Hostname(), "[]"), "80")
	}
	sess.Destination, err = netLayer.NewAddr(hostport)
	if err != nil {
		conn.Write(badRequestBytes)
		return nil, nil, proxy.NewError(proxy.ErrKindInvalidInput, "http proxy host", err)
	}

	req.Header.Del("Proxy-Authorization")
	req.Header.Del("Proxy-Connection")

	var buf bytes.Buffer
	if err = req.Write(&buf); err != nil {
		return nil, nil, err
	}

	if ce := utils.CanLogDebug("http proxy plain request"); ce != nil {
		ce.Write(zap.String("method", req.Method), zap.String("url", req.URL.String()))
	}
	return withBuffered(conn, br, buf.Bytes()), sess, nil
}

// withBuffered 把 prefix 与 br 中 已缓存 的数据 合并, 作为 返回的连接 第一次读到的数据.
func withBuffered(conn net.Conn, br *bufio.Reader, prefix []byte) net.Conn {
	n := br.Buffered()
	if n == 0 && len(prefix) == 0 {
		return conn
	}
	bs, _ := br.Peek(n)
	return &ProxyConn{Conn: conn, firstData: append(prefix, bs...)}
}
