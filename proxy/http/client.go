package http

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/url"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/tlsLayer"
	"github.com/e1732a364fed/vsproxy/utils"
)

func init() {
	proxy.RegisterOutbound(Name, &ClientCreator{})
}

type ClientCreator struct{}

func (ClientCreator) URLToDialConf(u *url.URL) (*proxy.DialConf, error) {
	return proxy.URLToDialConf(u)
}

func (ClientCreator) NewOutbound(dc *proxy.DialConf) (proxy.Outbound, error) {
	addr, err := dc.GetAddr()
	if err != nil {
		return nil, err
	}
	c := &Client{
		Base: proxy.Base{Tag: dc.Tag, Addr: addr, Option: dc.CommonOption},
	}
	if c.Tag == "" {
		c.Tag = Name
	}
	c.User, c.Pass = dc.UserPass()

	if dc.TLS {
		tc := tlsConfFromCommon(&dc.CommonConf)
		if tc.Host == "" {
			tc.Host = addr.HostStr()
		}
		c.tlsClient, err = tlsLayer.NewClient(tc)
		if err != nil {
			return nil, proxy.NewError(proxy.ErrKindInvalidInput, "http proxy tls conf", err)
		}
	}
	return c, nil
}

// Client 通过 http CONNECT 方法 代理 tcp 流量; 不支持 udp.
type Client struct {
	proxy.Base

	User, Pass string

	tlsClient *tlsLayer.Client //不为nil 时, 先与代理服务器 进行 tls 握手 (https 代理)
}

func (*Client) Proto() proxy.Proto { return proxy.ProtoHTTP }

func (c *Client) ConnectStream(ctx context.Context, sess *proxy.Session, r netLayer.Resolver) (net.Conn, error) {
	return proxy.ConnectThenProxy(ctx, c, func(ctx context.Context) (net.Conn, error) {
		return c.DialRemote(ctx, r)
	}, sess, r)
}

func (c *Client) ProxyStream(ctx context.Context, underlay net.Conn, sess *proxy.Session, _ netLayer.Resolver) (net.Conn, error) {
	conn := underlay
	if c.tlsClient != nil {
		tc, err := c.tlsClient.Handshake(ctx, underlay)
		if err != nil {
			return nil, proxy.NewError(proxy.ErrKindIO, "https proxy tls handshake", err)
		}
		conn = tc
	}

	var result net.Conn
	err := netLayer.HandshakeContext(ctx, underlay, func() (e error) {
		result, e = c.connect(conn, sess.Destination)
		return
	})
	if err != nil {
		return nil, proxy.WrapIOErr("http connect", err)
	}
	return result, nil
}

func (c *Client) connect(conn net.Conn, target netLayer.Addr) (net.Conn, error) {
	hostport := target.String()
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: hostport},
		Host:   hostport,
		Header: make(http.Header),
	}
	if c.User != "" {
		req.Header.Set("Proxy-Authorization", basicAuth(c.User, c.Pass))
	}

	if err := req.Write(conn); err != nil {
		return nil, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, protocolErr("http connect response", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, protocolErr("http connect", utils.ErrInErr{ErrDesc: "http proxy CONNECT failed", ErrDetail: utils.ErrInvalidData, Data: resp.Status})
	}

	if n := br.Buffered(); n > 0 {
		bs, _ := br.Peek(n)
		return &ProxyConn{Conn: conn, firstData: append([]byte(nil), bs...)}, nil
	}
	return conn, nil
}

func (c *Client) ConnectDatagram(context.Context, *proxy.Session, netLayer.Resolver) (netLayer.MsgConn, error) {
	return nil, proxy.ErrUDPNotSupported
}
