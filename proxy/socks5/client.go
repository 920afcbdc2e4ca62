package socks5

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"

	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
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
		Base: proxy.Base{Tag: dc.Tag, Addr: addr, Option: dc.CommonOption, UDP: dc.UDP},
	}
	if c.Tag == "" {
		c.Tag = Name
	}
	c.User, c.Pass = dc.UserPass()
	if len(c.User) > 255 || len(c.Pass) > 255 {
		return nil, proxy.NewError(proxy.ErrKindInvalidInput, "socks5 user/pass", utils.ErrWrongParameter)
	}
	return c, nil
}

// Client 为 socks5 客户端. User 不为空时 使用 rfc1929 用户名密码认证.
type Client struct {
	proxy.Base

	User, Pass string
}

func (*Client) Proto() proxy.Proto { return proxy.ProtoSocks5 }

func (c *Client) ConnectStream(ctx context.Context, sess *proxy.Session, r netLayer.Resolver) (net.Conn, error) {
	return proxy.ConnectThenProxy(ctx, c, func(ctx context.Context) (net.Conn, error) {
		return c.DialRemote(ctx, r)
	}, sess, r)
}

// ProxyStream 在 underlay 上发送 CONNECT 请求. 握手后 socks5 不再对数据进行任何处理, 所以直接返回 underlay.
func (c *Client) ProxyStream(ctx context.Context, underlay net.Conn, sess *proxy.Session, _ netLayer.Resolver) (net.Conn, error) {
	err := netLayer.HandshakeContext(ctx, underlay, func() error {
		_, e := c.handshake(underlay, CmdConnect, sess.Destination)
		return e
	})
	if err != nil {
		return nil, proxy.WrapIOErr("socks5 connect", err)
	}
	return underlay, nil
}

// ConnectDatagram 建立一个 tcp 控制连接 并发送 UDP ASSOCIATE 请求, 然后通过 服务端返回的 udp 地址 转发数据.
// 控制连接 关闭时, 关联结束; 关闭返回的 MsgConn 也会关闭 控制连接.
func (c *Client) ConnectDatagram(ctx context.Context, _ *proxy.Session, r netLayer.Resolver) (netLayer.MsgConn, error) {
	if !c.UDP {
		return nil, proxy.ErrUDPNotSupported
	}

	ctrl, err := c.DialRemote(ctx, r)
	if err != nil {
		return nil, err
	}

	var bound netLayer.Addr
	err = netLayer.HandshakeContext(ctx, ctrl, func() (e error) {
		bound, e = c.handshake(ctrl, CmdUDPAssociate, netLayer.Addr{IP: net.IPv4zero.To4(), Port: 0})
		return
	})
	if err != nil {
		ctrl.Close()
		return nil, proxy.WrapIOErr("socks5 udp associate", err)
	}

	//服务端回复 0.0.0.0 时, 使用 控制连接 的地址
	if bound.IP == nil || bound.IP.IsUnspecified() {
		ra, _ := netLayer.NewAddrFromAny(ctrl.RemoteAddr())
		bound.IP = ra.IP
		bound.Name = ""
	} else if bound.IsDomain() {
		bound, err = netLayer.ResolveAddr(ctx, r, bound)
		if err != nil {
			ctrl.Close()
			return nil, proxy.NewError(proxy.ErrKindIO, "socks5 resolve udp relay", err)
		}
	}

	pc, err := netLayer.ListenUDP(ctx, "", c.Option.Sockopt())
	if err != nil {
		ctrl.Close()
		return nil, proxy.NewError(proxy.ErrKindIO, "socks5 listen udp", err)
	}

	cuc := &ClientUDPConn{
		UDPConn: pc,
		ctrl:    ctrl,
		relay:   bound.ToUDPAddr(),
	}

	go func() {
		io.Copy(io.Discard, ctrl)
		if ce := utils.CanLogDebug("socks5 udp associate control conn closed"); ce != nil {
			ce.Write(zap.String("server", c.Addr.String()))
		}
		cuc.Close()
	}()

	return cuc, nil
}

// handshake 进行 版本协商, 可选的认证, 然后发送 cmd 请求; 返回 服务端 回复的 BND 地址.
func (c *Client) handshake(rw io.ReadWriter, cmd byte, target netLayer.Addr) (netLayer.Addr, error) {
	var ba [2]byte

	method := byte(AuthNone)
	greeting := []byte{Version5, 1, AuthNone}
	if c.User != "" {
		method = AuthPassword
		greeting = []byte{Version5, 1, AuthPassword}
	}
	if _, err := rw.Write(greeting); err != nil {
		return netLayer.Addr{}, err
	}

	if _, err := io.ReadFull(rw, ba[:]); err != nil {
		return netLayer.Addr{}, err
	}
	if ba[0] != Version5 || ba[1] != method {
		return netLayer.Addr{}, protocolErr(utils.NumErr{Prefix: "socks5 client handshake, method not accepted ", N: int(ba[1])})
	}

	if method == AuthPassword {
		buf := make([]byte, 0, 3+len(c.User)+len(c.Pass))
		buf = append(buf, authPasswordVersion, byte(len(c.User)))
		buf = append(buf, c.User...)
		buf = append(buf, byte(len(c.Pass)))
		buf = append(buf, c.Pass...)
		if _, err := rw.Write(buf); err != nil {
			return netLayer.Addr{}, err
		}
		if _, err := io.ReadFull(rw, ba[:]); err != nil {
			return netLayer.Addr{}, err
		}
		if ba[0] != authPasswordVersion || ba[1] != 0 {
			return netLayer.Addr{}, protocolErr(errors.New("socks5 authentication failed"))
		}
	}

	abs, err := target.Socks5Bytes()
	if err != nil {
		return netLayer.Addr{}, proxy.NewError(proxy.ErrKindInvalidInput, "socks5 target", err)
	}

	req := make([]byte, 0, 3+len(abs))
	req = append(req, Version5, cmd, 0)
	req = append(req, abs...)
	if _, err = rw.Write(req); err != nil {
		return netLayer.Addr{}, err
	}

	var head [3]byte
	if _, err = io.ReadFull(rw, head[:]); err != nil {
		return netLayer.Addr{}, err
	}
	if head[0] != Version5 {
		return netLayer.Addr{}, protocolErr(utils.NumErr{Prefix: "socks5 client handshake, bad reply version ", N: int(head[0])})
	}
	if head[1] != ReplySucceeded {
		return netLayer.Addr{}, protocolErr(utils.NumErr{Prefix: "socks5 server replied failure ", N: int(head[1])})
	}

	bound, err := netLayer.ParseSocks5Addr(rw)
	if err != nil {
		return netLayer.Addr{}, protocolErr(err)
	}
	return bound, nil
}

func protocolErr(err error) error {
	return proxy.NewError(proxy.ErrKindProtocol, "socks5 handshake", err)
}

// ClientUDPConn 实现 netLayer.MsgConn. 只接受来自 服务端 relay 地址的 数据包.
type ClientUDPConn struct {
	*net.UDPConn

	ctrl  net.Conn
	relay *net.UDPAddr
}

func (cuc *ClientUDPConn) ReadMsgFrom() ([]byte, netLayer.Addr, error) {
	bs := utils.GetPacket()
	for {
		n, from, err := cuc.UDPConn.ReadFromUDP(bs)
		if err != nil {
			utils.PutPacket(bs)
			return nil, netLayer.Addr{}, err
		}
		if !from.IP.Equal(cuc.relay.IP) || from.Port != cuc.relay.Port {
			continue
		}

		addr, data, err := DecodeUDPPacket(bs[:n])
		if err != nil {
			if ce := utils.CanLogDebug("socks5 client got bad udp packet"); ce != nil {
				ce.Write(zap.Error(err))
			}
			continue
		}
		return data, addr, nil
	}
}

func (cuc *ClientUDPConn) WriteMsgTo(p []byte, addr netLayer.Addr) error {
	bs, err := EncodeUDPPacket(addr, p)
	if err != nil {
		return err
	}
	_, err = cuc.UDPConn.WriteToUDP(bs, cuc.relay)
	return err
}

func (cuc *ClientUDPConn) Close() error {
	cuc.ctrl.Close()
	return cuc.UDPConn.Close()
}
