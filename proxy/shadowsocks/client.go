package shadowsocks

import (
	"context"
	"encoding/base64"
	"net"
	"net/url"
	"strings"

	"github.com/shadowsocks/go-shadowsocks2/core"
	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/utils"
)

func init() {
	proxy.RegisterOutbound(Name, ClientCreator{})
	proxy.RegisterOutbound("ss", ClientCreator{})
}

type ClientCreator struct{}

// URLToDialConf 支持 SIP002 格式: ss://method:pass@host:port 或 ss://base64(method:pass)@host:port
func (ClientCreator) URLToDialConf(u *url.URL) (*proxy.DialConf, error) {
	dc, err := proxy.URLToDialConf(u)
	if err != nil {
		return nil, err
	}
	if u.User != nil {
		if _, set := u.User.Password(); !set {
			name := u.User.Username()
			bs, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(name, "="))
			if err != nil {
				return nil, proxy.NewError(proxy.ErrKindInvalidInput, "shadowsocks url userinfo", err)
			}
			dc.Uuid = string(bs)
		}
	}
	//ss 默认支持 udp
	dc.UDP = dc.UDP || u.Query().Get("udp") == ""
	return dc, nil
}

func (ClientCreator) NewOutbound(dc *proxy.DialConf) (proxy.Outbound, error) {
	mp, ok := methodPassFromConf(&dc.CommonConf)
	if !ok {
		return nil, proxy.NewError(proxy.ErrKindInvalidInput, "shadowsocks conf", utils.ErrNilOrWrongParameter)
	}
	cipher, err := initShadowCipher(mp)
	if err != nil {
		return nil, proxy.NewError(proxy.ErrKindInvalidInput, "shadowsocks conf", err)
	}
	addr, err := dc.GetAddr()
	if err != nil {
		return nil, err
	}
	c := &Client{
		Base:   proxy.Base{Tag: dc.Tag, Addr: addr, Option: dc.CommonOption, UDP: dc.UDP},
		cipher: cipher,
		method: mp.Method,
	}
	if c.Tag == "" {
		c.Tag = Name
	}
	return c, nil
}

// Client 为 shadowsocks 客户端. 实现了 proxy.DatagramProxier, 所以可以作为 relay 的 后续跳.
type Client struct {
	proxy.Base

	cipher core.Cipher
	method string
}

func (*Client) Proto() proxy.Proto { return proxy.ProtoShadowsocks }

func (c *Client) ConnectStream(ctx context.Context, sess *proxy.Session, r netLayer.Resolver) (net.Conn, error) {
	return proxy.ConnectThenProxy(ctx, c, func(ctx context.Context) (net.Conn, error) {
		return c.DialRemote(ctx, r)
	}, sess, r)
}

// ProxyStream 写入 加密后的 目标地址; shadowsocks 没有 服务端回应, 所以 写入成功 即为 握手成功.
func (c *Client) ProxyStream(ctx context.Context, underlay net.Conn, sess *proxy.Session, _ netLayer.Resolver) (net.Conn, error) {
	sa, err := toSocksAddr(sess.Destination)
	if err != nil {
		return nil, proxy.NewError(proxy.ErrKindInvalidInput, "shadowsocks target", err)
	}

	conn := c.cipher.StreamConn(underlay)
	err = netLayer.HandshakeContext(ctx, underlay, func() error {
		_, e := conn.Write(sa)
		return e
	})
	if err != nil {
		return nil, proxy.WrapIOErr("shadowsocks handshake", err)
	}
	return conn, nil
}

// ConnectDatagram 在 一个新的 本地 udp 端口 上 与 服务端 通信.
func (c *Client) ConnectDatagram(ctx context.Context, _ *proxy.Session, r netLayer.Resolver) (netLayer.MsgConn, error) {
	if !c.UDP {
		return nil, proxy.ErrUDPNotSupported
	}
	ra, err := netLayer.ResolveAddr(ctx, r, c.Addr)
	if err != nil {
		return nil, proxy.NewError(proxy.ErrKindIO, "shadowsocks resolve server", err)
	}
	uc, err := netLayer.ListenUDP(ctx, "", c.Option.Sockopt())
	if err != nil {
		return nil, proxy.NewError(proxy.ErrKindIO, "shadowsocks listen udp", err)
	}

	if ce := utils.CanLogDebug("shadowsocks udp"); ce != nil {
		ce.Write(zap.String("server", ra.String()), zap.String("local", uc.LocalAddr().String()))
	}

	return &MsgConn{PacketConn: securePacketConn(c.cipher, uc), raddr: ra.ToUDPAddr()}, nil
}

// ProxyDatagram 把 加密后的 数据包 通过 underlay 发往 服务端.
func (c *Client) ProxyDatagram(_ context.Context, underlay netLayer.MsgConn, _ *proxy.Session, _ netLayer.Resolver) (netLayer.MsgConn, error) {
	if !c.UDP {
		return nil, proxy.ErrUDPNotSupported
	}
	peer := c.Addr
	peer.Network = "udp"
	pa := &netLayer.PacketConnAdapter{MsgConn: underlay, Peer: peer}
	return &MsgConn{PacketConn: securePacketConn(c.cipher, pa), raddr: pa.LocalAddr()}, nil
}

// MsgConn 实现 netLayer.MsgConn: 每个数据包 为 加密的 [地址][数据].
type MsgConn struct {
	net.PacketConn
	raddr net.Addr
}

func (mc *MsgConn) ReadMsgFrom() ([]byte, netLayer.Addr, error) {
	buf := utils.GetPacket()
	for {
		n, _, err := mc.PacketConn.ReadFrom(buf)
		if err != nil {
			//解密失败的包 直接丢弃; 底层错误 已由 ioErrPacketConn 标记为 io
			if proxy.KindOf(err) != proxy.ErrKindIO {
				if ce := utils.CanLogDebug("shadowsocks udp decrypt failed"); ce != nil {
					ce.Write(zap.Error(err))
				}
				continue
			}
			utils.PutPacket(buf)
			return nil, netLayer.Addr{}, err
		}
		addr, data, err := splitPacket(buf[:n])
		if err != nil {
			if ce := utils.CanLogDebug("shadowsocks bad udp packet"); ce != nil {
				ce.Write(zap.Error(err))
			}
			continue
		}
		return data, addr, nil
	}
}

func (mc *MsgConn) WriteMsgTo(p []byte, addr netLayer.Addr) error {
	bs, err := makePacket(addr, p)
	if err != nil {
		return err
	}
	_, err = mc.PacketConn.WriteTo(bs, mc.raddr)
	return err
}
