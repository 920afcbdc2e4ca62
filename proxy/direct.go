package proxy

import (
	"context"
	"net"

	"github.com/e1732a364fed/vsproxy/netLayer"
)

const (
	DirectName = "direct"
	DirectURL  = DirectName + "://"
)

// Direct 直接拨号 目标地址. 目标为域名时 通过传入的 Resolver 解析, 为ip时 不会调用 Resolver.
type Direct struct {
	Tag    string
	Option CommonOption
}

func NewDirect(tag string, opt CommonOption) *Direct {
	if tag == "" {
		tag = DirectName
	}
	return &Direct{Tag: tag, Option: opt}
}

func (d *Direct) Name() string { return d.Tag }

func (*Direct) Proto() Proto { return ProtoDirect }

func (*Direct) RemoteAddr() (netLayer.Addr, bool) { return netLayer.Addr{}, false }

func (*Direct) SupportUDP() bool { return true }

func (d *Direct) ConnectStream(ctx context.Context, sess *Session, r netLayer.Resolver) (net.Conn, error) {
	return DialAddr(ctx, sess.Destination, d.Option, r)
}

// ProxyStream 原样返回 underlay.
func (*Direct) ProxyStream(_ context.Context, underlay net.Conn, _ *Session, _ netLayer.Resolver) (net.Conn, error) {
	return underlay, nil
}

// ConnectDatagram 在一个新的随机端口上 监听udp; 写入的目标为域名时, 逐包 通过 r 解析.
func (d *Direct) ConnectDatagram(ctx context.Context, _ *Session, r netLayer.Resolver) (netLayer.MsgConn, error) {
	mc, err := netLayer.NewUDPMsgConn(ctx, d.Option.Sockopt(), r)
	if err != nil {
		return nil, NewError(ErrKindIO, "direct listen udp", err)
	}
	return mc, nil
}

// ProxyDatagram 原样返回 underlay.
func (*Direct) ProxyDatagram(_ context.Context, underlay netLayer.MsgConn, _ *Session, _ netLayer.Resolver) (netLayer.MsgConn, error) {
	return underlay, nil
}
