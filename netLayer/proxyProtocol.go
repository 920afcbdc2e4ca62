package netLayer

import (
	"io"
	"net"
	"time"

	"github.com/pires/go-proxyproto"

	"github.com/e1732a364fed/vsproxy/utils"
)

// 读取 PROXY protocol 头部的时限; 超过该时限的连接会被当作无效连接.
var ProxyProtocolReadHeaderTimeout = time.Second * 5

var proxyProtocolListenPolicyFunc = func(upstream net.Addr) (proxyproto.Policy, error) { return proxyproto.REQUIRE, nil }

// WrapProxyProtocolListener 使 l 接受的连接 必须以 PROXY protocol 头部开始;
// 之后 conn.RemoteAddr() 返回的是 头部中 记载的 真实客户端地址.
//
// Reference： http://www.haproxy.org/download/1.8/doc/proxy-protocol.txt
func WrapProxyProtocolListener(l net.Listener) net.Listener {
	return &proxyproto.Listener{
		Listener:          l,
		Policy:            proxyProtocolListenPolicyFunc,
		ReadHeaderTimeout: ProxyProtocolReadHeaderTimeout,
	}
}

// WritePROXYprotocol 向 w 写入一个 PROXY protocol 头部, 表示 一个从 src 到 dst 的 tcp连接.
// xver 必须是 1或者2。 本函数只支持tcp。
func WritePROXYprotocol(xver int, src, dst Addr, w io.Writer) (int64, error) {
	if xver != 1 && xver != 2 {
		return 0, utils.ErrInErr{ErrDesc: "WritePROXYprotocol: xver must be 1 or 2", ErrDetail: utils.ErrWrongParameter, Data: xver}
	}
	sa, da := src.ToTCPAddr(), dst.ToTCPAddr()
	if sa == nil || da == nil {
		return 0, utils.ErrInErr{ErrDesc: "WritePROXYprotocol: addresses must be ip", ErrDetail: utils.ErrWrongParameter}
	}

	h := &proxyproto.Header{
		Version:           byte(xver),
		Command:           proxyproto.PROXY,
		TransportProtocol: proxyproto.TCPv4,
		SourceAddr:        sa,
		DestinationAddr:   da,
	}
	if src.IsIpv6() {
		h.TransportProtocol = proxyproto.TCPv6
	}
	return h.WriteTo(w)
}
