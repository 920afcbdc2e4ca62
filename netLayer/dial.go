package netLayer

import (
	"context"
	"net"
	"time"

	"github.com/e1732a364fed/vsproxy/utils"
)

// DialTimeout 是单次 tcp 拨号的最长时间; ctx 的 deadline 更早时以 ctx 为准.
var DialTimeout = time.Second * 8

// DialTCP 拨号一个已经解析好ip的地址, 并应用 sockopt. 若 addr 仍是域名, 会交给系统解析;
// 调用者一般应先用 ResolveAddr 解析, 这样可以保证使用的是注入的 Resolver.
func DialTCP(ctx context.Context, addr Addr, sockopt *Sockopt) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout: DialTimeout,
		Control: sockopt.controlFunc(),
	}

	network := "tcp"
	if addr.IP != nil {
		if addr.IP.To4() != nil {
			network = "tcp4"
		} else {
			network = "tcp6"
		}
	}

	c, err := dialer.DialContext(ctx, network, addr.String())
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "dial tcp failed", ErrDetail: err, Data: addr.String()}
	}
	return c, nil
}

// ListenUDP 监听一个本地udp端口 用于向外发送数据. laddr 为空时 使用随机端口.
func ListenUDP(ctx context.Context, laddr string, sockopt *Sockopt) (*net.UDPConn, error) {
	lc := &net.ListenConfig{
		Control: sockopt.controlFunc(),
	}
	if laddr == "" {
		laddr = ":0"
	}
	pc, err := lc.ListenPacket(ctx, "udp", laddr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// ListenTCP 监听tcp, 并应用 sockopt.
func ListenTCP(ctx context.Context, laddr string, sockopt *Sockopt) (net.Listener, error) {
	lc := &net.ListenConfig{
		Control: sockopt.controlFunc(),
	}
	return lc.Listen(ctx, "tcp", laddr)
}
