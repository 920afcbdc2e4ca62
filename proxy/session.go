package proxy

import (
	"strings"

	"github.com/e1732a364fed/vsproxy/netLayer"
)

// Network 为一个 Session 的传输层类型.
type Network uint8

const (
	TCP Network = iota
	UDP
)

func (n Network) String() string {
	if n == UDP {
		return "udp"
	}
	return "tcp"
}

// Session 描述一次 连接请求 (一个tcp连接, 或 一个 udp 源地址 对应的 流).
// 由 Inbound 在收到新流量时创建一次, 此后只读, 以指针形式在 Outbound 链中传递.
type Session struct {
	Source      netLayer.Addr
	Destination netLayer.Addr
	Network     Network

	InboundTag string //可选, 创建该 Session 的 Inbound 的名称
	Process    string //可选, 发起连接的进程名
}

// WithDestination 返回一个 目标地址 为 dest 的 副本; s 本身不会被修改.
// 用于 relay 为 链中的每一跳 构造 合成的 Session.
func (s *Session) WithDestination(dest netLayer.Addr) *Session {
	ns := *s
	ns.Destination = dest
	return &ns
}

func (s *Session) String() string {
	var sb strings.Builder
	sb.WriteString(s.Network.String())
	sb.WriteString(" ")
	sb.WriteString(s.Source.String())
	sb.WriteString(" -> ")
	sb.WriteString(s.Destination.String())
	if s.InboundTag != "" {
		sb.WriteString(" [")
		sb.WriteString(s.InboundTag)
		sb.WriteString("]")
	}
	return sb.String()
}
