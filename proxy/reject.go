package proxy

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/utils"
)

const RejectName = "reject"

const Err403response = "HTTP/1.1 403 Forbidden\r\nConnection: close\r\nCache-Control: max-age=3600, public\r\nContent-Length: 0\r\n\r\n"

// Reject 的所有操作 都立即失败, 不会进行任何网络活动. 用于让分流层 以同样的接口 表达 "丢弃该流量".
//
// Type 为 "http" 时, ProxyStream 会先向 underlay 写入一个 403 响应.
type Reject struct {
	Tag  string
	Type string
}

func NewReject(tag, rejectType string) *Reject {
	if tag == "" {
		tag = RejectName
	}
	return &Reject{Tag: tag, Type: rejectType}
}

func (r *Reject) Name() string { return r.Tag }

func (*Reject) Proto() Proto { return ProtoReject }

func (*Reject) RemoteAddr() (netLayer.Addr, bool) { return netLayer.Addr{}, false }

func (*Reject) SupportUDP() bool { return true }

func (*Reject) ConnectStream(context.Context, *Session, netLayer.Resolver) (net.Conn, error) {
	return nil, ErrRejected
}

func (r *Reject) ProxyStream(_ context.Context, underlay net.Conn, _ *Session, _ netLayer.Resolver) (net.Conn, error) {
	switch r.Type {
	case "":
	case "http":
		underlay.Write([]byte(Err403response))
	default:
		if ce := utils.CanLogDebug("reject got unimplemented rejectType, ignored"); ce != nil {
			ce.Write(zap.String("type", r.Type))
		}
	}
	return nil, ErrRejected
}

func (*Reject) ConnectDatagram(context.Context, *Session, netLayer.Resolver) (netLayer.MsgConn, error) {
	return nil, ErrRejected
}
