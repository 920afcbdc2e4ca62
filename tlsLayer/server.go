package tlsLayer

import (
	"context"
	"crypto/tls"
	"net"

	"golang.org/x/exp/slices"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/utils"
)

type Server struct {
	tlsConfig *tls.Config
}

// 如 certFile, keyFile 有一项没给出，则会自动生成随机证书
func NewServer(conf Conf) (*Server, error) {
	//不提供 http/1.1 的alpn的话, 一些客户端 会拒绝握手
	if !slices.Contains(conf.AlpnList, "http/1.1") {
		conf.AlpnList = append(slices.Clone(conf.AlpnList), "http/1.1")
	}

	c, err := GetTlsConfig(true, conf)
	if err != nil {
		return nil, err
	}
	return &Server{tlsConfig: c}, nil
}

func (s *Server) Handshake(ctx context.Context, underlay net.Conn) (net.Conn, error) {
	rawTlsConn := tls.Server(underlay, s.tlsConfig)
	err := netLayer.HandshakeContext(ctx, underlay, rawTlsConn.Handshake)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "Failed in Tls handshake", ErrDetail: err}
	}
	return rawTlsConn, nil
}
