package tlsLayer

import (
	"context"
	"crypto/tls"
	"net"

	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/utils"
)

// 关于utls的简单分析，可参考
//https://github.com/e1732a364fed/v2ray_simple/discussions/7

type Client struct {
	tlsConfig *tls.Config

	useUTls         bool
	uTlsConfig      *utls.Config
	utlsFingerprint utls.ClientHelloID
}

func NewClient(conf Conf) (*Client, error) {
	std, err := GetTlsConfig(false, conf)
	if err != nil {
		return nil, err
	}
	c := &Client{tlsConfig: std}

	if conf.Fingerprint != "" {
		c.useUTls = true
		c.uTlsConfig = getUTlsConfig(conf, std)
		c.utlsFingerprint = fingerprintByName(conf.Fingerprint)

		if ce := utils.CanLogInfo("Using uTls"); ce != nil {
			ce.Write(zap.String("host", conf.Host), zap.String("fingerprint", c.utlsFingerprint.Str()))
		}
	}
	return c, nil
}

// Handshake 在 underlay 上进行 tls 握手, 服从 ctx 的取消. 失败时 underlay 由调用者关闭.
func (c *Client) Handshake(ctx context.Context, underlay net.Conn) (result net.Conn, err error) {
	if c.useUTls {
		//uTlsConfig 握手一次后 会被污染, 只能拷贝
		configCopy := c.uTlsConfig.Clone()
		utlsConn := utls.UClient(underlay, configCopy, c.utlsFingerprint)
		err = netLayer.HandshakeContext(ctx, underlay, utlsConn.Handshake)
		if err != nil {
			return nil, utils.ErrInErr{ErrDesc: "utls handshake failed", ErrDetail: err}
		}
		return utlsConn, nil
	}

	officialConn := tls.Client(underlay, c.tlsConfig)
	err = netLayer.HandshakeContext(ctx, underlay, officialConn.Handshake)
	if err != nil {
		return nil, utils.ErrInErr{ErrDesc: "tls handshake failed", ErrDetail: err}
	}
	return officialConn, nil
}
