// Package http implements http proxy client (CONNECT) and server (CONNECT and plain http with absolute uri).
//
// Reference: https://datatracker.ietf.org/doc/html/rfc7231#section-4.3.6 , https://datatracker.ietf.org/doc/html/rfc7235
package http

import (
	"encoding/base64"
	"io"
	"net"
	"strings"

	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/tlsLayer"
)

const Name = "http"

var (
	connectReturnBytes = []byte("HTTP/1.1 200 Connection established\r\n\r\n")
	authRequiredBytes  = []byte("HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"proxy\"\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	badRequestBytes    = []byte("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
)

// ProxyConn 在第一次 Read 时 先返回 firstData; 用于 把 握手时 多读到的数据 还给 上层.
//
// 对于纯http的 代理，dial后，第一次要把客户端的数据原封不动发送给远程服务端
type ProxyConn struct {
	net.Conn
	firstData []byte
}

func (pc *ProxyConn) Read(p []byte) (int, error) {
	if len(pc.firstData) == 0 {
		return pc.Conn.Read(p)
	}
	n := copy(p, pc.firstData)
	pc.firstData = pc.firstData[n:]
	return n, nil
}

// WriteTo 让 io.Copy 在 firstData 读完后 仍能使用 底层连接 的 优化路径.
func (pc *ProxyConn) WriteTo(w io.Writer) (int64, error) {
	var n int64
	if len(pc.firstData) > 0 {
		m, err := w.Write(pc.firstData)
		n += int64(m)
		pc.firstData = nil
		if err != nil {
			return n, err
		}
	}
	m, err := io.Copy(w, pc.Conn)
	return n + m, err
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// parseBasicAuth 解析 "Basic xxx" 形式的 Proxy-Authorization.
func parseBasicAuth(auth string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return
	}
	bs, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return
	}
	user, pass, ok = strings.Cut(string(bs), ":")
	return
}

// tlsConfFromCommon 从 cc 中 读取 tls 配置. extra 中的 sni, utls_fingerprint, cert, key, ca 可选.
func tlsConfFromCommon(cc *proxy.CommonConf) tlsLayer.Conf {
	conf := tlsLayer.Conf{
		Host:        cc.Host,
		Insecure:    cc.Insecure,
		Fingerprint: cc.ExtraString("utls_fingerprint"),
	}
	if sni := cc.ExtraString("sni"); sni != "" {
		conf.Host = sni
	}
	cert, key, ca := cc.ExtraString("cert"), cc.ExtraString("key"), cc.ExtraString("ca")
	if cert != "" || key != "" || ca != "" {
		conf.CertConf = &tlsLayer.CertConf{CertFile: cert, KeyFile: key, CA: ca}
	}
	return conf
}

func protocolErr(op string, err error) error {
	return proxy.NewError(proxy.ErrKindProtocol, op, err)
}
