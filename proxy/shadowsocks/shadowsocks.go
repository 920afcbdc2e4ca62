/*
Package shadowsocks implements shadowsocks protocol.

Reference

https://github.com/shadowsocks/shadowsocks-org/wiki/Protocol

https://github.com/shadowsocks/shadowsocks-org/wiki/AEAD-Ciphers

AEAD 加密 使用 go-shadowsocks2; 它不支持的 旧的 流加密方法 (如 aes-256-cfb, chacha20) 使用 shadowsocks-go.

tcp 与 udp 都以 socks5 的地址格式 开头, 地址 的 编解码 使用 go-shadowsocks2/socks.
*/
package shadowsocks

import (
	"bytes"
	"net"
	"strings"

	"github.com/shadowsocks/go-shadowsocks2/core"
	"github.com/shadowsocks/go-shadowsocks2/socks"
	ss "github.com/shadowsocks/shadowsocks-go/shadowsocks"
	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/utils"
)

const Name = "shadowsocks"

// implements core.Cipher
type shadowCipher struct {
	cipher *ss.Cipher
}

func (c *shadowCipher) StreamConn(conn net.Conn) net.Conn {
	return ss.NewConn(conn, c.cipher.Copy())
}

func (c *shadowCipher) PacketConn(conn net.PacketConn) net.PacketConn {
	return ss.NewSecurePacketConn(conn, c.cipher.Copy())
}

// initShadowCipher 先尝试 AEAD, 再尝试 旧的流加密.
func initShadowCipher(info MethodPass) (core.Cipher, error) {
	var method, password = info.Method, info.Password
	if method == "" || password == "" {
		return nil, utils.ErrInErr{ErrDesc: "shadowsocks method and password required", ErrDetail: utils.ErrNilOrWrongParameter}
	}

	cipher, err := core.PickCipher(strings.ToUpper(method), nil, password)
	if err == nil {
		return cipher, nil
	}

	cp, err2 := ss.NewCipher(strings.ToLower(method), password)
	if err2 != nil {
		if ce := utils.CanLogErr("ss initShadowCipher err"); ce != nil {
			ce.Write(zap.String("method", method), zap.Error(err), zap.NamedError("legacy", err2))
		}
		return nil, utils.ErrInErr{ErrDesc: "unsupported shadowsocks method", ErrDetail: err, Data: method}
	}
	return &shadowCipher{cipher: cp}, nil
}

type MethodPass struct {
	Method, Password string
}

// InitWithStr 接受 "method:pass" (SIP002 url 的 userinfo) 或 "method:xxxx\npass:xxxx" 两种形式.
func (ph *MethodPass) InitWithStr(str string) (ok bool) {
	str = strings.TrimSuffix(str, "\n")

	if m, p, found := strings.Cut(str, "\n"); found {
		if !strings.HasPrefix(m, "method:") || !strings.HasPrefix(p, "pass:") {
			return
		}
		ph.Method, ph.Password = strings.TrimPrefix(m, "method:"), strings.TrimPrefix(p, "pass:")
	} else {
		ph.Method, ph.Password, _ = strings.Cut(str, ":")
	}
	return ph.Method != "" && ph.Password != ""
}

// methodPassFromConf 读取 cc.Uuid; 给出 EncryptAlgo 时, Uuid 只包含 密码.
func methodPassFromConf(cc *proxy.CommonConf) (mp MethodPass, ok bool) {
	if cc.EncryptAlgo != "" {
		mp = MethodPass{Method: cc.EncryptAlgo, Password: cc.Uuid}
		return mp, cc.Uuid != ""
	}
	ok = mp.InitWithStr(cc.Uuid)
	return
}

func toSocksAddr(a netLayer.Addr) (socks.Addr, error) {
	bs, err := a.Socks5Bytes()
	return socks.Addr(bs), err
}

func fromSocksAddr(sa socks.Addr) (netLayer.Addr, error) {
	return netLayer.ParseSocks5Addr(bytes.NewReader(sa))
}

// splitPacket 拆分 udp 数据包 开头的 地址.
func splitPacket(bs []byte) (netLayer.Addr, []byte, error) {
	sa := socks.SplitAddr(bs)
	if sa == nil {
		return netLayer.Addr{}, nil, utils.ErrInErr{ErrDesc: "shadowsocks bad udp packet address", ErrDetail: utils.ErrInvalidData, Data: len(bs)}
	}
	addr, err := fromSocksAddr(sa)
	if err != nil {
		return netLayer.Addr{}, nil, err
	}
	addr.Network = "udp"
	return addr, bs[len(sa):], nil
}

func makePacket(addr netLayer.Addr, data []byte) ([]byte, error) {
	sa, err := toSocksAddr(addr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(sa)+len(data))
	buf = append(buf, sa...)
	buf = append(buf, data...)
	return buf, nil
}

// ioErrPacketConn 把 底层 的 读错误 都标记为 ErrKindIO, 这样 加密层 返回的 非io错误 只可能是 单个包 解密失败.
type ioErrPacketConn struct {
	net.PacketConn
}

func (c ioErrPacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, addr, err := c.PacketConn.ReadFrom(b)
	if err != nil {
		err = proxy.WrapIOErr("shadowsocks udp read", err)
	}
	return n, addr, err
}

// securePacketConn 用 ciph 加密 pc; 读到的 解密失败的包 返回 非io错误, 底层错误 为 ErrKindIO.
func securePacketConn(ciph core.Cipher, pc net.PacketConn) net.PacketConn {
	return ciph.PacketConn(ioErrPacketConn{pc})
}
