// Package socks5 implements socks5 client and server, including the UDP ASSOCIATE command.
//
// Reference: https://www.ietf.org/rfc/rfc1928.txt , https://www.ietf.org/rfc/rfc1929.txt
package socks5

import (
	"bytes"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/utils"
)

const Name = "socks5"

// Version is socks5 version number.
const Version5 = 0x05

// SOCKS auth type
const (
	AuthNone         = 0x00
	AuthPassword     = 0x02
	AuthNoAcceptable = 0xff

	authPasswordVersion = 0x01
)

// SOCKS request commands as defined in RFC 1928 section 4
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// SOCKS reply field as defined in RFC 1928 section 6
const (
	ReplySucceeded            = 0x00
	ReplyGeneralFailure       = 0x01
	ReplyCommandNotSupported  = 0x07
	ReplyAddrTypeNotSupported = 0x08
)

// 解读如下：
// ver（5）, rep（0，表示成功）, rsv（0）, atyp(1, 即ipv4), BND.ADDR （ipv4(0,0,0,0)）, BND.PORT(0, 2字节)
// 这个 BND.ADDR和port 按理说不应该传0的，不过如果只作为本地tcp代理的话应该不影响
var commmonTCP_HandshakeReply = []byte{Version5, ReplySucceeded, 0x00, netLayer.AtypIP4, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// EncodeUDPPacket 按照 rfc1928 第7节 的格式 给 data 加上 头部:
// RSV(2字节) FRAG(1字节) ATYP DST.ADDR DST.PORT DATA
func EncodeUDPPacket(addr netLayer.Addr, data []byte) ([]byte, error) {
	abs, err := addr.Socks5Bytes()
	if err != nil {
		return nil, err
	}
	bs := make([]byte, 0, 3+len(abs)+len(data))
	bs = append(bs, 0, 0, 0)
	bs = append(bs, abs...)
	bs = append(bs, data...)
	return bs, nil
}

// DecodeUDPPacket 解析 EncodeUDPPacket 的格式. 不支持分片, FRAG 不为0 时 返回错误.
func DecodeUDPPacket(bs []byte) (netLayer.Addr, []byte, error) {
	if len(bs) < 4+1+2 {
		return netLayer.Addr{}, nil, utils.ErrInErr{ErrDesc: "socks5 udp packet too short", ErrDetail: utils.ErrShortRead, Data: len(bs)}
	}
	if bs[2] != 0 {
		return netLayer.Addr{}, nil, utils.ErrInErr{ErrDesc: "socks5 udp fragmentation not supported", ErrDetail: utils.ErrInvalidData, Data: bs[2]}
	}
	r := bytes.NewReader(bs[3:])
	addr, err := netLayer.ParseSocks5Addr(r)
	if err != nil {
		return netLayer.Addr{}, nil, err
	}
	addr.Network = "udp"
	return addr, bs[len(bs)-r.Len():], nil
}
