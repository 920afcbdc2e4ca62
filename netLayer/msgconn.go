package netLayer

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/utils"
)

const (
	MaxUDP_packetLen = 64 * 1024 // 关于 udp包数据长度，可参考 https://cloud.tencent.com/developer/article/1021196
)

var (
	//udp不能无限监听, 否则每一个udp申请都对应打开了一个本地udp端口，一直监听的话时间一长，就会导致 too many open files
	// 放心，只要能持续不断地从远程服务器收到数据, 建立的udp连接就会持续地更新Deadline 而续命一段时间.
	UDP_timeout = time.Minute * 3

	ErrMsgConnClosed = utils.ErrInErr{ErrDesc: "msgconn closed", ErrDetail: net.ErrClosed}
)

// UDPPacket 为一个udp数据包, 以及它的 来源与目标. 同一个流中的多个 UDPPacket 之间没有顺序保证.
type UDPPacket struct {
	Data   []byte
	Source Addr
	Target Addr
}

// MsgConn一般用于 udp. 是一种类似 net.PacketConn 的包装, 即出站的数据报通道.
// 实现 MsgConn接口 的类型 可以被用于 RelayUDP 进行转发。
//
// ReadMsgFrom直接返回数据, 这样可以尽量避免多次数据拷贝; 返回的 Addr 为该数据包的来源.
// WriteMsgTo 的 Addr 为该数据包的目标.
//
// 使用Addr，是因为有可能请求地址是个域名，而不是ip.
//
// 同一时间最多允许一个goroutine读, 一个goroutine写.
type MsgConn interface {
	ReadMsgFrom() ([]byte, Addr, error)
	WriteMsgTo([]byte, Addr) error
	Close() error
}

// RecvHalf 是 MsgConn 的 读取半边.
type RecvHalf interface {
	RecvFrom(p []byte) (int, Addr, error)
}

// SendHalf 是 MsgConn 的 写入半边.
type SendHalf interface {
	SendTo(p []byte, addr Addr) (int, error)
}

type recvHalf struct{ mc MsgConn }

func (r recvHalf) RecvFrom(p []byte) (int, Addr, error) {
	bs, a, err := r.mc.ReadMsgFrom()
	if err != nil {
		return 0, Addr{}, err
	}
	n := copy(p, bs)
	if n < len(bs) {
		return n, a, utils.ErrInErr{ErrDesc: "RecvFrom: buffer too small, packet truncated", ErrDetail: utils.ErrShortRead, Data: len(bs)}
	}
	return n, a, nil
}

type sendHalf struct{ mc MsgConn }

func (s sendHalf) SendTo(p []byte, addr Addr) (int, error) {
	if err := s.mc.WriteMsgTo(p, addr); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Split 把 mc 分为 可以分别被不同goroutine 使用的 读写两半. 两半都不持有对端地址, 地址全部由每个包自己携带.
// 关闭仍通过 mc.Close 进行.
func Split(mc MsgConn) (RecvHalf, SendHalf) {
	return recvHalf{mc}, sendHalf{mc}
}

// PacketChannel 是入站一方的数据报通道, 以 UDPPacket 为单位读写.
// 读到的包的 Source 为客户端, Target 为客户端请求的目标; 写入时 Source 为 应答来自的远程地址, Target 为客户端.
type PacketChannel interface {
	ReadPacket() (UDPPacket, error)
	WritePacket(UDPPacket) error
	Close() error
}

// msgPipeEnd 是 MsgPipe 的一端.
type msgPipeEnd struct {
	rch <-chan UDPPacket
	wch chan<- UDPPacket

	closeOnce *sync.Once
	done      chan struct{}
}

// MsgPipe 创建一对在内存中相连的 MsgConn. 从一端 WriteMsgTo(p, a) 写入的包, 会在另一端以 ReadMsgFrom 读出 (p 的副本, a).
// 任一端 Close 后, 两端都会关闭.
func MsgPipe() (MsgConn, MsgConn) {
	c1 := make(chan UDPPacket, 64)
	c2 := make(chan UDPPacket, 64)
	once := new(sync.Once)
	done := make(chan struct{})

	return &msgPipeEnd{rch: c1, wch: c2, closeOnce: once, done: done},
		&msgPipeEnd{rch: c2, wch: c1, closeOnce: once, done: done}
}

func (m *msgPipeEnd) ReadMsgFrom() ([]byte, Addr, error) {
	select {
	case p := <-m.rch:
		return p.Data, p.Target, nil
	case <-m.done:
		return nil, Addr{}, ErrMsgConnClosed
	}
}

func (m *msgPipeEnd) WriteMsgTo(p []byte, a Addr) error {
	bs := make([]byte, len(p))
	copy(bs, p)

	select {
	case <-m.done:
		return ErrMsgConnClosed
	default:
	}

	select {
	case m.wch <- UDPPacket{Data: bs, Target: a}:
		return nil
	case <-m.done:
		return ErrMsgConnClosed
	}
}

func (m *msgPipeEnd) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// UDPMsgConn 用一个 net.PacketConn 实现 MsgConn. 在 direct 被用到.
// 若写入的目标为域名, 则会用 Resolver 解析; 解析结果会被缓存在该连接内.
type UDPMsgConn struct {
	net.PacketConn
	Resolver Resolver

	resolved sync.Map //domain -> net.IP
}

// NewUDPMsgConn 在随机端口上 监听udp, 并应用 sockopt.
func NewUDPMsgConn(ctx context.Context, sockopt *Sockopt, r Resolver) (*UDPMsgConn, error) {
	pc, err := ListenUDP(ctx, ":0", sockopt)
	if err != nil {
		return nil, err
	}
	pc.SetReadBuffer(MaxUDP_packetLen)
	pc.SetWriteBuffer(MaxUDP_packetLen)

	return &UDPMsgConn{PacketConn: pc, Resolver: r}, nil
}

func (u *UDPMsgConn) ReadMsgFrom() ([]byte, Addr, error) {
	bs := utils.GetPacket()

	u.PacketConn.SetReadDeadline(time.Now().Add(UDP_timeout))

	n, ad, err := u.PacketConn.ReadFrom(bs)
	if err != nil {
		utils.PutPacket(bs)
		return nil, Addr{}, err
	}
	a, err := NewAddrFromAny(ad)
	if err != nil {
		utils.PutPacket(bs)
		return nil, Addr{}, err
	}
	a.Network = "udp"
	return bs[:n], a, nil
}

func (u *UDPMsgConn) WriteMsgTo(bs []byte, raddr Addr) error {
	if raddr.IsDomain() {
		if ip, ok := u.resolved.Load(raddr.Name); ok {
			raddr.IP = ip.(net.IP)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), DNSTimeout)
			ra, err := ResolveAddr(ctx, u.Resolver, raddr)
			cancel()
			if err != nil {
				if ce := utils.CanLogDebug("UDPMsgConn resolve failed"); ce != nil {
					ce.Write(zap.String("target", raddr.String()), zap.Error(err))
				}
				return err
			}
			u.resolved.Store(raddr.Name, ra.IP)
			raddr.IP = ra.IP
		}
	}
	_, err := u.PacketConn.WriteTo(bs, raddr.ToUDPAddr())
	return err
}

// PacketConnAdapter 把一个 MsgConn 包装为 net.PacketConn; 所有写入都发往 Peer, 读出的包的来源总是 Peer.
// 可用于在任意数据报通道上 叠加一层 基于 net.PacketConn 的加密.
type PacketConnAdapter struct {
	MsgConn
	Peer Addr
}

func (pa *PacketConnAdapter) ReadFrom(p []byte) (int, net.Addr, error) {
	bs, _, err := pa.MsgConn.ReadMsgFrom()
	if err != nil {
		return 0, nil, err
	}
	return copy(p, bs), pa.peerNetAddr(), nil
}

func (pa *PacketConnAdapter) WriteTo(p []byte, _ net.Addr) (int, error) {
	if err := pa.MsgConn.WriteMsgTo(p, pa.Peer); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (pa *PacketConnAdapter) peerNetAddr() net.Addr {
	if ua := pa.Peer.ToUDPAddr(); ua != nil {
		return ua
	}
	return &net.UDPAddr{}
}

func (pa *PacketConnAdapter) LocalAddr() net.Addr { return &net.UDPAddr{} }

type deadliner interface {
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

func (pa *PacketConnAdapter) SetDeadline(t time.Time) error {
	if d, ok := pa.MsgConn.(deadliner); ok {
		return d.SetDeadline(t)
	}
	return nil
}

func (pa *PacketConnAdapter) SetReadDeadline(t time.Time) error {
	if d, ok := pa.MsgConn.(deadliner); ok {
		return d.SetReadDeadline(t)
	}
	return nil
}

func (pa *PacketConnAdapter) SetWriteDeadline(t time.Time) error {
	if d, ok := pa.MsgConn.(deadliner); ok {
		return d.SetWriteDeadline(t)
	}
	return nil
}

// UniTargetPacketChannel 用于 dokodemo 这种 定向 的入站: 监听一个 net.PacketConn, 所有读到的包的 Target 都为 Target.
type UniTargetPacketChannel struct {
	net.PacketConn
	Target Addr
}

func (u *UniTargetPacketChannel) ReadPacket() (UDPPacket, error) {
	bs := utils.GetPacket()
	n, ad, err := u.PacketConn.ReadFrom(bs)
	if err != nil {
		utils.PutPacket(bs)
		return UDPPacket{}, err
	}
	src, err := NewAddrFromAny(ad)
	if err != nil {
		utils.PutPacket(bs)
		return UDPPacket{}, err
	}
	src.Network = "udp"
	return UDPPacket{Data: bs[:n], Source: src, Target: u.Target}, nil
}

func (u *UniTargetPacketChannel) WritePacket(p UDPPacket) error {
	ua := p.Target.ToUDPAddr()
	if ua == nil {
		return utils.ErrInErr{ErrDesc: "UniTargetPacketChannel: client address must be ip", ErrDetail: utils.ErrWrongParameter, Data: p.Target.String()}
	}
	_, err := u.PacketConn.WriteTo(p.Data, ua)
	return err
}
