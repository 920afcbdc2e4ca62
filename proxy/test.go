package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"github.com/e1732a364fed/vsproxy/netLayer"
)

// 本文件 提供 各个包的测试 共用的 替身 与 辅助函数.

// CountingResolver 记录 Resolve 被调用的次数, 总是返回 IP 或 Err.
type CountingResolver struct {
	IP  net.IP
	Err error

	Calls atomic.Int32
}

func (cr *CountingResolver) Resolve(ctx context.Context, domain string) (net.IP, error) {
	cr.Calls.Inc()
	if cr.Err != nil {
		return nil, cr.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return cr.IP, nil
}

// TrackConn 是一个 内存中的 net.Conn, 记录自己是否被关闭. 读取会阻塞 直到 对端写入 或 关闭.
type TrackConn struct {
	net.Conn
	Label string

	Peer   net.Conn
	closed atomic.Bool
}

func NewTrackConn(label string) *TrackConn {
	c1, c2 := net.Pipe()
	return &TrackConn{Conn: c1, Peer: c2, Label: label}
}

func (tc *TrackConn) Close() error {
	tc.closed.Store(true)
	tc.Peer.Close()
	return tc.Conn.Close()
}

func (tc *TrackConn) Closed() bool { return tc.closed.Load() }

// LayerConn 模拟一层 协议封装: 拥有 内层连接, 关闭时 关闭 内层连接.
type LayerConn struct {
	net.Conn
	Layer  string
	Target netLayer.Addr
}

// Layers 从外到内 列出 c 的每一层, 形如 "h3->example.com:443".
func Layers(c net.Conn) (ls []string) {
	for {
		switch v := c.(type) {
		case *LayerConn:
			ls = append(ls, v.Layer+"->"+v.Target.String())
			c = v.Conn
		case *TrackConn:
			ls = append(ls, v.Label)
			return
		default:
			return
		}
	}
}

// CallLog 按顺序 记录 MockOutbound 被调用的情况, 并发安全.
type CallLog struct {
	mutex sync.Mutex
	calls []string
}

func (cl *CallLog) Add(s string) {
	if cl == nil {
		return
	}
	cl.mutex.Lock()
	cl.calls = append(cl.calls, s)
	cl.mutex.Unlock()
}

func (cl *CallLog) Calls() []string {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	return append([]string(nil), cl.calls...)
}

// MockOutbound 是 Outbound 的替身. 各个 Func 为 nil 时 使用默认行为:
// ConnectStream 返回一个 标签为 "<tag> dial" 的 TrackConn; ProxyStream 返回 包装了 underlay 的 LayerConn;
// ConnectDatagram / ProxyDatagram 返回 MsgPipe 的一端.
type MockOutbound struct {
	Tag     string
	Addr    netLayer.Addr
	HasAddr bool
	UDP     bool
	Log     *CallLog

	ConnectErr error //不为nil 时, ConnectStream 返回该错误
	ProxyErr   error //不为nil 时, ProxyStream 返回该错误

	ConnectFunc func(ctx context.Context, sess *Session) (net.Conn, error)

	ConnectCalls atomic.Int32
	ProxyCalls   atomic.Int32

	mutex  sync.Mutex
	Opened []*TrackConn //ConnectStream 默认行为 打开的所有连接
}

func (m *MockOutbound) Name() string { return m.Tag }

func (*MockOutbound) Proto() Proto { return ProtoSocks5 }

func (m *MockOutbound) RemoteAddr() (netLayer.Addr, bool) { return m.Addr, m.HasAddr }

func (m *MockOutbound) SupportUDP() bool { return m.UDP }

func (m *MockOutbound) ConnectStream(ctx context.Context, sess *Session, _ netLayer.Resolver) (net.Conn, error) {
	m.ConnectCalls.Inc()
	m.Log.Add(fmt.Sprintf("connect %s %s", m.Tag, sess.Destination.String()))

	if m.ConnectErr != nil {
		return nil, m.ConnectErr
	}
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx, sess)
	}
	tc := NewTrackConn(m.Tag + " dial")
	m.mutex.Lock()
	m.Opened = append(m.Opened, tc)
	m.mutex.Unlock()

	return &LayerConn{Conn: tc, Layer: m.Tag, Target: sess.Destination}, nil
}

func (m *MockOutbound) ProxyStream(ctx context.Context, underlay net.Conn, sess *Session, _ netLayer.Resolver) (net.Conn, error) {
	m.ProxyCalls.Inc()
	m.Log.Add(fmt.Sprintf("proxy %s %s", m.Tag, sess.Destination.String()))

	if m.ProxyErr != nil {
		return nil, m.ProxyErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &LayerConn{Conn: underlay, Layer: m.Tag, Target: sess.Destination}, nil
}

func (m *MockOutbound) ConnectDatagram(_ context.Context, sess *Session, _ netLayer.Resolver) (netLayer.MsgConn, error) {
	m.Log.Add(fmt.Sprintf("connect_udp %s %s", m.Tag, sess.Destination.String()))
	if !m.UDP {
		return nil, ErrUDPNotSupported
	}
	if m.ConnectErr != nil {
		return nil, m.ConnectErr
	}
	a, _ := netLayer.MsgPipe()
	return a, nil
}

func (m *MockOutbound) ProxyDatagram(_ context.Context, underlay netLayer.MsgConn, sess *Session, _ netLayer.Resolver) (netLayer.MsgConn, error) {
	m.Log.Add(fmt.Sprintf("proxy_udp %s %s", m.Tag, sess.Destination.String()))
	if m.ProxyErr != nil {
		return nil, m.ProxyErr
	}
	return underlay, nil
}

// ListenEcho 在 127.0.0.1 的随机端口上 启动一个 tcp echo 服务器, 测试结束时关闭.
func ListenEcho(t testing.TB) netLayer.Addr {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })

	go netLayer.LoopAccept(l, func(c net.Conn) {
		go func() {
			defer c.Close()
			io.Copy(c, c)
		}()
	})

	a, _ := netLayer.NewAddrFromAny(l.Addr())
	return a
}

// ListenUDPEcho 在 127.0.0.1 的随机端口上 启动一个 udp echo 服务器, 测试结束时关闭.
func ListenUDPEcho(t testing.TB) netLayer.Addr {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, netLayer.MaxUDP_packetLen)
		for {
			n, a, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(buf[:n], a)
		}
	}()

	a, _ := netLayer.NewAddrFromAny(pc.LocalAddr())
	a.Network = "udp"
	return a
}

// TestTCP 通过 ob 连接 一个 本地 echo 服务器, 检查 数据 能否原样返回.
func TestTCP(t *testing.T, ob Outbound, r netLayer.Resolver) {
	target := ListenEcho(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	sess := &Session{Destination: target, Network: TCP}
	c, err := ob.ConnectStream(ctx, sess, r)
	if err != nil {
		t.Fatalf("%s ConnectStream: %v", ob.Name(), err)
	}
	defer c.Close()

	c.SetDeadline(time.Now().Add(time.Second * 5))

	payload := bytes.Repeat([]byte("verysimple"), 1000)
	go c.Write(payload)

	got := make([]byte, len(payload))
	if _, err = io.ReadFull(c, got); err != nil {
		t.Fatalf("%s read: %v", ob.Name(), err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("%s: echo mismatch", ob.Name())
	}
}

// TestUDP 通过 ob 向 一个 本地 udp echo 服务器 发包, 检查 回包 的 内容与来源.
func TestUDP(t *testing.T, ob Outbound, r netLayer.Resolver) {
	target := ListenUDPEcho(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	sess := &Session{Destination: target, Network: UDP}
	mc, err := ob.ConnectDatagram(ctx, sess, r)
	if err != nil {
		t.Fatalf("%s ConnectDatagram: %v", ob.Name(), err)
	}
	defer mc.Close()

	rh, sh := netLayer.Split(mc)

	if _, err = sh.SendTo([]byte("hello udp"), target); err != nil {
		t.Fatalf("%s SendTo: %v", ob.Name(), err)
	}

	result := make(chan error, 1)
	go func() {
		buf := make([]byte, netLayer.MaxUDP_packetLen)
		n, from, err := rh.RecvFrom(buf)
		if err == nil {
			if string(buf[:n]) != "hello udp" {
				err = fmt.Errorf("got %q", buf[:n])
			} else if from.Port != target.Port {
				err = fmt.Errorf("got packet from %s, want %s", from.String(), target.String())
			}
		}
		result <- err
	}()

	select {
	case err = <-result:
		if err != nil {
			t.Fatalf("%s: %v", ob.Name(), err)
		}
	case <-time.After(time.Second * 5):
		t.Fatalf("%s: udp echo timeout", ob.Name())
	}
}
