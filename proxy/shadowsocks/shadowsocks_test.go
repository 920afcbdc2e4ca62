package shadowsocks

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
)

func TestMain(m *testing.M) {
	//同一个进程中 同时运行 客户端 和 服务端 时, 客户端 写入时保存的 salt 会被 服务端 认为是 重复的 salt,
	// 所以测试中 关闭 go-shadowsocks2 的 salt 过滤器.
	os.Setenv("SHADOWSOCKS_SF_CAPACITY", "0")
	os.Exit(m.Run())
}

// startServer 在 同一个端口 上 启动 tcp 与 udp 的 shadowsocks 服务端, 用 direct 转发.
func startServer(t *testing.T, mp MethodPass) netLayer.Addr {
	ctx, cancel := context.WithCancel(context.Background())

	d := proxy.NewDispatcher("ss-in", proxy.StaticRouter{Outbound: proxy.NewDirect("", proxy.CommonOption{})}, nil)
	l, err := d.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := netLayer.NewAddrFromAny(l.Addr())

	pc, err := net.ListenPacket("udp", a.String())
	if err != nil {
		l.Close()
		t.Fatal(err)
	}

	s, err := NewServer(proxy.ListenerBase{Tag: "ss-in", D: d}, mp)
	if err != nil {
		t.Fatal(err)
	}

	go d.ServeTCP(ctx, l, s.Handshake)
	go s.ServeUDPOn(ctx, pc)
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})
	return a
}

func newClient(t *testing.T, server netLayer.Addr, mp MethodPass) proxy.Outbound {
	ob, err := proxy.OutboundFromURL("ss://" + mp.Method + ":" + mp.Password + "@" + server.String())
	if err != nil {
		t.Fatal(err)
	}
	return ob
}

func TestShadowsocks(t *testing.T) {
	for _, method := range []string{"aes-128-gcm", "AEAD_CHACHA20_POLY1305", "aes-256-cfb", "chacha20"} {
		t.Run(method, func(t *testing.T) {
			mp := MethodPass{Method: method, Password: "iloveverysimple"}
			server := startServer(t, mp)
			c := newClient(t, server, mp)

			proxy.TestTCP(t, c, nil)
			proxy.TestUDP(t, c, nil)
		})
	}
}

func TestShadowsocksWrongPassword(t *testing.T) {
	server := startServer(t, MethodPass{Method: "aes-256-gcm", Password: "right"})
	c := newClient(t, server, MethodPass{Method: "aes-256-gcm", Password: "wrong"})

	target := proxy.ListenEcho(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	conn, err := c.ConnectStream(ctx, &proxy.Session{Destination: target}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	//服务端 解密失败 会关闭连接
	conn.SetDeadline(time.Now().Add(time.Second * 5))
	conn.Write([]byte("hello"))
	if _, err = conn.Read(make([]byte, 5)); err == nil {
		t.Fatal("read should fail")
	}
}

// ProxyDatagram 叠加在 direct 的 udp 通道上, 与 ConnectDatagram 效果相同.
func TestShadowsocksProxyDatagram(t *testing.T) {
	mp := MethodPass{Method: "aes-128-gcm", Password: "pw"}
	server := startServer(t, mp)
	c := newClient(t, server, mp)
	echo := proxy.ListenUDPEcho(t)

	ctx := context.Background()
	sess := &proxy.Session{Destination: echo, Network: proxy.UDP}

	underlay, err := proxy.NewDirect("", proxy.CommonOption{}).ConnectDatagram(ctx, sess, nil)
	if err != nil {
		t.Fatal(err)
	}
	mc, err := c.(proxy.DatagramProxier).ProxyDatagram(ctx, underlay, sess, nil)
	if err != nil {
		underlay.Close()
		t.Fatal(err)
	}
	defer mc.Close()

	if err = mc.WriteMsgTo([]byte("over direct"), echo); err != nil {
		t.Fatal(err)
	}

	got := make(chan string, 1)
	go func() {
		bs, from, err := mc.ReadMsgFrom()
		if err != nil {
			got <- err.Error()
			return
		}
		got <- string(bs) + " " + strconv.Itoa(from.Port)
	}()
	select {
	case s := <-got:
		if want := "over direct " + strconv.Itoa(echo.Port); s != want {
			t.Fatalf("got %q, want %q", s, want)
		}
	case <-time.After(time.Second * 5):
		t.Fatal("timeout")
	}
}

func TestMethodPass(t *testing.T) {
	var mp MethodPass
	if !mp.InitWithStr("aes-128-gcm:pa:ss") || mp.Method != "aes-128-gcm" || mp.Password != "pa:ss" {
		t.Fatal(mp)
	}
	mp = MethodPass{}
	if !mp.InitWithStr("method:chacha20\npass:x\n") || mp.Method != "chacha20" || mp.Password != "x" {
		t.Fatal(mp)
	}
	mp = MethodPass{}
	if mp.InitWithStr("nopass") {
		t.Fatal("should fail")
	}

	if _, err := initShadowCipher(MethodPass{Method: "no-such-method", Password: "x"}); err == nil {
		t.Fatal("unknown method should fail")
	}
}

func TestSIP002URL(t *testing.T) {
	userinfo := base64.RawURLEncoding.EncodeToString([]byte("aes-256-gcm:secret"))
	ob, err := proxy.OutboundFromURL("ss://" + userinfo + "@127.0.0.1:8388#myss")
	if err != nil {
		t.Fatal(err)
	}
	c := ob.(*Client)
	if c.Name() != "myss" || c.method != "aes-256-gcm" || !c.SupportUDP() {
		t.Fatal(c.Name(), c.method, c.SupportUDP())
	}

	ob, err = proxy.OutboundFromURL("ss://aes-256-gcm:secret@127.0.0.1:8388?udp=false")
	if err != nil {
		t.Fatal(err)
	}
	if ob.SupportUDP() {
		t.Fatal("udp should be disabled")
	}
}

// scriptedPacketConn 依次 返回 pkts 中的 包, 之后 一直 返回 err.
type scriptedPacketConn struct {
	net.PacketConn
	pkts  [][]byte
	err   error
	reads int
	sent  []byte
}

func (c *scriptedPacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.reads++
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8388}
	if len(c.pkts) == 0 {
		return 0, nil, c.err
	}
	n := copy(b, c.pkts[0])
	c.pkts = c.pkts[1:]
	return n, from, nil
}

func (c *scriptedPacketConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	c.sent = append([]byte(nil), b...)
	return len(b), nil
}

// 解密失败的包 被丢弃, 而 底层 的 未分类错误 要 返回, 不能 一直重试.
func TestMsgConnReadErrors(t *testing.T) {
	for _, method := range []string{"aes-128-gcm", "aes-256-cfb"} {
		ciph, err := initShadowCipher(MethodPass{Method: method, Password: "pw"})
		if err != nil {
			t.Fatal(method, err)
		}
		target, _ := netLayer.NewAddr("1.2.3.4:53")
		plain, err := makePacket(target, []byte("hello"))
		if err != nil {
			t.Fatal(err)
		}
		capture := &scriptedPacketConn{}
		if _, err = ciph.PacketConn(capture).WriteTo(plain, nil); err != nil {
			t.Fatal(method, err)
		}

		boom := errors.New("boom")
		sc := &scriptedPacketConn{pkts: [][]byte{{1, 2, 3}, capture.sent}, err: boom}
		mc := &MsgConn{PacketConn: securePacketConn(ciph, sc)}

		done := make(chan struct{})
		go func() {
			defer close(done)

			bs, from, err := mc.ReadMsgFrom()
			if err != nil {
				t.Error(method, err)
				return
			}
			if string(bs) != "hello" || from.Port != 53 {
				t.Error(method, string(bs), from)
			}

			_, _, err = mc.ReadMsgFrom()
			if !errors.Is(err, boom) || proxy.KindOf(err) != proxy.ErrKindIO {
				t.Error(method, "want boom as io error, got", err)
			}
		}()
		select {
		case <-done:
		case <-time.After(time.Second * 5):
			t.Fatal(method, "ReadMsgFrom did not return")
		}
		if sc.reads != 3 {
			t.Fatal(method, "reads", sc.reads)
		}
	}
}
