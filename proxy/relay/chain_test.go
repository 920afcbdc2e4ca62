package relay

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/proxy/shadowsocks"
	"github.com/e1732a364fed/vsproxy/proxy/socks5"
)

func TestMain(m *testing.M) {
	os.Setenv("SHADOWSOCKS_SF_CAPACITY", "0")
	os.Exit(m.Run())
}

func newDispatcher(t *testing.T, tag string) (context.Context, *proxy.Dispatcher) {
	ctx, cancel := context.WithCancel(context.Background())
	d := proxy.NewDispatcher(tag, proxy.StaticRouter{Outbound: proxy.NewDirect("", proxy.CommonOption{})}, nil)
	t.Cleanup(func() {
		cancel()
		d.Wait()
	})
	return ctx, d
}

func startSocks5(t *testing.T) netLayer.Addr {
	ctx, d := newDispatcher(t, "socks5-in")
	l, err := d.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	s := socks5.NewServer(proxy.ListenerBase{Tag: "socks5-in", D: d}, nil)
	go d.ServeTCP(ctx, l, s.Handshake)

	a, _ := netLayer.NewAddrFromAny(l.Addr())
	return a
}

func startShadowsocks(t *testing.T, mp shadowsocks.MethodPass) netLayer.Addr {
	ctx, d := newDispatcher(t, "ss-in")
	l, err := d.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	a, _ := netLayer.NewAddrFromAny(l.Addr())

	pc, err := net.ListenPacket("udp", a.String())
	require.NoError(t, err)

	s, err := shadowsocks.NewServer(proxy.ListenerBase{Tag: "ss-in", D: d}, mp)
	require.NoError(t, err)
	go d.ServeTCP(ctx, l, s.Handshake)
	go s.ServeUDPOn(ctx, pc)
	return a
}

func outbound(t *testing.T, url string) proxy.Outbound {
	ob, err := proxy.OutboundFromURL(url)
	require.NoError(t, err)
	return ob
}

// socks5 -> shadowsocks, 均为 本地 进程内 的 服务端.
func TestRelaySocks5ThenShadowsocks(t *testing.T) {
	s5 := startSocks5(t)
	ss := startShadowsocks(t, shadowsocks.MethodPass{Method: "aes-128-gcm", Password: "relay"})

	r, err := New("s5-ss", []proxy.Outbound{
		outbound(t, "socks5://"+s5.String()),
		outbound(t, "ss://aes-128-gcm:relay@"+ss.String()),
	})
	require.NoError(t, err)
	require.False(t, r.SupportUDP())

	proxy.TestTCP(t, r, nil)
}

func TestRelayShadowsocksUDP(t *testing.T) {
	mp := shadowsocks.MethodPass{Method: "chacha20-ietf-poly1305", Password: "udp"}
	ss1 := startShadowsocks(t, mp)
	ss2 := startShadowsocks(t, mp)

	r, err := New("ss-ss", []proxy.Outbound{
		outbound(t, "ss://chacha20-ietf-poly1305:udp@"+ss1.String()),
		outbound(t, "ss://chacha20-ietf-poly1305:udp@"+ss2.String()),
	})
	require.NoError(t, err)
	require.True(t, r.SupportUDP())

	proxy.TestTCP(t, r, nil)
	proxy.TestUDP(t, r, nil)
}
