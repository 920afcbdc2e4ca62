package selector

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
)

var errRefused = proxy.NewError(proxy.ErrKindIO, "dial", errors.New("connection refused"))

func members(log *proxy.CallLog, tags ...string) []*proxy.MockOutbound {
	var ms []*proxy.MockOutbound
	for _, tag := range tags {
		ms = append(ms, &proxy.MockOutbound{Tag: tag, UDP: true, Log: log})
	}
	return ms
}

func outbounds(ms []*proxy.MockOutbound) []proxy.Outbound {
	obs := make([]proxy.Outbound, len(ms))
	for i, m := range ms {
		obs[i] = m
	}
	return obs
}

func testSession() *proxy.Session {
	return &proxy.Session{Destination: netLayer.Addr{Name: "example.com", Port: 443}}
}

func TestFallbackToNextMember(t *testing.T) {
	ms := members(nil, "A", "B", "C")
	ms[0].ConnectErr = errRefused

	s, err := New("g", Conf{Policy: PolicySelect, Fallback: true}, outbounds(ms))
	require.NoError(t, err)

	c, err := s.ConnectStream(context.Background(), testSession(), nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, []string{"B->example.com:443", "B dial"}, proxy.Layers(c))
	assert.EqualValues(t, 1, ms[0].ConnectCalls.Load())
	assert.EqualValues(t, 1, ms[1].ConnectCalls.Load())
	assert.EqualValues(t, 0, ms[2].ConnectCalls.Load())
}

func TestSelectWithoutFallback(t *testing.T) {
	ms := members(nil, "A", "B")
	ms[0].ConnectErr = errRefused

	s, err := New("g", Conf{Policy: PolicySelect}, outbounds(ms))
	require.NoError(t, err)

	_, err = s.ConnectStream(context.Background(), testSession(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proxy.ErrKindIO))
	assert.EqualValues(t, 0, ms[1].ConnectCalls.Load())
}

func TestAllMembersFail(t *testing.T) {
	ms := members(nil, "A", "B", "C")
	for _, m := range ms {
		m.ConnectErr = errRefused
	}
	s, err := New("g", Conf{Policy: PolicyFallback, MaxAttempts: 2}, outbounds(ms))
	require.NoError(t, err)

	_, err = s.ConnectStream(context.Background(), testSession(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A")
	assert.Contains(t, err.Error(), "B")
	assert.EqualValues(t, 0, ms[2].ConnectCalls.Load(), "max_attempts must limit tries")
}

func TestReselectKeepsExistingFlows(t *testing.T) {
	ms := members(nil, "A", "B")
	s, err := New("g", Conf{Policy: PolicySelect}, outbounds(ms))
	require.NoError(t, err)
	assert.Equal(t, "A", s.Now())

	const n = 8
	conns := make([]net.Conn, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := s.ConnectStream(context.Background(), testSession(), nil)
			if assert.NoError(t, err) {
				conns[i] = c
			}
		}(i)
		if i == n/2 {
			require.NoError(t, s.Select("B"))
		}
	}
	wg.Wait()
	assert.Equal(t, "B", s.Now())

	for _, tc := range ms[0].Opened {
		assert.False(t, tc.Closed(), "switching must not close flows of the old member")
	}

	c, err := s.ConnectStream(context.Background(), testSession(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"B->example.com:443", "B dial"}, proxy.Layers(c))
	c.Close()

	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
	assert.EqualValues(t, n+1, ms[0].ConnectCalls.Load()+ms[1].ConnectCalls.Load())
}

func TestSelectErrors(t *testing.T) {
	ms := members(nil, "A", "B")
	s, err := New("g", Conf{Policy: PolicySelect}, outbounds(ms))
	require.NoError(t, err)

	err = s.Select("nope")
	assert.True(t, errors.Is(err, proxy.ErrKindInvalidInput))
	assert.Equal(t, "A", s.Now())

	ut, err := New("u", Conf{Policy: PolicyURLTest}, outbounds(ms))
	require.NoError(t, err)
	assert.Error(t, ut.Select("B"))

	_, err = New("empty", Conf{}, nil)
	assert.True(t, errors.Is(err, proxy.ErrKindInvalidInput))

	_, err = New("dup", Conf{}, []proxy.Outbound{ms[0], ms[0]})
	assert.Error(t, err)
}

func TestProxyStreamNeverFallsBack(t *testing.T) {
	ms := members(nil, "A", "B")
	ms[0].ProxyErr = errors.New("handshake failed")

	s, err := New("g", Conf{Policy: PolicyFallback}, outbounds(ms))
	require.NoError(t, err)

	underlay := proxy.NewTrackConn("underlay")
	defer underlay.Close()
	_, err = s.ProxyStream(context.Background(), underlay, testSession(), nil)
	assert.Error(t, err)
	assert.EqualValues(t, 0, ms[1].ProxyCalls.Load())
}

func TestDatagramFallback(t *testing.T) {
	ms := members(nil, "A", "B")
	ms[0].UDP = false

	s, err := New("g", Conf{Policy: PolicyFallback}, outbounds(ms))
	require.NoError(t, err)
	assert.False(t, s.SupportUDP())

	mc, err := s.ConnectDatagram(context.Background(), testSession(), nil)
	require.NoError(t, err)
	mc.Close()
}

// slowDial 让 MockOutbound 的 ConnectStream 延迟 d 后 成功.
func slowDial(m *proxy.MockOutbound, d time.Duration) {
	m.ConnectFunc = func(ctx context.Context, sess *proxy.Session) (net.Conn, error) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return proxy.NewTrackConn(m.Tag), nil
	}
}

func TestURLTestPicksFastest(t *testing.T) {
	ms := members(nil, "slow", "fast", "dead")
	slowDial(ms[0], time.Millisecond*200)
	slowDial(ms[1], 0)
	ms[2].ConnectErr = errRefused

	probe := netLayer.Addr{Name: "probe.test", Port: 80}

	s, err := New("u", Conf{Policy: PolicyURLTest, ProbeAddr: probe, Tolerance: time.Millisecond * 10}, outbounds(ms))
	require.NoError(t, err)
	assert.Equal(t, "slow", s.Now())

	s.CheckOnce(context.Background())
	assert.Equal(t, "fast", s.Now())

	st := s.Status()
	require.Len(t, st, 3)
	assert.True(t, st[1].Selected)
	assert.False(t, st[2].Alive)

	// 容差 足够大时 不切换
	s2, err := New("u2", Conf{Policy: PolicyURLTest, ProbeAddr: probe, Tolerance: time.Hour}, outbounds(ms[:2]))
	require.NoError(t, err)
	s2.CheckOnce(context.Background())
	assert.Equal(t, "slow", s2.Now())
}

func TestFallbackPolicyFollowsHealth(t *testing.T) {
	ms := members(nil, "A", "B", "C")
	ms[0].ConnectErr = errRefused

	s, err := New("f", Conf{Policy: PolicyFallback, ProbeAddr: netLayer.Addr{Name: "probe.test", Port: 80}}, outbounds(ms))
	require.NoError(t, err)
	assert.Equal(t, "A", s.Now())

	s.CheckOnce(context.Background())
	assert.Equal(t, "B", s.Now())

	before := ms[0].ConnectCalls.Load()
	c, err := s.ConnectStream(context.Background(), testSession(), nil)
	require.NoError(t, err)
	c.Close()
	assert.Equal(t, before, ms[0].ConnectCalls.Load(), "dead member should not be tried first")
}

func TestHealthCheckerStartStop(t *testing.T) {
	ms := members(nil, "A", "B")
	s, err := New("u", Conf{Policy: PolicyURLTest, ProbeAddr: netLayer.Addr{Name: "probe.test", Port: 80}, Interval: time.Millisecond * 10}, outbounds(ms))
	require.NoError(t, err)

	s.Start(context.Background())
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		return ms[0].ConnectCalls.Load() >= 2
	}, time.Second*5, time.Millisecond*10)

	s.Stop()
	n := ms[0].ConnectCalls.Load()
	time.Sleep(time.Millisecond * 50)
	assert.Equal(t, n, ms[0].ConnectCalls.Load())
}

func TestParsePolicy(t *testing.T) {
	for s, want := range map[string]Policy{"select": PolicySelect, "": PolicySelect, "fallback": PolicyFallback, "url-test": PolicyURLTest} {
		p, err := ParsePolicy(s)
		require.NoError(t, err)
		assert.Equal(t, want, p)
		if s != "" {
			assert.Equal(t, s, p.String())
		}
	}
	_, err := ParsePolicy("load-balance")
	assert.Error(t, err)
}

func TestHealthCheckResolvesDomainProbe(t *testing.T) {
	echo := proxy.ListenEcho(t)
	r := &proxy.CountingResolver{IP: net.IPv4(127, 0, 0, 1)}
	d := proxy.NewDirect("d", proxy.CommonOption{})

	s, err := New("f", Conf{
		Policy:    PolicyFallback,
		ProbeAddr: netLayer.Addr{Name: "probe.test", Port: echo.Port},
		Resolver:  r,
	}, []proxy.Outbound{d})
	require.NoError(t, err)

	s.CheckOnce(context.Background())

	st := s.Status()
	require.Len(t, st, 1)
	assert.True(t, st[0].Checked)
	assert.True(t, st[0].Alive, "direct member should reach the probe through the group resolver")
	assert.EqualValues(t, 1, r.Calls.Load())
}

func TestProtoFollowsSelection(t *testing.T) {
	ms := members(nil, "A")
	d := proxy.NewDirect("d", proxy.CommonOption{})

	s, err := New("g", Conf{Policy: PolicySelect}, []proxy.Outbound{ms[0], d})
	require.NoError(t, err)
	assert.Equal(t, proxy.ProtoSocks5, s.Proto())

	require.NoError(t, s.Select("d"))
	assert.Equal(t, proxy.ProtoDirect, s.Proto())
	assert.Equal(t, "g", s.Name())
	_, ok := s.RemoteAddr()
	assert.False(t, ok)
}
