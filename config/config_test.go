package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
	_ "github.com/e1732a364fed/vsproxy/proxy/dokodemo"
	_ "github.com/e1732a364fed/vsproxy/proxy/http"
	"github.com/e1732a364fed/vsproxy/proxy/relay"
	"github.com/e1732a364fed/vsproxy/proxy/selector"
	_ "github.com/e1732a364fed/vsproxy/proxy/shadowsocks"
	_ "github.com/e1732a364fed/vsproxy/proxy/socks5"
)

const fullConf = `
[app]
loglevel = 2
dial_timeout = 3

[dns]
hosts = { "myserver.test" = "10.1.1.1" }

[[dial]]
tag = "s1"
protocol = "socks5"
host = "127.0.0.1"
port = 1080
uuid = "user:pass"

[[dial]]
tag = "s2"
protocol = "shadowsocks"
host = "myserver.test"
port = 8388
uuid = "aes-128-gcm:secret"
udp = true

[[dial]]
tag = "h1"
protocol = "https"
host = "127.0.0.1"
port = 8443
insecure = true

[[group]]
tag = "chain"
type = "relay"
members = ["s1", "s2"]

[[group]]
tag = "pick"
type = "select"
members = ["auto", "s1"]
fallback = true

[[group]]
tag = "auto"
type = "fallback"
members = ["chain", "h1", "direct"]
probe = "www.example.com:80"
interval = 60

[[listen]]
tag = "in-socks"
protocol = "socks5"
ip = "127.0.0.1"
port = 10800
outbound = "pick"

[[listen]]
tag = "in-doko"
protocol = "dokodemo"
ip = "127.0.0.1"
port = 10801
target = "tcp://127.0.0.1:80"
`

func TestBuildFullConfig(t *testing.T) {
	sc, err := LoadTomlConfStr(fullConf)
	require.NoError(t, err)

	g, err := Build(sc)
	require.NoError(t, err)

	assert.Equal(t, []string{"s1", "s2", "h1", "chain", "pick", "auto"}, g.OutboundOrder)
	assert.Equal(t, "s1", g.Default.Name())
	assert.NotNil(t, g.Outbounds[proxy.DirectName])
	assert.NotNil(t, g.Outbounds[proxy.RejectName])

	chain, ok := g.Outbounds["chain"].(*relay.Relay)
	require.True(t, ok)
	assert.Len(t, chain.Hops(), 2)

	require.Len(t, g.Selectors, 2)
	pick := g.Outbounds["pick"].(*selector.Selector)
	assert.Equal(t, "auto", pick.Now())
	auto := g.Outbounds["auto"].(*selector.Selector)
	assert.Equal(t, selector.PolicyFallback, auto.Policy())
	assert.Len(t, auto.Members(), 3)

	require.Len(t, g.Inbounds, 2)
	assert.Equal(t, "in-socks", g.Inbounds[0].Name())
	assert.True(t, g.Inbounds[1].HandleUDP())

	ip, err := g.Resolver.Resolve(context.Background(), "myserver.test")
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1", ip.String())

	assert.Equal(t, 3, int(netLayer.DialTimeout.Seconds()))
}

func TestGroupCycle(t *testing.T) {
	sc, err := LoadTomlConfStr(`
[[group]]
tag = "a"
type = "select"
members = ["b"]

[[group]]
tag = "b"
type = "relay"
members = ["direct", "a"]
`)
	require.NoError(t, err)

	_, err = Build(sc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, proxy.ErrKindInvalidInput))
	assert.Contains(t, err.Error(), "cyclic")
}

func TestBuildErrors(t *testing.T) {
	cases := map[string]string{
		"unknown member": `
[[group]]
tag = "g"
type = "select"
members = ["nope"]`,
		"unknown protocol": `
[[dial]]
protocol = "vmess"
host = "1.2.3.4"
port = 1`,
		"duplicate tag": `
[[dial]]
tag = "x"
protocol = "direct"
[[group]]
tag = "x"
type = "select"
members = ["direct"]`,
		"url-test without probe": `
[[group]]
tag = "u"
type = "url-test"
members = ["direct"]`,
		"unknown listen outbound": `
[[listen]]
protocol = "socks5"
ip = "127.0.0.1"
port = 1
outbound = "none"`,
		"unknown default": `
[app]
default_outbound = "none"`,
	}
	for name, conf := range cases {
		t.Run(name, func(t *testing.T) {
			sc, err := LoadTomlConfStr(conf)
			require.NoError(t, err)
			_, err = Build(sc)
			assert.Error(t, err)
		})
	}
}

func TestDefaultIsDirect(t *testing.T) {
	g, err := Build(&Standard{})
	require.NoError(t, err)
	assert.Equal(t, proxy.ProtoDirect, g.Default.Proto())
	assert.Empty(t, g.Inbounds)
}

func TestLoadTomlConfFile(t *testing.T) {
	_, err := LoadTomlConfFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	fn := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(fn, []byte(fullConf), 0o644))
	sc, err := LoadTomlConfFile(fn)
	require.NoError(t, err)
	assert.Len(t, sc.Dial, 3)
	assert.Len(t, sc.Group, 3)
	require.NotNil(t, sc.App.LogLevel)
	assert.Equal(t, 2, *sc.App.LogLevel)

	_, err = LoadTomlConfStr("[[dial]\nbroken")
	assert.Error(t, err)
}
