package machine

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.uber.org/atomic"

	"github.com/e1732a364fed/vsproxy/proxy"
	_ "github.com/e1732a364fed/vsproxy/proxy/socks5"
)

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func confWithPort(port int) string {
	return `
[apiServer]
admin_pass = "secret"

[[group]]
tag = "pick"
type = "select"
members = ["direct", "reject"]

[[group]]
tag = "chain"
type = "relay"
members = ["direct"]

[[listen]]
tag = "in"
protocol = "socks5"
ip = "127.0.0.1"
port = ` + strconv.Itoa(port) + `
no_udp = true
outbound = "pick"
`
}

func waitListening(t *testing.T, addr string) {
	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			c.Close()
			return
		}
		time.Sleep(time.Millisecond * 20)
	}
	t.Fatal("listener not ready", addr)
}

func TestMachineRunAndSelect(t *testing.T) {
	port := freePort(t)
	m, err := LoadConfigByTomlBytes([]byte(confWithPort(port)))
	if err != nil {
		t.Fatal(err)
	}
	if m.AdminPass != "secret" {
		t.Fatal("apiServer conf not loaded")
	}

	var toggles []bool
	m.AddToggleCallback(func(b bool) { toggles = append(toggles, b) })
	var updated atomic.Int32
	m.AddUpdatedCallback(func() { updated.Inc() })

	m.Start(context.Background())
	defer m.Stop()
	if !m.IsRunning() {
		t.Fatal("should be running")
	}

	addr := "127.0.0.1:" + strconv.Itoa(port)
	waitListening(t, addr)

	client, err := proxy.OutboundFromURL("socks5://" + addr)
	if err != nil {
		t.Fatal(err)
	}
	proxy.TestTCP(t, client, nil)

	api := httptest.NewServer(m.Handler())
	defer api.Close()

	// 没有密码
	resp, err := http.Get(api.URL + "/api/outbounds")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatal("want 401, got", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, api.URL+"/api/outbounds", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var states []OutboundState
	err = json.NewDecoder(resp.Body).Decode(&states)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 || states[0].Tag != "pick" || states[0].Now != "direct" || len(states[0].Members) != 2 {
		t.Fatalf("unexpected outbounds %+v", states)
	}
	if states[1].Proto != "relay" || len(states[1].Hops) != 1 {
		t.Fatalf("unexpected relay state %+v", states[1])
	}

	req, _ = http.NewRequest(http.MethodPut, api.URL+"/api/select?group=pick&name=reject", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "reject") {
		t.Fatal(resp.StatusCode, string(body))
	}
	if updated.Load() != 1 {
		t.Fatal("updated callback not called")
	}

	// reject 之后 新的连接 会被 关闭
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	c, err := client.ConnectStream(ctx, &proxy.Session{Destination: proxy.ListenEcho(t)}, nil)
	if err == nil {
		c.SetDeadline(time.Now().Add(time.Second * 5))
		c.Write([]byte("x"))
		if _, err = c.Read(make([]byte, 1)); err == nil {
			t.Fatal("rejected flow should not echo")
		}
		c.Close()
	}

	for _, q := range []string{"group=nope&name=direct", "group=pick&name=nope", "group=pick"} {
		req, _ = http.NewRequest(http.MethodPut, api.URL+"/api/select?"+q, nil)
		req.SetBasicAuth("admin", "secret")
		resp, err = http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatal(q, resp.StatusCode)
		}
	}

	m.Stop()
	if m.IsRunning() {
		t.Fatal("should be stopped")
	}
	if len(toggles) != 2 || !toggles[0] || toggles[1] {
		t.Fatal("toggle callbacks", toggles)
	}
	if _, err = net.DialTimeout("tcp", addr, time.Second); err == nil {
		t.Fatal("listener should be closed")
	}
}
