package proxy

import (
	"context"
	"net"
	"testing"

	"github.com/e1732a364fed/vsproxy/netLayer"
)

func TestDirectResolvesDomainOnce(t *testing.T) {
	echo := ListenEcho(t)

	r := &CountingResolver{IP: net.IPv4(127, 0, 0, 1).To4()}
	d := NewDirect("", CommonOption{})

	sess := &Session{Destination: netLayer.Addr{Name: "example.com", Port: echo.Port}}
	c, err := d.ConnectStream(context.Background(), sess, r)
	if err != nil {
		t.Fatal(err)
	}
	c.Close()

	if n := r.Calls.Load(); n != 1 {
		t.Fatalf("resolver called %d times, want 1", n)
	}
}

func TestDirectNeverResolvesIP(t *testing.T) {
	r := &CountingResolver{IP: net.IPv4(127, 0, 0, 1).To4()}
	TestTCP(t, NewDirect("", CommonOption{}), r)

	if n := r.Calls.Load(); n != 0 {
		t.Fatalf("resolver called %d times for an ip destination", n)
	}
}

func TestDirectResolveFailure(t *testing.T) {
	r := &CountingResolver{Err: netLayer.ErrNoRecord}
	d := NewDirect("", CommonOption{})

	_, err := d.ConnectStream(context.Background(), &Session{Destination: netLayer.Addr{Name: "nonexist.example", Port: 80}}, r)
	if KindOf(err) != ErrKindIO {
		t.Fatalf("got %v (kind %v)", err, KindOf(err))
	}
}

func TestDirectProxyStreamPassthrough(t *testing.T) {
	tc := NewTrackConn("underlay")
	defer tc.Close()

	c, err := NewDirect("", CommonOption{}).ProxyStream(context.Background(), tc, &Session{}, nil)
	if err != nil || c != net.Conn(tc) {
		t.Fatalf("direct ProxyStream should return underlay unchanged, got %v %v", c, err)
	}
}

func TestDirectUDP(t *testing.T) {
	TestUDP(t, NewDirect("", CommonOption{}), nil)
}
