package dokodemo

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/e1732a364fed/vsproxy/proxy"
)

func TestDokodemoTCPAndUDP(t *testing.T) {
	echo := proxy.ListenEcho(t)
	udpEcho := proxy.ListenUDPEcho(t)

	ctx, cancel := context.WithCancel(context.Background())
	d := proxy.NewDispatcher("doko", proxy.StaticRouter{Outbound: proxy.NewDirect("", proxy.CommonOption{})}, nil)
	defer func() {
		cancel()
		d.Wait()
	}()

	l, err := d.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(proxy.ListenerBase{Tag: "doko", D: d}, echo)
	go d.ServeTCP(ctx, l, s.Handshake)

	c, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(time.Second * 5))
	c.Write([]byte("tcp hello"))
	buf := make([]byte, 9)
	if _, err = io.ReadFull(c, buf); err != nil || string(buf) != "tcp hello" {
		t.Fatalf("got %q %v", buf, err)
	}

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	us := NewServer(proxy.ListenerBase{Tag: "doko-udp", D: d}, udpEcho)
	go us.ServeUDPOn(ctx, pc)

	client, err := net.Dial("udp", pc.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	client.SetDeadline(time.Now().Add(time.Second * 5))
	client.Write([]byte("udp hello"))
	n, err := client.Read(buf)
	if err != nil || string(buf[:n]) != "udp hello" {
		t.Fatalf("got %q %v", buf[:n], err)
	}
}

func TestDokodemoCreator(t *testing.T) {
	d := proxy.NewDispatcher("", nil, nil)

	lc := &proxy.ListenConf{TargetAddr: "udp://1.1.1.1:53"}
	lc.Protocol = Name
	lc.IP = "127.0.0.1"
	lc.Port = 1

	ib, err := proxy.NewInbound(lc, d)
	if err != nil {
		t.Fatal(err)
	}
	if ib.HandleTCP() || !ib.HandleUDP() {
		t.Fatal("udp target should only listen udp")
	}

	lc.TargetAddr = "127.0.0.1:53"
	if _, err = proxy.NewInbound(lc, d); err == nil {
		t.Fatal("target without scheme should fail")
	}
}
