package netLayer

import (
	"context"
	"io"
	"net"
	"testing"
)

func TestLoopAcceptProxyProtocol(t *testing.T) {
	l, err := ListenTCP(context.Background(), "127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	pl := WrapProxyProtocolListener(l)

	got := make(chan string, 1)
	exited := make(chan error, 1)
	go func() {
		exited <- LoopAccept(pl, func(c net.Conn) {
			go func() {
				defer c.Close()
				buf := make([]byte, 4)
				io.ReadFull(c, buf)
				got <- c.RemoteAddr().String() + " " + string(buf)
			}()
		})
	}()

	c, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	src := Addr{IP: net.IPv4(10, 1, 2, 3).To4(), Port: 4567}
	dst := Addr{IP: net.IPv4(10, 9, 9, 9).To4(), Port: 443}
	if _, err = WritePROXYprotocol(2, src, dst, c); err != nil {
		t.Fatal(err)
	}
	c.Write([]byte("ping"))

	if s := <-got; s != "10.1.2.3:4567 ping" {
		t.Fatalf("got %q", s)
	}

	pl.Close()
	if err = <-exited; err != nil {
		t.Fatalf("LoopAccept should return nil after close, got %v", err)
	}
}

func TestWritePROXYprotocolBadVersion(t *testing.T) {
	_, err := WritePROXYprotocol(3, Addr{}, Addr{}, io.Discard)
	if err == nil {
		t.Fatal("expect error")
	}
}
