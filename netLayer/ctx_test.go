package netLayer

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestHandshakeContextCancel(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(time.Millisecond * 50)
		cancel()
	}()

	start := time.Now()
	err := HandshakeContext(ctx, c1, func() error {
		buf := make([]byte, 1)
		_, err := io.ReadFull(c1, buf) //对端永远不写
		return err
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if time.Since(start) > time.Second*2 {
		t.Fatal("handshake not aborted in time")
	}
}

func TestHandshakeContextOK(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*3)
	defer cancel()

	go c2.Write([]byte("ok"))

	var got string
	err := HandshakeContext(ctx, c1, func() error {
		buf := make([]byte, 2)
		_, err := io.ReadFull(c1, buf)
		got = string(buf)
		return err
	})
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}

	//deadline 必须已被清除
	go c2.Write([]byte("x"))
	buf := make([]byte, 1)
	if _, err = c1.Read(buf); err != nil {
		t.Fatal(err)
	}
}
