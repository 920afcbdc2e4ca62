package netLayer

import (
	"bytes"
	"io"
	"net"
	"testing"
)

func TestRelay(t *testing.T) {
	client, lc := net.Pipe()
	rc, server := net.Pipe()

	target := Addr{Name: "example.com", Port: 80}

	type result struct{ up, down int64 }
	resultChan := make(chan result, 1)
	go func() {
		u, d := Relay(&target, lc, rc)
		resultChan <- result{u, d}
	}()

	go func() {
		buf := make([]byte, 5)
		io.ReadFull(server, buf)
		server.Write(bytes.ToUpper(buf))
		server.Close()
	}()

	client.Write([]byte("hello"))

	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "HELLO" {
		t.Fatalf("got %q", got)
	}

	r := <-resultChan
	if r.up != 5 || r.down != 5 {
		t.Fatalf("got up %d down %d", r.up, r.down)
	}
}

type recordChannel struct {
	got    []UDPPacket
	notify chan struct{}
}

func (r *recordChannel) ReadPacket() (UDPPacket, error) { return UDPPacket{}, io.EOF }
func (r *recordChannel) WritePacket(p UDPPacket) error {
	r.got = append(r.got, p)
	r.notify <- struct{}{}
	return nil
}
func (r *recordChannel) Close() error { return nil }

func TestRelayUDPDown(t *testing.T) {
	a, b := MsgPipe()

	client := Addr{IP: net.IPv4(127, 0, 0, 1).To4(), Port: 5555}
	remote := Addr{Name: "dns.example", Port: 53}

	b.WriteMsgTo([]byte("answer1"), remote)
	b.WriteMsgTo([]byte("answer22"), remote)

	rec := &recordChannel{notify: make(chan struct{}, 2)}
	done := make(chan int64)
	go func() {
		n, _ := RelayUDPDown(a, rec, client)
		done <- n
	}()

	<-rec.notify
	<-rec.notify
	b.Close()

	n := <-done
	if n != 15 {
		t.Fatalf("got %d bytes", n)
	}
	for _, p := range rec.got {
		if !p.Target.Equal(client) || !p.Source.Equal(remote) {
			t.Fatalf("bad packet %+v", p)
		}
	}
}
