package netLayer

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// 两端 各自分成两半, 同时双向收发, 每个包的 地址与内容都必须原样到达.
func TestSplitHalvesOverPipe(t *testing.T) {
	a, b := MsgPipe()
	defer a.Close()

	ar, as := Split(a)
	br, bs := Split(b)

	const num = 200

	targetOf := func(i int) Addr {
		if i%2 == 0 {
			return Addr{Name: fmt.Sprintf("host%d.example.com", i), Port: 1000 + i}
		}
		return Addr{IP: net.IPv6loopback, Port: 2000 + i}
	}
	payloadOf := func(dir string, i int) []byte {
		return bytes.Repeat([]byte(fmt.Sprintf("%s-%d;", dir, i)), i%7+1)
	}

	var wg sync.WaitGroup
	wg.Add(4)

	send := func(s SendHalf, dir string) {
		defer wg.Done()
		for i := 0; i < num; i++ {
			if _, err := s.SendTo(payloadOf(dir, i), targetOf(i)); err != nil {
				t.Errorf("send %s %d: %v", dir, i, err)
				return
			}
		}
	}

	recv := func(r RecvHalf, dir string) {
		defer wg.Done()
		seen := make(map[int]bool)
		buf := make([]byte, MaxUDP_packetLen)
		for len(seen) < num {
			n, addr, err := r.RecvFrom(buf)
			if err != nil {
				t.Errorf("recv %s: %v", dir, err)
				return
			}
			var i int
			if _, err := fmt.Sscanf(string(buf[:n]), dir+"-%d;", &i); err != nil {
				t.Errorf("bad payload %q", buf[:n])
				return
			}
			if !bytes.Equal(buf[:n], payloadOf(dir, i)) {
				t.Errorf("payload %d corrupted", i)
			}
			want := targetOf(i)
			if !addr.Equal(want) {
				t.Errorf("packet %d: addr %v, want %v", i, addr, want)
			}
			seen[i] = true
		}
	}

	go send(as, "ab")
	go send(bs, "ba")
	go recv(br, "ab")
	go recv(ar, "ba")

	wg.Wait()
}

func TestMsgPipeClose(t *testing.T) {
	a, b := MsgPipe()
	a.Close()

	if _, _, err := b.ReadMsgFrom(); err != ErrMsgConnClosed {
		t.Fatalf("read after close: %v", err)
	}
	if err := b.WriteMsgTo([]byte("x"), Addr{Name: "a.com", Port: 1}); err != ErrMsgConnClosed {
		t.Fatalf("write after close: %v", err)
	}
	b.Close()
}

func TestRecvHalfShortBuffer(t *testing.T) {
	a, b := MsgPipe()
	defer a.Close()

	_, s := Split(a)
	r, _ := Split(b)

	s.SendTo([]byte("0123456789"), Addr{Name: "a.com", Port: 1})

	buf := make([]byte, 4)
	n, _, err := r.RecvFrom(buf)
	if err == nil || n != 4 {
		t.Fatalf("expect truncation error, got n=%d err=%v", n, err)
	}
}

func TestUDPMsgConnAndPacketChannel(t *testing.T) {
	serverPC, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	target, _ := NewAddrFromAny(serverPC.LocalAddr())

	//服务端视作 dokodemo 入站, 所有包的目标均为固定地址
	fixed := Addr{Name: "fixed.example.com", Port: 53}
	ch := &UniTargetPacketChannel{PacketConn: serverPC, Target: fixed}
	defer ch.Close()

	uc, err := NewUDPMsgConn(context.Background(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer uc.Close()

	if err = uc.WriteMsgTo([]byte("hello"), target); err != nil {
		t.Fatal(err)
	}

	serverPC.SetReadDeadline(time.Now().Add(time.Second * 3))
	p, err := ch.ReadPacket()
	if err != nil {
		t.Fatal(err)
	}
	if string(p.Data) != "hello" || !p.Target.Equal(fixed) {
		t.Fatalf("got %q to %v", p.Data, p.Target)
	}

	if err = ch.WritePacket(UDPPacket{Data: []byte("world"), Source: fixed, Target: p.Source}); err != nil {
		t.Fatal(err)
	}

	bs, from, err := uc.ReadMsgFrom()
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != "world" || from.Port != target.Port {
		t.Fatalf("got %q from %v", bs, from)
	}
}

func TestPacketConnAdapter(t *testing.T) {
	a, b := MsgPipe()
	defer a.Close()

	peer := Addr{IP: net.IPv4(10, 0, 0, 1).To4(), Port: 8388}
	pc := &PacketConnAdapter{MsgConn: a, Peer: peer}

	if _, err := pc.WriteTo([]byte("abc"), &net.UDPAddr{IP: net.IPv4(8, 8, 8, 8), Port: 53}); err != nil {
		t.Fatal(err)
	}
	bs, to, err := b.ReadMsgFrom()
	if err != nil || string(bs) != "abc" || !to.Equal(peer) {
		t.Fatalf("got %q to %v, %v", bs, to, err)
	}

	b.WriteMsgTo([]byte("reply"), Addr{})
	buf := make([]byte, 100)
	n, from, err := pc.ReadFrom(buf)
	if err != nil || string(buf[:n]) != "reply" || from.String() != "10.0.0.1:8388" {
		t.Fatalf("got %q from %v, %v", buf[:n], from, err)
	}
}
