package tlsLayer

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// tcpPipe 返回 一对 通过 本地 tcp 连接 的 net.Conn.
func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := l.Accept()
		accepted <- c
	}()
	c1, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c2 := <-accepted
	if c2 == nil {
		t.Fatal("accept failed")
	}
	return c1, c2
}

func testHandshake(t *testing.T, sconf, cconf Conf) {
	server, err := NewServer(sconf)
	if err != nil {
		t.Fatal(err)
	}
	client, err := NewClient(cconf)
	if err != nil {
		t.Fatal(err)
	}

	c1, c2 := tcpPipe(t)
	defer c1.Close()
	defer c2.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		sc, err := server.Handshake(ctx, c2)
		if err == nil {
			_, err = io.Copy(sc, io.LimitReader(sc, 5))
		}
		done <- err
	}()

	cc, err := client.Handshake(ctx, c1)
	if err != nil {
		t.Fatal(err)
	}
	cc.Write([]byte("hello"))
	buf := make([]byte, 5)
	if _, err = io.ReadFull(cc, buf); err != nil || string(buf) != "hello" {
		t.Fatalf("got %q, %v", buf, err)
	}
	if err = <-done; err != nil {
		t.Fatal(err)
	}
}

func TestTlsRandomCert(t *testing.T) {
	testHandshake(t, Conf{}, Conf{Host: "localhost", Insecure: true})
}

func TestUTls(t *testing.T) {
	testHandshake(t, Conf{}, Conf{Host: "localhost", Insecure: true, Fingerprint: "firefox"})
}

func TestTlsCertFilesAndCA(t *testing.T) {
	dir := t.TempDir()
	cfn, kfn := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "cert.key")
	if err := GenerateRandomCertKeyFiles(cfn, kfn); err != nil {
		t.Fatal(err)
	}

	cc := &CertConf{CertFile: cfn, KeyFile: kfn, CA: cfn}
	testHandshake(t, Conf{CertConf: cc}, Conf{Host: "localhost", CertConf: cc})
}

func TestTlsBadCertFile(t *testing.T) {
	_, err := NewServer(Conf{CertConf: &CertConf{CertFile: "nonexist.pem", KeyFile: "nonexist.key"}})
	if err == nil {
		t.Fatal("should fail")
	}
}

func TestTlsHandshakeCancel(t *testing.T) {
	client, err := NewClient(Conf{Host: "localhost", Insecure: true})
	if err != nil {
		t.Fatal(err)
	}
	c1, c2 := tcpPipe(t)
	defer c2.Close()
	defer c1.Close()

	//对端 永不回应
	go io.Copy(io.Discard, c2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*100)
	defer cancel()

	if _, err = client.Handshake(ctx, c1); err == nil {
		t.Fatal("handshake should be cancelled")
	}
}

func TestRandomCertHosts(t *testing.T) {
	cb, _, err := GenerateRandomCertKey("proxy.test", "10.0.0.5", "")
	if err != nil {
		t.Fatal(err)
	}
	block, _ := pem.Decode(cb)
	if block == nil {
		t.Fatal("bad pem")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if err = cert.VerifyHostname("proxy.test"); err != nil {
		t.Fatal(err)
	}
	if err = cert.VerifyHostname("10.0.0.5"); err != nil {
		t.Fatal(err)
	}
	if err = cert.VerifyHostname("other.test"); err == nil {
		t.Fatal("other host should not verify")
	}
	if len(cert.Subject.Country) != 1 || len(cert.Subject.Organization) != 1 {
		t.Fatal("subject not filled", cert.Subject)
	}
}
