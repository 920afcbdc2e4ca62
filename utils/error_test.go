package utils

import (
	"errors"
	"io"
	"testing"
)

func TestErrInErr(t *testing.T) {
	e := ErrInErr{ErrDesc: "read failed", ErrDetail: io.EOF, Data: 3}

	if !errors.Is(e, io.EOF) {
		t.Fatal("errors.Is should see the inner error")
	}
	if e.Error() != "read failed : EOF, Data: 3" {
		t.Fatal("got", e.Error())
	}

	e2 := ErrInErr{ErrDesc: "only desc"}
	if e2.Error() != "only desc" {
		t.Fatal("got", e2.Error())
	}
}

func TestNumErr(t *testing.T) {
	e := NumErr{Prefix: "socks5 handshake failed ", N: 2}
	if e.Error() != "socks5 handshake failed 2" {
		t.Fatal("got", e.Error())
	}
}
