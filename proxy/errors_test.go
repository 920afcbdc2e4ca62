package proxy

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/e1732a364fed/vsproxy/utils"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		kind ErrKind
	}{
		{nil, 0},
		{errors.New("x"), 0},
		{io.EOF, ErrKindIO},
		{fmt.Errorf("wrapped: %w", io.ErrUnexpectedEOF), ErrKindIO},
		{ErrUDPNotSupported, ErrKindCapability},
		{utils.ErrInErr{ErrDesc: "a", ErrDetail: ErrRejected}, ErrKindRejected},
		{NewError(ErrKindProtocol, "socks5", errors.New("bad reply")), ErrKindProtocol},
	}
	for i, c := range cases {
		if k := KindOf(c.err); k != c.kind {
			t.Errorf("case %d: got %v want %v", i, k, c.kind)
		}
	}
}

func TestErrorIsKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewError(ErrKindInvalidInput, "parse", errors.New("bad")))
	if !errors.Is(err, ErrKindInvalidInput) {
		t.Fatal("errors.Is should match kind")
	}
	if errors.Is(err, ErrKindIO) {
		t.Fatal("errors.Is matched wrong kind")
	}
	if s := err.Error(); s != "outer: parse: invalid input: bad" {
		t.Fatalf("got %q", s)
	}
}
