package proxy

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrKind 为 错误的 分类.
type ErrKind uint8

const (
	ErrKindIO           ErrKind = iota + 1 // 连接被拒, 重置, 超时, 解析失败 等
	ErrKindProtocol                        // 握手失败, 认证失败, 服务端响应错误
	ErrKindInvalidInput                    // 错误的 地址 / url / 配置
	ErrKindCapability                      // 如 在不支持udp的 Outbound 上请求 udp
	ErrKindRejected                        // reject 主动拒绝; 属于 Protocol 一类
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindIO:
		return "io"
	case ErrKindProtocol:
		return "protocol"
	case ErrKindInvalidInput:
		return "invalid input"
	case ErrKindCapability:
		return "capability mismatch"
	case ErrKindRejected:
		return "rejected"
	}
	return "unknown"
}

// Error implements error. 它的 Is 方法 以 Kind 进行匹配, 所以可以用 errors.Is(err, ErrKindIO) 这种方式 判断分类.
type Error struct {
	Kind ErrKind
	Op   string //出错的操作, 如 "socks5 handshake", "relay hop 2 (ss1)"
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	if k, ok := target.(ErrKind); ok {
		return e.Kind == k
	}
	return false
}

// ErrKind 也实现了 error, 这样才能作为 errors.Is 的 target.
func (k ErrKind) Error() string { return k.String() }

func NewError(kind ErrKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

var (
	ErrUDPNotSupported = &Error{Kind: ErrKindCapability, Err: errors.New("udp not supported")}
	ErrRejected        = &Error{Kind: ErrKindRejected, Err: errors.New("rejected")}
	ErrEmptyGroup      = &Error{Kind: ErrKindInvalidInput, Err: errors.New("group has no member")}
	ErrNoRemoteAddr    = &Error{Kind: ErrKindInvalidInput, Err: errors.New("outbound has no fixed remote address")}
)

// KindOf 返回 err 链中 第一个 *Error 的 Kind. 若没有, 则把 网络错误 与 io 错误 归为 ErrKindIO;
// 其它情况返回 0.
func KindOf(err error) ErrKind {
	if err == nil {
		return 0
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}

	var ne net.Error
	switch {
	case errors.As(err, &ne),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return ErrKindIO
	}
	return 0
}

// WrapIOErr 把 未分类的错误 包装为 ErrKindIO.
func WrapIOErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Kind: ErrKindIO, Op: op, Err: err}
}
