package netLayer

import (
	"context"
	"net"
	"time"
)

var aLongTimeAgo = time.Unix(1, 0)

// HandshakeContext 在 conn 上执行一次阻塞的握手 fn, 并把 ctx 的 deadline 与 取消 映射到 conn 的 deadline 上:
// ctx 结束时 conn 上正在进行的读写会立即返回错误, 此时返回 ctx.Err().
//
// HandshakeContext 返回时, 会清除它设置的 deadline; 不会关闭 conn.
func HandshakeContext(ctx context.Context, conn net.Conn, fn func() error) error {
	if ctx.Done() == nil {
		return fn()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			conn.SetDeadline(aLongTimeAgo)
		case <-stop:
		}
	}()

	err := fn()

	close(stop)
	<-exited

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	conn.SetDeadline(time.Time{})
	return err
}
