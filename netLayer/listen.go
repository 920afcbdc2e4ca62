package netLayer

import (
	"errors"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/utils"
)

// LoopAccept 阻塞地循环 Accept, 对每一个新连接 调用 acceptFunc (在 acceptFunc 内部自行决定是否新开goroutine).
// listener 被关闭后返回 nil; 其它无法恢复的错误则返回该错误.
func LoopAccept(listener net.Listener, acceptFunc func(net.Conn)) error {
	for {
		newc, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				if ce := utils.CanLogDebug("listener closed"); ce != nil {
					ce.Write(zap.String("addr", listener.Addr().String()))
				}
				return nil
			}

			errStr := err.Error()
			if ce := utils.CanLogWarn("failed to accept connection"); ce != nil {
				ce.Write(zap.Error(err))
			}
			if strings.Contains(errStr, "too many") {
				if ce := utils.CanLogWarn("To many incoming conn! Will Sleep."); ce != nil {
					ce.Write(zap.String("err", errStr))
				}
				time.Sleep(time.Millisecond * 500)
				continue
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			//proxyproto 头部错误只影响该连接
			if strings.Contains(errStr, "proxyproto") {
				continue
			}
			return err
		}
		acceptFunc(newc)
	}
}
