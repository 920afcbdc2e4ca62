//go:build !linux && !darwin

package netLayer

import (
	"runtime"

	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/utils"
)

// 其它平台 忽略 sockopt, 只打印警告.
func SetSockOpt(fd int, sockopt *Sockopt, isipv6 bool) error {
	if sockopt.IsEmpty() {
		return nil
	}
	if ce := utils.CanLogWarn("sockopt not supported on this platform, ignored"); ce != nil {
		ce.Write(zap.String("platform", runtime.GOOS))
	}
	return nil
}
