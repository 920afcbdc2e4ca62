package netLayer

import (
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/e1732a364fed/vsproxy/utils"
)

// SetSockOpt 在 linux 上 设置 SO_MARK 与 SO_BINDTODEVICE. 两者 互不影响, 错误 会被合并返回.
func SetSockOpt(fd int, sockopt *Sockopt, isipv6 bool) (err error) {
	if sockopt.IsEmpty() {
		return
	}
	if sockopt.Somark != 0 {
		if e := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(sockopt.Somark)); e != nil {
			err = multierr.Append(err, utils.ErrInErr{ErrDesc: "set SO_MARK failed", ErrDetail: e, Data: sockopt.Somark})
		}
	}
	if sockopt.Device != "" {
		if e := unix.BindToDevice(fd, sockopt.Device); e != nil {
			err = multierr.Append(err, utils.ErrInErr{ErrDesc: "SO_BINDTODEVICE failed", ErrDetail: e, Data: sockopt.Device})
		}
	}
	return
}
