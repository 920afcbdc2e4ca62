package netLayer

import (
	"net"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/e1732a364fed/vsproxy/utils"
)

// darwin 没有 SO_MARK, 只支持 绑定网卡 (IP_BOUND_IF).
func SetSockOpt(fd int, sockopt *Sockopt, isipv6 bool) error {
	if sockopt.IsEmpty() {
		return nil
	}
	if sockopt.Somark != 0 {
		if ce := utils.CanLogWarn("so_mark is not supported on darwin, ignored"); ce != nil {
			ce.Write(zap.Uint32("mark", sockopt.Somark))
		}
	}
	if sockopt.Device == "" {
		return nil
	}

	iface, err := net.InterfaceByName(sockopt.Device)
	if err != nil {
		return utils.ErrInErr{ErrDesc: "bind interface failed, seems name wrong", ErrDetail: err, Data: sockopt.Device}
	}
	if isipv6 {
		err = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_BOUND_IF, iface.Index)
	} else {
		err = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_BOUND_IF, iface.Index)
	}
	if err != nil {
		return utils.ErrInErr{ErrDesc: "bind interface failed", ErrDetail: err, Data: sockopt.Device}
	}
	return nil
}
