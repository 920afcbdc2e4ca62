package netLayer

import (
	"syscall"
)

// Sockopt 用于 listen和 dial 配置一些底层参数. 任何 handler 打开的 socket 都要应用它.
type Sockopt struct {
	Somark uint32 `toml:"mark"`
	Device string `toml:"device"` //bind interface
}

func (so *Sockopt) IsEmpty() bool {
	return so == nil || (so.Somark == 0 && so.Device == "")
}

// controlFunc 返回可用于 net.Dialer.Control 和 net.ListenConfig.Control 的函数.
// 设置失败时 该 socket 不会被使用, dial/listen 返回错误. SetSockOpt 是平台相关的.
func (so *Sockopt) controlFunc() func(network, address string, c syscall.RawConn) error {
	if so.IsEmpty() {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var setErr error
		err := c.Control(func(fd uintptr) {
			setErr = SetSockOpt(int(fd), so, network == "tcp6" || network == "udp6")
		})
		if err != nil {
			return err
		}
		return setErr
	}
}
