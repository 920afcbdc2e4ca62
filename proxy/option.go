package proxy

import "github.com/e1732a364fed/vsproxy/netLayer"

// CommonOption 是 所有 Outbound / Inbound 打开底层socket时 都要应用的选项.
// 在构造时拷贝进每个实例, 之后不会改变.
type CommonOption struct {
	SoMark        uint32 `toml:"so_mark"`        //linux 的 SO_MARK, 0为不设置
	BindInterface string `toml:"bind_interface"` //绑定的网卡名, 如 eth0
}

func (o CommonOption) IsEmpty() bool {
	return o.SoMark == 0 && o.BindInterface == ""
}

// Sockopt 转换为 netLayer 使用的格式; 为空时返回 nil.
func (o CommonOption) Sockopt() *netLayer.Sockopt {
	if o.IsEmpty() {
		return nil
	}
	return &netLayer.Sockopt{Somark: o.SoMark, Device: o.BindInterface}
}
