package utils

import (
	"sync"
)

// MaxBufLen 为 udp 包 与 relay 时 使用的 buf 大小. udp包最大也不到64k.
const MaxBufLen = 64 * 1024

var packetPool = sync.Pool{
	New: func() any {
		return make([]byte, MaxBufLen)
	},
}

// GetPacket 获取 一个 长度为 MaxBufLen 的 []byte, 用完后 用 PutPacket 放回.
func GetPacket() []byte {
	return packetPool.Get().([]byte)
}

// PutPacket 放回 GetPacket 获取的 []byte. 容量不足 MaxBufLen 的 会被丢弃.
func PutPacket(bs []byte) {
	if cap(bs) < MaxBufLen {
		return
	}
	packetPool.Put(bs[:MaxBufLen])
}
