package netLayer

import (
	"io"

	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/utils"
)

// Relay 从 lc 读取 写入到 rc，并同时从 rc 读取写入 lc. 阻塞, 直到任一方向结束.
// 一方向结束后会主动关闭双方连接, 以便另一方向也尽快结束.
//
// 返回 上传(lc->rc) 与 下载(rc->lc) 的字节数.
// io.Copy 内部会自动尝试 splice / sendfile 等优化.
func Relay(target *Addr, lc, rc io.ReadWriteCloser) (up, down int64) {
	upDone := make(chan struct{})

	go func() {
		var e error
		up, e = io.Copy(rc, lc)

		if ce := utils.CanLogDebug("转发结束"); ce != nil {
			ce.Write(zap.String("direction", "本地->远程"),
				zap.String("target", target.String()),
				zap.Int64("copied bytes", up),
				zap.Error(e),
			)
		}
		lc.Close()
		rc.Close()
		close(upDone)
	}()

	var e error
	down, e = io.Copy(lc, rc)

	if ce := utils.CanLogDebug("转发结束"); ce != nil {
		ce.Write(zap.String("direction", "远程->本地"),
			zap.String("target", target.String()),
			zap.Int64("copied bytes", down),
			zap.Error(e),
		)
	}
	lc.Close()
	rc.Close()

	<-upDone
	return
}

// RelayUDPDown 循环从 rc 读取数据包, 并以 client 为目标 写入 lc, 直到错误发生. 不关闭任何一方.
// 返回 下载的字节数.
//
// 上行方向由调用者 逐包 调用 rc.WriteMsgTo, 因为 lc 一般被多个客户端共用.
func RelayUDPDown(rc MsgConn, lc PacketChannel, client Addr) (int64, error) {
	var count int64
	for {
		bs, raddr, err := rc.ReadMsgFrom()
		if err != nil {
			return count, err
		}

		err = lc.WritePacket(UDPPacket{Data: bs, Source: raddr, Target: client})
		count += int64(len(bs))
		if err != nil {
			return count, err
		}
	}
}
