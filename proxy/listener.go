package proxy

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/utils"
)

// ListenerBase 是 各个 Inbound 的通用部分: 监听地址 与 所使用的 Dispatcher.
type ListenerBase struct {
	Tag   string
	Addr  string //监听地址 host:port
	NoUDP bool

	D *Dispatcher
}

// NewListenerBase 用 lc 中的通用配置 初始化 d, 并返回 ListenerBase.
func NewListenerBase(lc *ListenConf, d *Dispatcher) ListenerBase {
	if lc.Tag != "" {
		d.Tag = lc.Tag
	}
	if d.Tag == "" {
		d.Tag = lc.Protocol
	}
	d.Option = lc.CommonOption
	d.AcceptProxyProtocol = lc.AcceptProxyProtocol
	if lc.UDPTimeout > 0 {
		d.UDPTimeout = time.Duration(lc.UDPTimeout) * time.Second
	}

	return ListenerBase{
		Tag:   d.Tag,
		Addr:  lc.GetAddrStrForListenOrDial(),
		NoUDP: lc.NoUDP,
		D:     d,
	}
}

func (lb *ListenerBase) Name() string { return lb.Tag }

// ServeStream 监听 lb.Addr 并用 handshake 处理每一个新连接. 阻塞, 直到 ctx 结束.
func (lb *ListenerBase) ServeStream(ctx context.Context, handshake StreamHandshaker) error {
	l, err := lb.D.Listen(ctx, lb.Addr)
	if err != nil {
		return err
	}
	return lb.D.ServeTCP(ctx, l, handshake)
}

// RunInbound 同时运行 ib 的 tcp 与 udp 监听, 直到 两者都返回. 任一方 出错时 取消另一方.
func RunInbound(ctx context.Context, ib Inbound) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		mutex sync.Mutex
		errs  error
	)
	run := func(f func(context.Context) error) {
		defer wg.Done()
		if err := f(ctx); err != nil {
			mutex.Lock()
			errs = multierr.Append(errs, err)
			mutex.Unlock()
			cancel()
		}
	}

	if ib.HandleTCP() {
		wg.Add(1)
		go run(ib.ListenTCP)
	}
	if ib.HandleUDP() {
		wg.Add(1)
		go run(ib.ListenUDP)
	}
	wg.Wait()

	if errs != nil {
		if ce := utils.CanLogErr("inbound stopped with error"); ce != nil {
			ce.Write(zap.String("tag", ib.Name()), zap.Error(errs))
		}
	}
	return errs
}
