package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/utils"
)

// DefaultHandshakeTimeout 是 入站协议握手 的默认时限.
var DefaultHandshakeTimeout = time.Second * 10

// TrafficStats 为一个 Inbound 的流量统计.
type TrafficStats struct {
	ActiveFlows atomic.Int64
	TotalFlows  atomic.Uint64
	Uploaded    atomic.Uint64
	Downloaded  atomic.Uint64
}

// StreamHandshaker 为入站协议在 一个新连接上的握手. 返回 握手后 用于转发的连接 以及 请求的 Session.
//
// 若返回的 Session 为 nil 且 err 为 nil, 说明该连接已被 入站协议 自己处理完毕 (比如 socks5 的 UDP ASSOCIATE).
type StreamHandshaker func(ctx context.Context, conn net.Conn) (net.Conn, *Session, error)

// Dispatcher 是所有 Inbound 共用的 转发核心: 对每一个 新流量, 询问 Router, 调用 Outbound 的
// ConnectStream / ConnectDatagram, 然后 双向转发, 直到任一方结束.
//
// 单个流量的失败 不会影响 监听循环 以及 其它流量. ctx 结束后 所有流量都会被关闭, Wait 会等待它们全部退出.
type Dispatcher struct {
	Tag      string
	Router   Router
	Resolver netLayer.Resolver

	Option              CommonOption
	AcceptProxyProtocol bool
	HandshakeTimeout    time.Duration
	UDPTimeout          time.Duration

	Stats TrafficStats

	wg sync.WaitGroup
}

func NewDispatcher(tag string, router Router, r netLayer.Resolver) *Dispatcher {
	if r == nil {
		r = netLayer.SystemResolver{}
	}
	return &Dispatcher{
		Tag:              tag,
		Router:           router,
		Resolver:         r,
		HandshakeTimeout: DefaultHandshakeTimeout,
		UDPTimeout:       netLayer.UDP_timeout,
	}
}

// Wait 等待所有 流量 结束.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Listen 监听 tcp 地址 laddr, 应用 d.Option, 并在 AcceptProxyProtocol 时 包装 PROXY protocol.
func (d *Dispatcher) Listen(ctx context.Context, laddr string) (net.Listener, error) {
	l, err := netLayer.ListenTCP(ctx, laddr, d.Option.Sockopt())
	if err != nil {
		return nil, NewError(ErrKindIO, "listen "+laddr, err)
	}
	if d.AcceptProxyProtocol {
		l = netLayer.WrapProxyProtocolListener(l)
	}
	return l, nil
}

// ServeTCP 在 l 上循环 Accept, 对每个连接 先调用 handshake, 然后 HandleStream. 阻塞.
// ctx 结束时 关闭 l 并返回 nil.
func (d *Dispatcher) ServeTCP(ctx context.Context, l net.Listener, handshake StreamHandshaker) error {
	if ce := utils.CanLogInfo("Listening"); ce != nil {
		ce.Write(zap.String("tag", d.Tag), zap.String("addr", l.Addr().String()))
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-stop:
		}
	}()

	err := netLayer.LoopAccept(l, func(c net.Conn) {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleNewConn(ctx, c, handshake)
		}()
	})
	l.Close()

	if ctx.Err() != nil {
		err = nil
	}
	if ce := utils.CanLogInfo("Listener stopped"); ce != nil {
		ce.Write(zap.String("tag", d.Tag), zap.Error(err))
	}
	return err
}

func (d *Dispatcher) handleNewConn(ctx context.Context, c net.Conn, handshake StreamHandshaker) {
	hctx, cancel := context.WithTimeout(ctx, d.HandshakeTimeout)

	var (
		wrapped net.Conn
		sess    *Session
	)
	err := netLayer.HandshakeContext(hctx, c, func() (e error) {
		wrapped, sess, e = handshake(hctx, c)
		return
	})
	cancel()

	if err != nil {
		if ce := utils.CanLogWarn("inbound handshake failed"); ce != nil {
			ce.Write(zap.String("tag", d.Tag), zap.String("from", c.RemoteAddr().String()), zap.Error(err))
		}
		c.Close()
		return
	}
	if sess == nil {
		return
	}
	if as, ok := wrapped.(*Associate); ok {
		d.serveAssociate(ctx, as, sess)
		return
	}
	d.HandleStream(ctx, wrapped, sess)
}

// Associate 由 入站握手 返回, 表示 控制连接 上建立了一个 udp 关联 (如 socks5 的 UDP ASSOCIATE).
// 关联的生命周期 与 控制连接 相同.
type Associate struct {
	net.Conn
	Channel netLayer.PacketChannel
}

func (d *Dispatcher) serveAssociate(ctx context.Context, as *Associate, sess *Session) {
	actx, cancel := context.WithCancel(ctx)
	go func() {
		io.Copy(io.Discard, as.Conn)
		cancel()
	}()

	if ce := utils.CanLogDebug("udp associate"); ce != nil {
		ce.Write(zap.String("tag", d.Tag), zap.String("from", sess.Source.String()))
	}

	err := d.ServeUDP(actx, as.Channel)
	cancel()
	as.Conn.Close()

	if err != nil {
		if ce := utils.CanLogDebug("udp associate closed"); ce != nil {
			ce.Write(zap.String("tag", d.Tag), zap.Error(err))
		}
	}
}

// HandleStream 为 sess 选择 Outbound 并建立连接, 然后与 client 双向转发. 阻塞, 返回时 client 已被关闭.
func (d *Dispatcher) HandleStream(ctx context.Context, client net.Conn, sess *Session) {
	if sess.InboundTag == "" {
		sess.InboundTag = d.Tag
	}

	d.Stats.ActiveFlows.Inc()
	d.Stats.TotalFlows.Inc()
	defer d.Stats.ActiveFlows.Dec()

	ob, err := d.Router.Route(sess)
	if err != nil {
		if ce := utils.CanLogWarn("route failed"); ce != nil {
			ce.Write(zap.String("session", sess.String()), zap.Error(err))
		}
		client.Close()
		return
	}

	if ce := utils.CanLogDebug("new flow"); ce != nil {
		ce.Write(zap.String("session", sess.String()), zap.String("outbound", ob.Name()))
	}

	rc, err := ob.ConnectStream(ctx, sess, d.Resolver)
	if err != nil {
		if ce := utils.CanLogWarn("outbound connect failed"); ce != nil {
			ce.Write(zap.String("session", sess.String()), zap.String("outbound", ob.Name()), zap.String("kind", KindOf(err).String()), zap.Error(err))
		}
		client.Close()
		return
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
			rc.Close()
		case <-stop:
		}
	}()

	up, down := netLayer.Relay(&sess.Destination, client, rc)
	close(stop)

	d.Stats.Uploaded.Add(uint64(up))
	d.Stats.Downloaded.Add(uint64(down))

	if ce := utils.CanLogDebug("flow closed"); ce != nil {
		ce.Write(zap.String("session", sess.String()), zap.Int64("up", up), zap.Int64("down", down))
	}
}

type udpNatEntry struct {
	src  netLayer.Addr
	ch   chan netLayer.UDPPacket
	done chan struct{}
	once sync.Once

	lastActive atomic.Int64 //unix nano
}

func (e *udpNatEntry) touch() {
	e.lastActive.Store(time.Now().UnixNano())
}

func (e *udpNatEntry) close() {
	e.once.Do(func() { close(e.done) })
}

// activityChannel 在 写入时 刷新 entry 的活跃时间.
type activityChannel struct {
	netLayer.PacketChannel
	e *udpNatEntry
}

func (ac activityChannel) WritePacket(p netLayer.UDPPacket) error {
	ac.e.touch()
	return ac.PacketChannel.WritePacket(p)
}

// ServeUDP 从 pc 循环读取数据包, 按 来源地址 维护 映射表: 每个来源 对应一个 Outbound 的 MsgConn,
// 空闲超过 UDPTimeout 后关闭. 阻塞, 直到 ctx 结束 (返回nil) 或 pc 读取出错. 返回前会关闭 pc.
func (d *Dispatcher) ServeUDP(ctx context.Context, pc netLayer.PacketChannel) error {
	var (
		mutex sync.Mutex
		table = make(map[netLayer.HashableAddr]*udpNatEntry)
	)

	parent := ctx
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	timeout := d.UDPTimeout
	if timeout <= 0 {
		timeout = netLayer.UDP_timeout
	}
	go func() {
		ticker := time.NewTicker(timeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				mutex.Lock()
				for k, e := range table {
					if now.Sub(time.Unix(0, e.lastActive.Load())) > timeout {
						e.close()
						delete(table, k)
					}
				}
				mutex.Unlock()
			}
		}
	}()

	var err error
	for {
		var p netLayer.UDPPacket
		p, err = pc.ReadPacket()
		if err != nil {
			break
		}

		key := p.Source.GetHashable()

		mutex.Lock()
		e := table[key]
		if e == nil {
			e = &udpNatEntry{
				src:  p.Source,
				ch:   make(chan netLayer.UDPPacket, 64),
				done: make(chan struct{}),
			}
			e.touch()
			table[key] = e

			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.serveUDPEntry(ctx, e, pc)

				mutex.Lock()
				if table[key] == e {
					delete(table, key)
				}
				mutex.Unlock()
			}()
		}
		mutex.Unlock()

		e.touch()
		select {
		case e.ch <- p:
		case <-e.done:
		default:
			//udp 本身就允许丢包
			if ce := utils.CanLogDebug("udp queue full, packet dropped"); ce != nil {
				ce.Write(zap.String("from", p.Source.String()))
			}
		}
	}

	cancel()
	mutex.Lock()
	for _, e := range table {
		e.close()
	}
	mutex.Unlock()

	//ctx结束 导致的关闭 不算错误
	if parent.Err() != nil {
		return nil
	}
	return err
}

func (d *Dispatcher) serveUDPEntry(ctx context.Context, e *udpNatEntry, pc netLayer.PacketChannel) {
	defer e.close()

	var first netLayer.UDPPacket
	select {
	case first = <-e.ch:
	case <-e.done:
		return
	}
	sess := &Session{
		Source:      e.src,
		Destination: first.Target,
		Network:     UDP,
		InboundTag:  d.Tag,
	}

	d.Stats.ActiveFlows.Inc()
	d.Stats.TotalFlows.Inc()
	defer d.Stats.ActiveFlows.Dec()

	ob, err := d.Router.Route(sess)
	if err == nil {
		if !ob.SupportUDP() {
			err = ErrUDPNotSupported
		}
	}
	var mc netLayer.MsgConn
	if err == nil {
		mc, err = ob.ConnectDatagram(ctx, sess, d.Resolver)
	}
	if err != nil {
		if ce := utils.CanLogWarn("udp outbound failed"); ce != nil {
			ce.Write(zap.String("session", sess.String()), zap.Error(err))
		}
		return
	}

	if ce := utils.CanLogDebug("new udp flow"); ce != nil {
		ce.Write(zap.String("session", sess.String()), zap.String("outbound", ob.Name()))
	}

	downDone := make(chan struct{})
	go func() {
		n, _ := netLayer.RelayUDPDown(mc, activityChannel{PacketChannel: pc, e: e}, e.src)
		d.Stats.Downloaded.Add(uint64(n))
		e.close()
		close(downDone)
	}()

	write := func(p netLayer.UDPPacket) bool {
		if err := mc.WriteMsgTo(p.Data, p.Target); err != nil {
			if ce := utils.CanLogDebug("udp write failed"); ce != nil {
				ce.Write(zap.String("target", p.Target.String()), zap.Error(err))
			}
			return false
		}
		d.Stats.Uploaded.Add(uint64(len(p.Data)))
		return true
	}

	if write(first) {
	loop:
		for {
			select {
			case p := <-e.ch:
				if !write(p) {
					break loop
				}
			case <-e.done:
				break loop
			case <-ctx.Done():
				break loop
			}
		}
	}

	mc.Close()
	<-downDone

	if ce := utils.CanLogDebug("udp flow closed"); ce != nil {
		ce.Write(zap.String("session", sess.String()))
	}
}
