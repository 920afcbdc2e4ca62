package config

import (
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/proxy/relay"
	"github.com/e1732a364fed/vsproxy/proxy/selector"
	"github.com/e1732a364fed/vsproxy/utils"
)

// Graph 为 由配置 构建出的 所有 出站, 组 与 入站.
type Graph struct {
	Resolver netLayer.Resolver

	Outbounds     map[string]proxy.Outbound //按 tag 索引, 包括 group 以及 内置的 direct, reject
	OutboundOrder []string                  //dial 与 group 按 配置中的顺序
	Default       proxy.Outbound

	Selectors []*selector.Selector

	Inbounds    []proxy.Inbound
	Dispatchers []*proxy.Dispatcher
}

// Build 依次构建 resolver, dial, group, listen. 所有的配置错误 会被一起返回.
func Build(sc *Standard) (*Graph, error) {
	g := &Graph{Outbounds: make(map[string]proxy.Outbound)}

	if sc.App != nil {
		sc.App.Setup()
	}

	if sc.DNS != nil {
		dm, err := netLayer.LoadDnsMachine(sc.DNS)
		if err != nil {
			return nil, proxy.NewError(proxy.ErrKindInvalidInput, "dns conf", err)
		}
		g.Resolver = dm
	} else {
		g.Resolver = netLayer.SystemResolver{}
	}

	var errs error
	errs = multierr.Append(errs, g.loadDial(sc.Dial))
	errs = multierr.Append(errs, g.loadGroups(sc.Group))
	if errs != nil {
		return nil, errs
	}

	for _, name := range []string{proxy.DirectName, proxy.RejectName} {
		if g.Outbounds[name] == nil {
			if name == proxy.DirectName {
				g.Outbounds[name] = proxy.NewDirect(name, proxy.CommonOption{})
			} else {
				g.Outbounds[name] = proxy.NewReject(name, "")
			}
		}
	}

	switch {
	case sc.App != nil && sc.App.DefaultOutbound != "":
		ob := g.Outbounds[sc.App.DefaultOutbound]
		if ob == nil {
			return nil, proxy.NewError(proxy.ErrKindInvalidInput, "default_outbound", utils.ErrInErr{ErrDesc: "no such outbound", ErrDetail: utils.ErrWrongParameter, Data: sc.App.DefaultOutbound})
		}
		g.Default = ob
	case len(g.OutboundOrder) > 0:
		g.Default = g.Outbounds[g.OutboundOrder[0]]
	default:
		utils.Warn("no dial in config settings, will use 'direct'")
		g.Default = g.Outbounds[proxy.DirectName]
	}

	if err := g.loadListen(sc.Listen); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) add(tag string, ob proxy.Outbound) error {
	if g.Outbounds[tag] != nil {
		return proxy.NewError(proxy.ErrKindInvalidInput, "outbound tag", utils.ErrInErr{ErrDesc: "duplicate tag", ErrDetail: utils.ErrWrongParameter, Data: tag})
	}
	g.Outbounds[tag] = ob
	g.OutboundOrder = append(g.OutboundOrder, tag)
	return nil
}

func (g *Graph) loadDial(dcs []*proxy.DialConf) (errs error) {
	for i, dc := range dcs {
		ob, err := proxy.NewOutbound(dc)
		if err != nil {
			if ce := utils.CanLogErr("can not create outbound"); ce != nil {
				ce.Write(zap.Int("index", i), zap.String("protocol", dc.Protocol), zap.Error(err))
			}
			errs = multierr.Append(errs, err)
			continue
		}
		tag := dc.Tag
		if tag == "" {
			tag = ob.Name()
		}
		errs = multierr.Append(errs, g.add(tag, ob))
	}
	return
}

// loadGroups 按依赖顺序 构建 所有 group; 成员 先于 使用它的 group 被构建. 检测 循环引用.
func (g *Graph) loadGroups(gcs []*proxy.GroupConf) error {
	byTag := make(map[string]*proxy.GroupConf, len(gcs))
	for _, gc := range gcs {
		if gc.Tag == "" {
			return proxy.NewError(proxy.ErrKindInvalidInput, "group conf", utils.ErrInErr{ErrDesc: "group tag required", ErrDetail: utils.ErrWrongParameter, Data: gc.Type})
		}
		if byTag[gc.Tag] != nil || g.Outbounds[gc.Tag] != nil {
			return proxy.NewError(proxy.ErrKindInvalidInput, "group conf", utils.ErrInErr{ErrDesc: "duplicate tag", ErrDetail: utils.ErrWrongParameter, Data: gc.Tag})
		}
		byTag[gc.Tag] = gc
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(gcs))
	built := make(map[string]proxy.Outbound, len(gcs))

	var visit func(tag string, path []string) error
	visit = func(tag string, path []string) error {
		switch state[tag] {
		case done:
			return nil
		case visiting:
			return proxy.NewError(proxy.ErrKindInvalidInput, "group conf", utils.ErrInErr{ErrDesc: "cyclic group reference", ErrDetail: utils.ErrWrongParameter, Data: strings.Join(append(path, tag), " -> ")})
		}
		state[tag] = visiting
		gc := byTag[tag]

		members := make([]proxy.Outbound, 0, len(gc.Members))
		for _, m := range gc.Members {
			if _, isGroup := byTag[m]; isGroup {
				if err := visit(m, append(path, tag)); err != nil {
					return err
				}
				members = append(members, built[m])
				continue
			}
			ob := g.Outbounds[m]
			if ob == nil {
				ob = builtin(m)
			}
			if ob == nil {
				return proxy.NewError(proxy.ErrKindInvalidInput, "group "+tag, utils.ErrInErr{ErrDesc: "unknown member", ErrDetail: utils.ErrWrongParameter, Data: m})
			}
			members = append(members, ob)
		}

		ob, err := newGroup(gc, members, g.Resolver)
		if err != nil {
			return err
		}
		built[tag] = ob
		state[tag] = done
		return nil
	}

	for _, gc := range gcs {
		if err := visit(gc.Tag, nil); err != nil {
			return err
		}
	}

	//保持 配置中的顺序
	for _, gc := range gcs {
		ob := built[gc.Tag]
		if err := g.add(gc.Tag, ob); err != nil {
			return err
		}
		if s, ok := ob.(*selector.Selector); ok {
			g.Selectors = append(g.Selectors, s)
		}
	}
	return nil
}

func builtin(tag string) proxy.Outbound {
	switch tag {
	case proxy.DirectName:
		return proxy.NewDirect(tag, proxy.CommonOption{})
	case proxy.RejectName:
		return proxy.NewReject(tag, "")
	}
	return nil
}

func newGroup(gc *proxy.GroupConf, members []proxy.Outbound, r netLayer.Resolver) (proxy.Outbound, error) {
	if strings.ToLower(gc.Type) == relay.Name {
		r, err := relay.New(gc.Tag, members)
		if err != nil {
			return nil, err
		}
		return r, nil
	}

	policy, err := selector.ParsePolicy(gc.Type)
	if err != nil {
		return nil, err
	}
	conf := selector.Conf{
		Policy:      policy,
		Fallback:    gc.Fallback,
		MaxAttempts: gc.MaxAttempts,
		Interval:    time.Duration(gc.Interval) * time.Second,
		Tolerance:   time.Duration(gc.Tolerance) * time.Millisecond,
		Resolver:    r,
	}
	if gc.ProbeAddr != "" {
		conf.ProbeAddr, err = netLayer.NewAddr(gc.ProbeAddr)
		if err != nil {
			return nil, proxy.NewError(proxy.ErrKindInvalidInput, "group "+gc.Tag+" probe", err)
		}
	}
	if policy == selector.PolicyURLTest && conf.ProbeAddr.IsEmpty() {
		return nil, proxy.NewError(proxy.ErrKindInvalidInput, "group "+gc.Tag, utils.ErrInErr{ErrDesc: "url-test requires probe", ErrDetail: utils.ErrWrongParameter})
	}
	s, err := selector.New(gc.Tag, conf, members)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (g *Graph) loadListen(lcs []*proxy.ListenConf) (errs error) {
	if len(lcs) == 0 {
		utils.Warn("no listen in config settings")
	}
	for i, lc := range lcs {
		ob := g.Default
		if lc.Outbound != "" {
			ob = g.Outbounds[lc.Outbound]
			if ob == nil {
				errs = multierr.Append(errs, proxy.NewError(proxy.ErrKindInvalidInput, "listen outbound", utils.ErrInErr{ErrDesc: "no such outbound", ErrDetail: utils.ErrWrongParameter, Data: lc.Outbound}))
				continue
			}
		}

		d := proxy.NewDispatcher(lc.Tag, proxy.StaticRouter{Outbound: ob}, g.Resolver)
		ib, err := proxy.NewInbound(lc, d)
		if err != nil {
			if ce := utils.CanLogErr("can not create inbound"); ce != nil {
				ce.Write(zap.Int("index", i), zap.String("protocol", lc.Protocol), zap.Error(err))
			}
			errs = multierr.Append(errs, err)
			continue
		}
		g.Inbounds = append(g.Inbounds, ib)
		g.Dispatchers = append(g.Dispatchers, d)
	}
	return
}

// Setup 把 [app] 中的设置 应用到 全局变量; 命令行中 已经给出的 参数 优先.
func (ac *AppConf) Setup() {
	if ac.LogFile != nil && utils.GivenFlags["lf"] == nil {
		utils.LogOutFileName = *ac.LogFile
	}
	if ac.LogLevel != nil && utils.GivenFlags["ll"] == nil {
		utils.LogLevel = *ac.LogLevel
	}
	if ac.DialTimeoutSeconds != nil {
		if s := *ac.DialTimeoutSeconds; s > 0 {
			netLayer.DialTimeout = time.Duration(s) * time.Second
		}
	}
	if ac.UDPTimeoutSeconds != nil {
		if s := *ac.UDPTimeoutSeconds; s > 0 {
			netLayer.UDP_timeout = time.Duration(s) * time.Second
		}
	}
}
