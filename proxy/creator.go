package proxy

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/e1732a364fed/vsproxy/utils"
)

// OutboundCreator 可通过两种配置方式来初始化 Outbound.
type OutboundCreator interface {
	NewOutbound(*DialConf) (Outbound, error)

	//把 url 转换为 DialConf; 通用部分 一般可以直接调用本包的 URLToDialConf
	URLToDialConf(*url.URL) (*DialConf, error)
}

// InboundCreator 创建 Inbound. 所有 Inbound 都通过传入的 Dispatcher 进行转发.
type InboundCreator interface {
	NewInbound(*ListenConf, *Dispatcher) (Inbound, error)
}

var (
	inboundCreatorMap  = make(map[string]InboundCreator)
	outboundCreatorMap = map[string]OutboundCreator{
		DirectName: directCreator{},
		RejectName: rejectCreator{},
	}
)

func PrintAllInboundNames() {
	fmt.Printf("===============================\nSupported Proxy Listen protocols:\n")
	for _, v := range utils.GetMapSortedKeySlice(inboundCreatorMap) {
		fmt.Print(v)
		fmt.Print("\n")
	}
}

func PrintAllOutboundNames() {
	fmt.Printf("===============================\nSupported Proxy Dial protocols:\n")
	for _, v := range utils.GetMapSortedKeySlice(outboundCreatorMap) {
		fmt.Print(v)
		fmt.Print("\n")
	}
}

// 规定，每个 实现 Outbound 的包必须使用本函数进行注册。
// direct 和 reject 统一使用本包提供的方法, 自定义协议不得覆盖 direct 和 reject。
func RegisterOutbound(name string, c OutboundCreator) {
	switch name {
	case DirectName, RejectName:
		return
	}
	outboundCreatorMap[name] = c
}

// 规定，每个 实现 Inbound 的包必须使用本函数进行注册
func RegisterInbound(name string, c InboundCreator) {
	inboundCreatorMap[name] = c
}

// NewOutbound 调用 dc.Protocol 对应的 creator. 约定，如果一个Protocol尾缀去掉了一个's'后仍然是一个有效协议，则该协议使用了 tls。
func NewOutbound(dc *DialConf) (Outbound, error) {
	protocol := dc.Protocol
	creator, ok := outboundCreatorMap[protocol]
	if !ok {
		realScheme := strings.TrimSuffix(protocol, "s")
		creator, ok = outboundCreatorMap[realScheme]
		if !ok {
			return nil, NewError(ErrKindInvalidInput, "new outbound", utils.ErrInErr{ErrDesc: "unknown dial protocol", ErrDetail: utils.ErrWrongParameter, Data: protocol})
		}
		dc.TLS = true
	}
	return creator.NewOutbound(dc)
}

// OutboundFromURL 解析url, 然后调用 相应的 creator.
func OutboundFromURL(s string) (Outbound, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, NewError(ErrKindInvalidInput, "parse outbound url", utils.ErrInErr{ErrDesc: "can not parse outbound url", ErrDetail: err, Data: s})
	}

	schemeName := strings.ToLower(u.Scheme)
	creator, ok := outboundCreatorMap[schemeName]
	tls := false
	if !ok {
		creator, ok = outboundCreatorMap[strings.TrimSuffix(schemeName, "s")]
		if !ok {
			return nil, NewError(ErrKindInvalidInput, "outbound url", utils.ErrInErr{ErrDesc: "unknown dial protocol", ErrDetail: utils.ErrWrongParameter, Data: schemeName})
		}
		tls = true
	}

	dc, err := creator.URLToDialConf(u)
	if err != nil {
		return nil, err
	}
	if tls {
		dc.TLS = true
	}
	return creator.NewOutbound(dc)
}

// NewInbound 调用 lc.Protocol 对应的 creator.
func NewInbound(lc *ListenConf, d *Dispatcher) (Inbound, error) {
	creator, ok := inboundCreatorMap[lc.Protocol]
	if !ok {
		return nil, NewError(ErrKindInvalidInput, "new inbound", utils.ErrInErr{ErrDesc: "unknown listen protocol", ErrDetail: utils.ErrWrongParameter, Data: lc.Protocol})
	}
	return creator.NewInbound(lc, d)
}

type directCreator struct{}

func (directCreator) NewOutbound(dc *DialConf) (Outbound, error) {
	return NewDirect(dc.Tag, dc.CommonOption), nil
}

func (directCreator) URLToDialConf(u *url.URL) (*DialConf, error) {
	return URLToDialConf(u)
}

type rejectCreator struct{}

func (rejectCreator) NewOutbound(dc *DialConf) (Outbound, error) {
	return NewReject(dc.Tag, dc.ExtraString("type")), nil
}

func (rejectCreator) URLToDialConf(u *url.URL) (*DialConf, error) {
	return URLToDialConf(u)
}
