package proxy

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/utils"
)

// CommonConf is the common part of ListenConf and DialConf.
type CommonConf struct {
	Tag string `toml:"tag"` //可选, 但 group 引用成员时 需要用到

	Extra map[string]any `toml:"extra"` //用于包含任意其它数据, 比如 reject 的 extra.type

	/////////////////// 网络层 ///////////////////

	Host string `toml:"host"` //ip 或域名
	IP   string `toml:"ip"`   //给出Host后，该项可以省略
	Port int    `toml:"port"`

	CommonOption

	/////////////////// tls层 ///////////////////

	TLS      bool `toml:"tls"` //目前只有 http 协议 会用到
	Insecure bool `toml:"insecure"`

	/////////////////// 代理层 ///////////////////

	Protocol    string `toml:"protocol"`     //约定，如果一个Protocol尾缀去掉了一个's'后仍然是一个有效协议，则该协议使用了 tls。
	Uuid        string `toml:"uuid"`         //socks5 和 http 使用 user:pass 的形式, shadowsocks 则为 method:password
	EncryptAlgo string `toml:"encrypt_algo"` //shadowsocks 可以单独在这里 指定加密方法
}

// 和 GetAddrStrForListenOrDial 的区别是，它优先使用host，其次再使用ip
func (cc *CommonConf) GetAddrStr() string {
	if cc.Host != "" {
		return cc.Host + ":" + strconv.Itoa(cc.Port)
	}
	return cc.IP + ":" + strconv.Itoa(cc.Port)
}

// 它优先使用ip，其次再使用host
func (cc *CommonConf) GetAddrStrForListenOrDial() string {
	if cc.IP != "" {
		return cc.IP + ":" + strconv.Itoa(cc.Port)
	}
	return cc.Host + ":" + strconv.Itoa(cc.Port)
}

// GetAddr 返回 拨号 用的地址, 优先使用 host.
func (cc *CommonConf) GetAddr() (netLayer.Addr, error) {
	a, err := netLayer.NewAddr(cc.GetAddrStr())
	if err != nil {
		return a, NewError(ErrKindInvalidInput, "conf address", err)
	}
	if a.Port == 0 {
		return a, NewError(ErrKindInvalidInput, "conf address", netLayer.ErrInvalidPort)
	}
	return a, nil
}

// UserPass 把 Uuid 按 user:pass 的形式 拆开. 没有冒号时 pass 为空.
func (cc *CommonConf) UserPass() (user, pass string) {
	user, pass, _ = strings.Cut(cc.Uuid, ":")
	return
}

func (cc *CommonConf) ExtraString(key string) string {
	if cc.Extra == nil {
		return ""
	}
	s, _ := cc.Extra[key].(string)
	return s
}

func (cc *CommonConf) ExtraBool(key string) bool {
	if cc.Extra == nil {
		return false
	}
	switch v := cc.Extra[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

// config for listening, the user can be called as listener or inServer.
//
//	CommonConf.Host , CommonConf.IP, CommonConf.Port is the addr and port for listening
type ListenConf struct {
	CommonConf

	Users []utils.UserConf `toml:"users"` //可选, 用于储存多个用户/密码 信息。

	//若使用dokodemo协议，则这一项会给出. 格式为url, 如 tcp://127.0.0.1:443 , 必须带scheme，以及端口。只能为tcp或udp
	TargetAddr string `toml:"target"`

	AcceptProxyProtocol bool `toml:"accept_proxy_protocol"` //监听的连接 必须以 PROXY protocol 头部开始

	NoUDP bool `toml:"no_udp"` //不监听udp

	UDPTimeout int `toml:"udp_timeout"` //秒; udp 映射 空闲多久后 被关闭. 0 为默认值

	Outbound string `toml:"outbound"` //该监听 使用的 出站 (dial 或 group) 的 tag; 为空时 使用默认出站
}

// config for dialing, user can be called dialer or outClient.
//
//	CommonConf.Host , CommonConf.IP, CommonConf.Port  are the addr and port for dialing.
type DialConf struct {
	CommonConf

	UDP bool `toml:"udp"` //是否允许 udp; direct 总是允许
}

// GroupConf 用于配置 relay 与 selector 这种 由其它 Outbound 组合而成的 Outbound.
type GroupConf struct {
	Tag     string   `toml:"tag"`
	Type    string   `toml:"type"`    // relay, select, fallback, url-test
	Members []string `toml:"members"` // 成员的 tag, 可以是 dial 也可以是 其它 group

	Fallback    bool `toml:"fallback"`     //对于 select 策略, 是否在失败时 尝试下一个
	MaxAttempts int  `toml:"max_attempts"` //最多尝试几个成员; 0 为 全部

	ProbeAddr string `toml:"probe"`     //健康检查 拨号的地址, host:port
	Interval  int    `toml:"interval"`  //健康检查 间隔, 秒. 0 为不检查
	Tolerance int    `toml:"tolerance"` //url-test 的 毫秒容差
}

// URLToDialConf 从 url 中 解析出 通用的部分: host, port, uuid(userinfo), tag(fragment) 以及 query 中的 udp, tls, insecure, so_mark, bind_interface.
func URLToDialConf(u *url.URL) (*DialConf, error) {
	dc := &DialConf{}
	dc.Protocol = strings.ToLower(u.Scheme)
	dc.Host = u.Hostname()

	if ps := u.Port(); ps != "" {
		p, err := strconv.ParseUint(ps, 10, 16)
		if err != nil {
			return nil, NewError(ErrKindInvalidInput, "parse url port", netLayer.ErrInvalidPort)
		}
		dc.Port = int(p)
	}

	if u.User != nil {
		dc.Uuid = u.User.Username()
		if p, ok := u.User.Password(); ok {
			dc.Uuid += ":" + p
		}
	}
	dc.Tag = u.Fragment

	q := u.Query()
	dc.UDP = q.Get("udp") == "true" || q.Get("udp") == "1"
	dc.TLS = q.Get("tls") == "true" || q.Get("tls") == "1"
	dc.Insecure = q.Get("insecure") == "true" || q.Get("insecure") == "1"
	dc.BindInterface = q.Get("bind_interface")

	if ms := q.Get("so_mark"); ms != "" {
		m, err := strconv.ParseUint(ms, 10, 32)
		if err != nil {
			return nil, NewError(ErrKindInvalidInput, "parse so_mark", err)
		}
		dc.SoMark = uint32(m)
	}

	if extra := q.Get("type"); extra != "" {
		dc.Extra = map[string]any{"type": extra}
	}

	return dc, nil
}
