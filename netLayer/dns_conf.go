package netLayer

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/utils"
)

type DnsConf struct {
	Strategy int64          `toml:"strategy"` //0表示默认(和4含义相同), 4表示先查ip4后查ip6, 6表示先查6后查4; 40表示只查ipv4, 60 表示只查ipv6
	TTL      uint32         `toml:"ttl_strategy"`
	Hosts    map[string]any `toml:"hosts"`   //用于强制指定哪些域名会被解析为哪些具体的ip；可以为一个ip字符串，or a []string
	Servers  []any          `toml:"servers"` //可以为一个地址url字符串，or a SpecialDnsServerConf
}

type SpecialDnsServerConf struct {
	AddrUrlStr string   `toml:"addr"`   //必须为 udp://1.1.1.1:53 这种格式
	Domains    []string `toml:"domain"` //指定哪些域名需要通过 该dns服务器进行查询
}

func loadSpecialDnsServerConf(m map[string]any) (*SpecialDnsServerConf, error) {
	addrStr, ok := m["addr"].(string)
	if !ok || addrStr == "" {
		return nil, utils.ErrInErr{ErrDesc: "special dns server: addr required", ErrDetail: utils.ErrWrongParameter, Data: m}
	}

	domainsAnySlice, ok := m["domain"].([]any)
	if !ok || len(domainsAnySlice) == 0 {
		//既然是特殊dns服务器, 那么就必须指定哪些域名要使用该dns服务器进行查询
		return nil, utils.ErrInErr{ErrDesc: "special dns server: domain list required", ErrDetail: utils.ErrWrongParameter, Data: addrStr}
	}

	sc := &SpecialDnsServerConf{AddrUrlStr: addrStr}

	for _, anyD := range domainsAnySlice {
		dstr, ok := anyD.(string)
		if !ok {
			return nil, utils.ErrInErr{ErrDesc: "special dns server: domain list contains non-string item", ErrDetail: utils.ErrWrongParameter, Data: anyD}
		}
		sc.Domains = append(sc.Domains, dstr)
	}
	return sc, nil
}

// LoadDnsMachine 根据配置生成 DNSMachine. 单个服务器配置有误时 只打印日志并跳过, hosts 格式有误时返回错误.
func LoadDnsMachine(conf *DnsConf) (*DNSMachine, error) {
	dm := NewDNSMachine()
	dm.TypeStrategy = conf.Strategy
	dm.TTLStrategy = conf.TTL

	for _, ser := range conf.Servers {
		switch server := ser.(type) {
		case string:
			ad, e := NewAddrByURL(server)
			if e == nil {
				e = dm.AddNewServer(server, ad, false)
			}
			if e != nil {
				if ce := utils.CanLogErr("LoadDnsMachine, add server failed"); ce != nil {
					ce.Write(zap.String("server", server), zap.Error(e))
				}
			}

		case map[string]any:
			realServer, e := loadSpecialDnsServerConf(server)
			if e == nil {
				var addr Addr
				addr, e = NewAddrByURL(realServer.AddrUrlStr)
				if e == nil {
					e = dm.AddNewServer(realServer.AddrUrlStr, addr, true)
				}
			}
			if e != nil {
				if ce := utils.CanLogErr("LoadDnsMachine, add special server failed"); ce != nil {
					ce.Write(zap.Error(e))
				}
				continue
			}

			for _, thisdomain := range realServer.Domains {
				dm.SpecialServerPolicy[thisdomain] = realServer.AddrUrlStr
			}
		}
	}

	for thishost, things := range conf.Hosts {
		var strs []string

		switch value := things.(type) {
		case string:
			strs = []string{value}
		case []string:
			strs = value
		case []any:
			for _, v := range value {
				if s, ok := v.(string); ok {
					strs = append(strs, s)
				}
			}
		}

		for _, str := range strs {
			ad, err := netip.ParseAddr(str)
			if err != nil {
				return nil, utils.ErrInErr{ErrDesc: "LoadDnsMachine: bad host ip", ErrDetail: err, Data: thishost}
			}
			dm.AddHost(thishost, ad)
		}
	}

	return dm, nil
}
