package netLayer

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/utils"
)

var (
	ErrRecursion   = errors.New("multiple recursion not allowed")
	ErrNoDnsServer = errors.New("no dns server configured")
	ErrNoRecord    = errors.New("no such record")
)

// Resolver 将域名解析为ip. 实现必须可以被多个 goroutine 同时调用;
// 耗时操作要服从 ctx 的取消.
type Resolver interface {
	Resolve(ctx context.Context, domain string) (net.IP, error)
}

// ResolveAddr 仅当 a 为域名时 才调用 r 解析, 返回的 Addr 保留原端口和Network.
func ResolveAddr(ctx context.Context, r Resolver, a Addr) (Addr, error) {
	if !a.IsDomain() {
		return a, nil
	}
	if r == nil {
		return a, utils.ErrInErr{ErrDesc: "ResolveAddr: no resolver", ErrDetail: utils.ErrNilParameter, Data: a.Name}
	}
	ip, err := r.Resolve(ctx, a.Name)
	if err != nil {
		return a, utils.ErrInErr{ErrDesc: "resolve failed", ErrDetail: err, Data: a.Name}
	}
	return Addr{Network: a.Network, IP: ip, Port: a.Port}, nil
}

// SystemResolver 使用 go 标准库的 解析器, 在没有配置 dns 时作为默认的 Resolver.
type SystemResolver struct {
	PreferIPv6 bool
}

func (sr SystemResolver) Resolve(ctx context.Context, domain string) (net.IP, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", domain)
	if err != nil {
		return nil, err
	}
	var first net.IP
	for _, ip := range ips {
		is4 := ip.To4() != nil
		if is4 != sr.PreferIPv6 {
			return ip, nil
		}
		if first == nil {
			first = ip
		}
	}
	if first == nil {
		return nil, ErrNoRecord
	}
	return first, nil
}

// DNSQuery 用 client 向 serverAddr 发起一次查询. domain必须是 dns.Fqdn 函数 包过的.
// dns_type 为 miekg/dns 包中定义的类型, 目前只实现了 TypeA, TypeAAAA; 遇到 CNAME 会继续查询.
//
// recursionCount 使用者统一填0 即可，用于内部 遇到cname时进一步查询时防止无限递归.
//
// 可能返回 ErrNoRecord (查无此记录), dns.ErrRcode, ErrRecursion; 其它错误则是网络错误.
func DNSQuery(ctx context.Context, domain string, dns_type uint16, client *dns.Client, serverAddr string, recursionCount int) (ip net.IP, ttl uint32, err error) {
	m := new(dns.Msg)
	m.SetQuestion(domain, dns_type)

	var r *dns.Msg
	r, _, err = client.ExchangeContext(ctx, m, serverAddr)
	if r == nil {
		if err == nil {
			err = utils.ErrInvalidData
		}
		if ce := utils.CanLogDebug("dns query read err"); ce != nil {
			ce.Write(zap.String("domain", domain), zap.Error(err))
		}
		return
	}

	if r.Rcode != dns.RcodeSuccess {
		if ce := utils.CanLogDebug("dns query code err"); ce != nil {
			//dns查不到的情况是很有可能的，所以还是放在debug日志里
			ce.Write(zap.Int("rcode", r.Rcode), zap.String("domain", domain))
		}
		err = dns.ErrRcode
		return
	}

	switch dns_type {
	case dns.TypeA:
		for _, a := range r.Answer {
			if aa, ok := a.(*dns.A); ok {
				ip = aa.A
				ttl = aa.Hdr.Ttl
				return
			}
		}
	case dns.TypeAAAA:
		for _, a := range r.Answer {
			if aa, ok := a.(*dns.AAAA); ok {
				ip = aa.AAAA
				ttl = aa.Hdr.Ttl
				return
			}
		}
	}

	//没A和4A那就查cname在不在

	for _, a := range r.Answer {
		if aa, ok := a.(*dns.CNAME); ok {
			if recursionCount > 2 {
				//不准循环递归，否则就是bug；因为有可能两个域名cname相互指向对方
				err = ErrRecursion
				return
			}
			return DNSQuery(ctx, dns.Fqdn(aa.Target), dns_type, client, serverAddr, recursionCount+1)
		}
	}

	err = ErrNoRecord
	return
}

type dnsServer struct {
	Name   string //我们这里惯例，直接使用配置文件中配置的url字符串作为Name
	addr   string
	client *dns.Client
}

// 可为纯udp dns, tcp dns or DoT. if DoT, 则要求 addr.Network == "tls"
func newDnsServer(name string, addr Addr) (*dnsServer, error) {
	var network string
	switch addr.Network {
	case "", "udp", "udp4", "udp6":
		network = "udp"
	case "tcp", "tcp4", "tcp6":
		network = "tcp"
	case "tls":
		network = "tcp-tls" //见 miekg/dns 的 Client.Net 说明
	default:
		return nil, utils.ErrInErr{ErrDesc: "unsupported dns server network", ErrDetail: utils.ErrWrongParameter, Data: addr.Network}
	}

	c := &dns.Client{Net: network, Timeout: DNSTimeout}
	if network == "tcp-tls" && addr.Name != "" {
		c.TLSConfig = newDoTConfig(addr.Name)
	}

	return &dnsServer{Name: name, addr: addr.String(), client: c}, nil
}

func newDoTConfig(serverName string) *tls.Config {
	return &tls.Config{ServerName: serverName}
}

type IPRecord struct {
	IP         net.IP
	TTL        uint32 //seconds
	RecordTime time.Time
}

// DNSTimeout 是单次查询的时限.
var DNSTimeout = time.Second * 4

// DNSMachine 维持多个dns服务器的配置，并可以发起dns请求, 实现 Resolver.
// 会缓存dns记录; 该设施是一个状态机, 所以叫 DNSMachine。
//
// SpecialIPPollicy 用于指定特殊的 域名-ip 映射，这样遇到这种域名时，不经过dns查询，直接返回预设ip。
// SpecialServerPolicy 用于为特殊的 域名指定特殊的 dns服务器，这样遇到这种域名时，会通过该特定服务器查询。
type DNSMachine struct {
	TypeStrategy int64  // 0, 4, 6, 40, 60
	TTLStrategy  uint32 // 0: 永不过期, 1: 严格遵循TTL, 其它: 自定义秒数

	servers []*dnsServer // servers[0] 为默认服务器, 其它服务器在默认服务器失败时依次尝试
	special map[string]*dnsServer

	cache map[string]IPRecord //cache的key统一为 未经 Fqdn包装过的域名. 即尾部没有点号

	SpecialIPPollicy    map[string][]netip.Addr
	SpecialServerPolicy map[string]string //domain -> dns server name

	mutex sync.RWMutex
}

func NewDNSMachine() *DNSMachine {
	return &DNSMachine{
		cache:               make(map[string]IPRecord),
		special:             make(map[string]*dnsServer),
		SpecialIPPollicy:    make(map[string][]netip.Addr),
		SpecialServerPolicy: make(map[string]string),
	}
}

// AddNewServer 添加一个 dns服务器, name为该dns服务器的名称. 若 special 为false, 该服务器会进入默认列表.
func (dm *DNSMachine) AddNewServer(name string, addr Addr, special bool) error {
	ds, err := newDnsServer(name, addr)
	if err != nil {
		return err
	}
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	if special {
		dm.special[name] = ds
	} else {
		dm.servers = append(dm.servers, ds)
	}
	return nil
}

// AddHost 添加一条静态解析记录.
func (dm *DNSMachine) AddHost(domain string, ips ...netip.Addr) {
	domain = strings.TrimSuffix(domain, ".")
	dm.mutex.Lock()
	dm.SpecialIPPollicy[domain] = append(dm.SpecialIPPollicy[domain], ips...)
	dm.mutex.Unlock()
}

// Resolve implements Resolver.
func (dm *DNSMachine) Resolve(ctx context.Context, domain string) (ip net.IP, err error) {
	domain = strings.TrimSuffix(domain, ".")

	switch dm.TypeStrategy {
	default:
		fallthrough
	case 0, 4:
		ip, err = dm.QueryType(ctx, domain, dns.TypeA)
		if ip == nil && ctx.Err() == nil {
			ip, err = dm.QueryType(ctx, domain, dns.TypeAAAA)
		}
	case 6:
		ip, err = dm.QueryType(ctx, domain, dns.TypeAAAA)
		if ip == nil && ctx.Err() == nil {
			ip, err = dm.QueryType(ctx, domain, dns.TypeA)
		}
	case 40:
		ip, err = dm.QueryType(ctx, domain, dns.TypeA)
	case 60:
		ip, err = dm.QueryType(ctx, domain, dns.TypeAAAA)
	}
	if ip == nil && err == nil {
		err = ErrNoRecord
	}
	return
}

func (dm *DNSMachine) cachedRecord(domain string, dns_type uint16) (net.IP, bool) {
	dm.mutex.RLock()
	ipRecord, ok := dm.cache[cacheKey(domain, dns_type)]
	dm.mutex.RUnlock()

	if !ok {
		return nil, false
	}

	switch dm.TTLStrategy {
	case 0: // no timeout
	case 1: //strictly follow TTL
		if time.Now().After(ipRecord.RecordTime.Add(time.Second * time.Duration(ipRecord.TTL))) {
			ok = false
		}
	default: //customized ttl
		if time.Now().After(ipRecord.RecordTime.Add(time.Second * time.Duration(dm.TTLStrategy))) {
			ok = false
		}
	}
	if !ok {
		dm.mutex.Lock()
		delete(dm.cache, cacheKey(domain, dns_type))
		dm.mutex.Unlock()
		return nil, false
	}
	return ipRecord.IP, true
}

func cacheKey(domain string, dns_type uint16) string {
	if dns_type == dns.TypeAAAA {
		return domain + "|6"
	}
	return domain
}

// QueryType 查找步骤:
// 先从 cache找，有的话，若符合TTL策略，就直接返回；
// 查 SpecialIPPollicy，类似cache，有就直接返回;
// 查不到再找 SpecialServerPolicy 看有没有特殊的dns服务器; 若没有，依次用默认服务器查.
//
// 传入的domain必须是不带尾缀点号的domain.
func (dm *DNSMachine) QueryType(ctx context.Context, domain string, dns_type uint16) (net.IP, error) {
	if ip, ok := dm.cachedRecord(domain, dns_type); ok {
		if ce := utils.CanLogDebug("[DNSMachine] hit cache"); ce != nil {
			ce.Write(zap.String("domain", domain), zap.String("ip", ip.String()))
		}
		return ip, nil
	}

	dm.mutex.RLock()
	if na := dm.SpecialIPPollicy[domain]; len(na) > 0 {
		for _, a := range na {
			switch {
			case dns_type == dns.TypeA && (a.Is4() || a.Is4In6()):
				aa := a.As4()
				dm.mutex.RUnlock()
				return net.IP(aa[:]), nil
			case dns_type == dns.TypeAAAA && a.Is6() && !a.Is4In6():
				aa := a.As16()
				dm.mutex.RUnlock()
				return net.IP(aa[:]), nil
			}
		}
	}

	var candidates []*dnsServer
	if name := dm.SpecialServerPolicy[domain]; name != "" {
		if s := dm.special[name]; s != nil {
			candidates = append(candidates, s)
		}
	}
	candidates = append(candidates, dm.servers...)
	dm.mutex.RUnlock()

	if len(candidates) == 0 {
		return nil, ErrNoDnsServer
	}

	fqdn := dns.Fqdn(domain)

	var lastErr error
	for _, s := range candidates {
		if ce := utils.CanLogDebug("[DNSMachine] start querying"); ce != nil {
			ce.Write(zap.String("domain", domain), zap.String("through", s.Name))
		}

		ip, ttl, err := DNSQuery(ctx, fqdn, dns_type, s.client, s.addr, 0)
		if err == nil {
			dm.mutex.Lock()
			dm.cache[cacheKey(domain, dns_type)] = IPRecord{IP: ip, TTL: ttl, RecordTime: time.Now()}
			dm.mutex.Unlock()
			return ip, nil
		}
		lastErr = err

		//查无此记录 是确定的答案, 不必再问其它服务器
		if err == ErrNoRecord || err == dns.ErrRcode || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// ClearCache 清空所有缓存的记录.
func (dm *DNSMachine) ClearCache() {
	dm.mutex.Lock()
	dm.cache = make(map[string]IPRecord)
	dm.mutex.Unlock()
}
