package netLayer

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/asaskevich/govalidator"

	"github.com/e1732a364fed/vsproxy/utils"
)

// Atyp, 遵循 socks5 标准 (rfc1928) 的定义. trojan, shadowsocks 的地址格式与此相同.
const (
	AtypIP4    byte = 1
	AtypDomain byte = 3
	AtypIP6    byte = 4
)

var (
	ErrInvalidPort   = errors.New("invalid port")
	ErrInvalidDomain = errors.New("invalid domain name")
	ErrInvalidAtyp   = errors.New("invalid address type")
)

// Addr represents an address that you want to access by proxy. Either Name or IP is used exclusively.
//
// Addr 即 SocksAddr: 要么是 域名+端口, 要么是 ip+端口. 同时用 Network 字段 来记录传输层协议名, 可为空.
type Addr struct {
	Network string
	Name    string // domain name
	IP      net.IP
	Port    int
}

// HashableAddr 可作为 map 的 key.
type HashableAddr struct {
	Network, Name string
	netip.AddrPort
}

func NewAddrFromUDPAddr(addr *net.UDPAddr) Addr {
	return Addr{
		IP:      addr.IP,
		Port:    addr.Port,
		Network: "udp",
	}
}

func NewAddrFromTCPAddr(addr *net.TCPAddr) Addr {
	return Addr{
		IP:      addr.IP,
		Port:    addr.Port,
		Network: "tcp",
	}
}

// NewAddr 解析 host:port 格式的字符串.
func NewAddr(addrStr string) (Addr, error) {
	return NewAddrByHostPort(addrStr)
}

// hostPortStr格式 必须为 host:port. host 为ip时按ip处理, 否则作为域名进行校验.
func NewAddrByHostPort(hostPortStr string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(hostPortStr)
	if err != nil {
		return Addr{}, err
	}
	return newAddrFromHostAndPortStr(host, portStr)
}

func newAddrFromHostAndPortStr(host, portStr string) (Addr, error) {
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Addr{}, utils.ErrInErr{ErrDesc: "parse port failed", ErrDetail: ErrInvalidPort, Data: portStr}
	}

	a := Addr{Port: int(port)}

	if host == "" {
		host = "127.0.0.1"
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			ip = ip4
		}
		a.IP = ip
	} else {
		if !govalidator.IsDNSName(host) {
			return Addr{}, utils.ErrInErr{ErrDesc: "bad host", ErrDetail: ErrInvalidDomain, Data: host}
		}
		a.Name = host
	}
	return a, nil
}

// 如 tcp://127.0.0.1:443 , udp://8.8.8.8:53, tls://dns.google:853
func NewAddrByURL(addrStr string) (Addr, error) {
	u, err := url.Parse(addrStr)
	if err != nil {
		return Addr{}, err
	}
	if u.Scheme == "" || u.Host == "" {
		return Addr{}, utils.ErrInErr{ErrDesc: "not an url address", ErrDetail: utils.ErrWrongParameter, Data: addrStr}
	}

	a, err := newAddrFromHostAndPortStr(u.Hostname(), u.Port())
	if err != nil {
		return Addr{}, err
	}
	a.Network = u.Scheme

	return a, nil
}

// NewAddrFromAny 根据thing的类型 生成实际addr; 可以为 net.Addr, url/host:port 字符串, 或者 单独的端口号(本机地址).
func NewAddrFromAny(thing any) (addr Addr, err error) {
	switch value := thing.(type) {
	case *net.TCPAddr:
		return NewAddrFromTCPAddr(value), nil
	case *net.UDPAddr:
		return NewAddrFromUDPAddr(value), nil
	case net.Addr:
		addr, err = NewAddrByHostPort(value.String())
		addr.Network = value.Network()
		return
	case string:
		if strings.Contains(value, "://") {
			return NewAddrByURL(value)
		}
		return NewAddrByHostPort(value)
	case int:
		if value > 65535 || value < 0 {
			err = utils.ErrInErr{ErrDesc: "Invalid port", ErrDetail: ErrInvalidPort, Data: value}
			return
		}
		return Addr{IP: net.IPv4(127, 0, 0, 1).To4(), Port: value}, nil
	case int64: //toml包 默认把整数转换成int64
		return NewAddrFromAny(int(value))
	default:
		err = utils.ErrInErr{ErrDesc: "NewAddrFromAny, unsupported type", ErrDetail: utils.ErrWrongParameter, Data: thing}
		return
	}
}

// IsDomain 判断该地址是否需要 dns 解析.
func (a *Addr) IsDomain() bool {
	return a.IP == nil && a.Name != ""
}

func (a *Addr) IsEmpty() bool {
	return a.Name == "" && len(a.IP) == 0 && a.Network == "" && a.Port == 0
}

func (a *Addr) IsIpv6() bool {
	return a.IP != nil && a.IP.To4() == nil
}

// a.Network == "udp", "udp4", "udp6"
func (a *Addr) IsUDP() bool {
	return IsStrUDP_network(a.Network)
}

// Equal 不比较 Network. 对ipv4 而言, 16字节与4字节的表示被认为相等.
func (a Addr) Equal(b Addr) bool {
	if a.Port != b.Port || a.Name != b.Name {
		return false
	}
	if a.IP == nil || b.IP == nil {
		return a.IP == nil && b.IP == nil
	}
	return a.IP.Equal(b.IP)
}

func (a *Addr) GetHashable() (ha HashableAddr) {
	theip := a.IP
	if i4 := a.IP.To4(); i4 != nil {
		theip = i4 //能转成ipv4则必须转，否则虽然是同一个ip，但是如果被表示成了ipv6的形式，相等比较还是会失败
	}
	ip, _ := netip.AddrFromSlice(theip)

	ha.AddrPort = netip.AddrPortFrom(ip, uint16(a.Port))
	ha.Network = a.Network
	ha.Name = a.Name
	return
}

// Return host:port string. 若有Name而没有ip，则返回 a.Name:a.Port . 否则返回 a.IP: a.Port;
func (a Addr) String() string {
	port := strconv.Itoa(a.Port)
	if a.IP == nil {
		return net.JoinHostPort(a.Name, port)
	}
	return net.JoinHostPort(a.IP.String(), port)
}

// 返回以url表示的 地址.
func (a *Addr) UrlString() string {
	if a.Network != "" {
		return a.Network + "://" + a.String()
	}
	return "tcp://" + a.String()
}

// Returned host string
func (a *Addr) HostStr() string {
	if a.IP == nil {
		return a.Name
	}
	return a.IP.String()
}

func (a *Addr) ToUDPAddr() *net.UDPAddr {
	if a.IP == nil {
		return nil
	}
	return &net.UDPAddr{IP: a.IP, Port: a.Port}
}

func (a *Addr) ToTCPAddr() *net.TCPAddr {
	if a.IP == nil {
		return nil
	}
	return &net.TCPAddr{IP: a.IP, Port: a.Port}
}

// 如果a的ip不为空，则会返回 AtypIP4 或 AtypIP6, 否则会返回 AtypDomain.
// 如果atyp类型是 域名，则 第一字节为该域名的总长度, 其余字节为域名内容。
// 如果类型是ip，则会拷贝出该ip的数据的副本。域名过长时返回 nil.
func (a *Addr) AddressBytes() (addr []byte, atyp byte) {
	if a.IP != nil {
		if ip4 := a.IP.To4(); ip4 != nil {
			addr = make([]byte, net.IPv4len)
			atyp = AtypIP4
			copy(addr, ip4)
		} else {
			addr = make([]byte, net.IPv6len)
			atyp = AtypIP6
			copy(addr, a.IP)
		}
	} else {
		if len(a.Name) > 255 {
			return nil, 0
		}
		addr = make([]byte, 1+len(a.Name))
		atyp = AtypDomain
		addr[0] = byte(len(a.Name))
		copy(addr[1:], a.Name)
	}

	return
}

// Socks5Bytes 返回 atyp + addr + port(大端) 的完整 socks5 地址格式.
func (a *Addr) Socks5Bytes() ([]byte, error) {
	abs, atyp := a.AddressBytes()
	if atyp == 0 {
		return nil, utils.ErrInErr{ErrDesc: "domain too long", ErrDetail: ErrInvalidDomain, Data: len(a.Name)}
	}
	if a.Port < 0 || a.Port > 65535 {
		return nil, utils.ErrInErr{ErrDesc: "Socks5Bytes", ErrDetail: ErrInvalidPort, Data: a.Port}
	}
	bs := make([]byte, 0, 1+len(abs)+2)
	bs = append(bs, atyp)
	bs = append(bs, abs...)
	bs = append(bs, byte(a.Port>>8), byte(a.Port))
	return bs, nil
}

// ParseSocks5Addr 依照 socks5 的格式 依次读取 atyp, 域名/ip, port.
func ParseSocks5Addr(r io.Reader) (addr Addr, err error) {
	var b1 [1]byte
	if _, err = io.ReadFull(r, b1[:]); err != nil {
		return
	}

	switch b1[0] {
	case AtypDomain:
		var lenb [1]byte
		if _, err = io.ReadFull(r, lenb[:]); err != nil {
			return
		}
		if lenb[0] == 0 {
			err = utils.ErrInErr{ErrDesc: "got AtypDomain with domain length marked as 0", ErrDetail: ErrInvalidDomain}
			return
		}
		bs := make([]byte, lenb[0])
		if _, err = io.ReadFull(r, bs); err != nil {
			return
		}
		addr.Name = string(bs)

	case AtypIP4:
		bs := make([]byte, net.IPv4len)
		if _, err = io.ReadFull(r, bs); err != nil {
			return
		}
		addr.IP = bs

	case AtypIP6:
		bs := make([]byte, net.IPv6len)
		if _, err = io.ReadFull(r, bs); err != nil {
			return
		}
		addr.IP = bs

	default:
		err = utils.ErrInErr{ErrDesc: "ParseSocks5Addr", ErrDetail: ErrInvalidAtyp, Data: b1[0]}
		return
	}

	var pb [2]byte
	if _, err = io.ReadFull(r, pb[:]); err != nil {
		return
	}
	addr.Port = int(pb[0])<<8 | int(pb[1])

	return
}

func IsStrUDP_network(s string) bool {
	switch s {
	case "udp", "udp4", "udp6":
		return true
	}
	return false
}
