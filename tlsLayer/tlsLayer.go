/*
Package tlsLayer provides tls client/server wrappers used by protocols that talk to a proxy over tls, such as https proxy.

客户端 可以选择 使用 utls 模拟 浏览器的 指纹.
*/
package tlsLayer

import (
	"crypto/tls"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// Conf 为 tls 的通用配置.
type Conf struct {
	Host     string //客户端的 sni; 服务端 生成随机证书时 会把它 加入证书的 SAN
	Insecure bool
	AlpnList []string
	CertConf *CertConf

	// Fingerprint 不为空时, 客户端 使用 utls 模拟 该浏览器 的 ClientHello. 如 chrome, firefox, ios, safari, edge, random
	Fingerprint string
}

// GetTlsConfig 生成 标准库 tls 的配置. 服务端 在没有给出 证书文件 时 使用 随机生成的证书.
func GetTlsConfig(isServer bool, conf Conf) (*tls.Config, error) {
	c := &tls.Config{
		InsecureSkipVerify: conf.Insecure,
		ServerName:         conf.Host,
		NextProtos:         conf.AlpnList,
	}

	if isServer {
		var cc CertConf
		if conf.CertConf != nil {
			cc = *conf.CertConf
		}
		certs, err := loadCerts(cc, conf.Host)
		if err != nil {
			return nil, err
		}
		c.Certificates = certs
	} else if conf.CertConf != nil && conf.CertConf.CA != "" {
		cp, err := LoadCA(conf.CertConf.CA)
		if err != nil {
			return nil, err
		}
		c.RootCAs = cp
	}
	return c, nil
}

func getUTlsConfig(conf Conf, std *tls.Config) *utls.Config {
	return &utls.Config{
		InsecureSkipVerify: conf.Insecure,
		ServerName:         conf.Host,
		NextProtos:         conf.AlpnList,
		RootCAs:            std.RootCAs,
	}
}

// fingerprintByName 返回 name 对应的 utls ClientHelloID; 未知的名称 使用 chrome.
func fingerprintByName(name string) utls.ClientHelloID {
	switch strings.ToLower(name) {
	case "firefox":
		return utls.HelloFirefox_Auto
	case "ios":
		return utls.HelloIOS_Auto
	case "safari":
		return utls.HelloSafari_Auto
	case "golang":
		return utls.HelloGolang
	case "android":
		return utls.HelloAndroid_11_OkHttp
	case "360":
		return utls.Hello360_Auto
	case "edge":
		return utls.HelloEdge_Auto
	case "random":
		return utls.HelloRandomized
	default:
		return utls.HelloChrome_Auto
	}
}
