/*
Package config loads the standard toml config and builds the handler graph from it.

标准配置 由 [app], [apiServer], [dns], [[listen]], [[dial]], [[group]] 组成. 使用toml：https://toml.io/cn/v1.0.0

group 的 members 可以引用 dial 的 tag, 也可以引用 其它 group 的 tag; 不可以有 循环引用.
*/
package config

import (
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/netLayer"
	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/utils"
)

// AppConf 配置App级别的配置
type AppConf struct {
	LogLevel *int    `toml:"loglevel"` //需要为指针, 否则无法判断0到底是未给出的默认值还是 显式声明的0
	LogFile  *string `toml:"logfile"`

	DefaultOutbound string `toml:"default_outbound"` //为空时 使用 第一个 dial; 没有 dial 时 使用 direct

	DialTimeoutSeconds *int `toml:"dial_timeout"`
	UDPTimeoutSeconds  *int `toml:"udp_timeout"`
}

// ApiServerConf 配置 管理用的 http api 服务.
type ApiServerConf struct {
	Enable     bool   `toml:"enable"`
	PlainHttp  bool   `toml:"plain"`
	KeyFile    string `toml:"key"`
	CertFile   string `toml:"cert"`
	PathPrefix string `toml:"prefix"`
	AdminPass  string `toml:"admin_pass"`
	Addr       string `toml:"addr"`
}

type Standard struct {
	App       *AppConf            `toml:"app"`
	ApiServer *ApiServerConf      `toml:"apiServer"`
	DNS       *netLayer.DnsConf   `toml:"dns"`
	Listen    []*proxy.ListenConf `toml:"listen"`
	Dial      []*proxy.DialConf   `toml:"dial"`
	Group     []*proxy.GroupConf  `toml:"group"`
}

func LoadTomlConfStr(str string) (c *Standard, err error) {
	c = &Standard{}
	md, err := toml.Decode(str, c)
	if err != nil {
		return nil, proxy.NewError(proxy.ErrKindInvalidInput, "parse toml config", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		if ce := utils.CanLogWarn("config contains unknown keys"); ce != nil {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			ce.Write(zap.Strings("keys", keys))
		}
	}
	return c, nil
}

func LoadTomlConfFile(fileNamePath string) (*Standard, error) {
	cf, err := os.Open(fileNamePath)
	if err != nil {
		return nil, proxy.NewError(proxy.ErrKindInvalidInput, "open config file", utils.ErrInErr{ErrDesc: "can't open config file", ErrDetail: err, Data: fileNamePath})
	}
	defer cf.Close()

	bs, err := io.ReadAll(cf)
	if err != nil {
		return nil, proxy.NewError(proxy.ErrKindIO, "read config file", err)
	}
	return LoadTomlConfStr(string(bs))
}
