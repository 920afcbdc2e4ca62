package machine

import (
	"github.com/e1732a364fed/vsproxy/config"
)

// LoadConfigByTomlBytes 解析 toml 并构建 一个 尚未运行的 M.
func LoadConfigByTomlBytes(bs []byte) (*M, error) {
	sc, err := config.LoadTomlConfStr(string(bs))
	if err != nil {
		return nil, err
	}
	return LoadStandardConf(sc)
}

// LoadStandardConf 用 已经解析好的 sc 构建 一个 尚未运行的 M.
func LoadStandardConf(sc *config.Standard) (*M, error) {
	g, err := config.Build(sc)
	if err != nil {
		return nil, err
	}
	m := New(g)
	if sc.ApiServer != nil {
		m.ApiServerConf = *sc.ApiServer
	}
	return m, nil
}
