/*
Package main 读取配置文件，然后进行代理转发, 并选择性运行 apiServer.

命令行参数请使用 --help / -h 查看详情.

如果一个命令行参数无法在标准配置中进行配置，那么它就属于高级/开发者选项.
*/
package main

import (
	"fmt"
	"io"
	"runtime"
)

const (
	desc      = "A pluggable proxy engine: socks5, http, shadowsocks, relay chains and selectors\n"
	delimiter = "===============================\n"
)

var Version string = "[version_undefined]" //版本号可由 -ldflags "-X 'main.Version=v1.x.x'" 指定

func versionStr() string {
	return fmt.Sprintf("vsproxy %s, %s %s %s\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printVersionStr(w io.StringWriter) {
	w.WriteString(delimiter)
	w.WriteString(versionStr())
	w.WriteString(delimiter)
	w.WriteString(desc)
	w.WriteString(delimiter)
}
