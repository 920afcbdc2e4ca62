package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/pkg/profile"
	"go.uber.org/zap"

	"github.com/e1732a364fed/vsproxy/config"
	"github.com/e1732a364fed/vsproxy/machine"
	"github.com/e1732a364fed/vsproxy/proxy"
	"github.com/e1732a364fed/vsproxy/utils"

	_ "github.com/e1732a364fed/vsproxy/proxy/dokodemo"
	_ "github.com/e1732a364fed/vsproxy/proxy/http"
	_ "github.com/e1732a364fed/vsproxy/proxy/shadowsocks"
	_ "github.com/e1732a364fed/vsproxy/proxy/socks5"
)

var (
	configFileName string
	startMProf     bool
	printVersion   bool
	printProtocols bool

	apiConf config.ApiServerConf
)

const (
	defaultLogFile = "vs_log"
	defaultConfFn  = "client.toml"

	willExitStr = "Neither valid proxy settings available, nor apiServer running. Exit now.\n"
)

func init() {
	flag.StringVar(&configFileName, "c", defaultConfFn, "config file name")
	flag.BoolVar(&startMProf, "mp", false, "memory pprof")
	flag.BoolVar(&printVersion, "v", false, "print the version string then exit")
	flag.BoolVar(&printProtocols, "sp", false, "print supported protocols then exit")

	flag.IntVar(&utils.LogLevel, "ll", utils.DefaultLL, "log level,0=debug, 1=info, 2=warning, 3=error, 4=fatal")
	flag.StringVar(&utils.LogOutFileName, "lf", defaultLogFile, "output file for log; If empty, no log file will be used.")

	flag.BoolVar(&apiConf.Enable, "ea", false, "enable api server")
	flag.BoolVar(&apiConf.PlainHttp, "sunsafe", false, "if given, api Server will use http instead of https")
	flag.StringVar(&apiConf.PathPrefix, "spp", machine.DefaultPathPrefix, "api Server Path Prefix, must start with '/' ")
	flag.StringVar(&apiConf.AdminPass, "sap", "", "api Server admin password, but won't be used if it's empty")
	flag.StringVar(&apiConf.Addr, "sa", machine.DefaultApiServerAddr, "api Server listen address")
	flag.StringVar(&apiConf.CertFile, "scert", "", "api Server tls cert file path")
	flag.StringVar(&apiConf.KeyFile, "skey", "", "api Server tls cert key path")
}

func main() {
	os.Exit(mainFunc())
}

func mainFunc() (result int) {
	defer func() {
		if r := recover(); r != nil {
			if ce := utils.CanLogErr("Captured panic!"); ce != nil {
				stackStr := string(debug.Stack())
				ce.Write(
					zap.Any("err:", r),
					zap.String("stacktrace", stackStr),
				)
				log.Println(stackStr) //zap 的 json 会转义 换行符, 所以 stack 单独打印一次
			} else {
				log.Println("panic captured!", r, "\n", string(debug.Stack()))
			}
			result = -3
		}
	}()

	utils.ParseFlags()

	if printVersion {
		printVersionStr(os.Stdout)
		return
	}
	if printProtocols {
		proxy.PrintAllInboundNames()
		proxy.PrintAllOutboundNames()
		return
	}
	printVersionStr(os.Stdout)

	if startMProf {
		//若不使用 NoShutdownHook, 则 我们ctrl+c退出时不会产生 pprof文件
		p := profile.Start(profile.MemProfile, profile.MemProfileRate(1), profile.NoShutdownHook)
		defer p.Stop()
	}

	var fpath string
	if configFileName != "" {
		fpath = utils.GetFilePath(configFileName)
	}
	if fpath == "" {
		if utils.GivenFlags["c"] == nil {
			log.Printf("No -c provided and default %q doesn't exist", defaultConfFn)
		} else {
			log.Printf("-c provided but %q doesn't exist", configFileName)
		}
		return -1
	}

	sc, err := config.LoadTomlConfFile(fpath)
	if err != nil {
		log.Println(willExitStr, err)
		return -1
	}
	if sc.App != nil {
		sc.App.Setup()
	}

	utils.InitLog("Program started")
	defer utils.Info("Program exited")

	if ce := utils.CanLogInfo("Loaded config"); ce != nil {
		ce.Write(zap.String("file", fpath), zap.Int("log level", utils.LogLevel))
	}

	m, err := machine.LoadStandardConf(sc)
	if err != nil {
		if ce := utils.CanLogErr(willExitStr); ce != nil {
			ce.Write(zap.Error(err))
		} else {
			log.Print(willExitStr, err)
		}
		return -1
	}
	mergeApiConf(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)

	if m.Enable {
		m.TryRunApiServer()
	}

	if !m.IsRunning() && !m.Enable {
		utils.Warn(willExitStr)
		return -1
	}

	{
		osSignals := make(chan os.Signal, 1)
		signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM) //os.Kill cannot be trapped
		<-osSignals

		utils.Info("Program got close signal.")
		cancel()
		m.Stop()
	}
	return
}

// mergeApiConf 命令行中 给出的 apiServer 参数 覆盖 配置文件中的 值.
func mergeApiConf(m *machine.M) {
	given := func(name string) bool { return utils.GivenFlags[name] != nil }

	if given("ea") {
		m.Enable = apiConf.Enable
	}
	if given("sunsafe") {
		m.PlainHttp = apiConf.PlainHttp
	}
	if given("spp") || m.PathPrefix == "" {
		m.PathPrefix = apiConf.PathPrefix
	}
	if given("sap") {
		m.AdminPass = apiConf.AdminPass
	}
	if given("sa") || m.Addr == "" {
		m.Addr = apiConf.Addr
	}
	if given("scert") {
		m.CertFile = apiConf.CertFile
	}
	if given("skey") {
		m.KeyFile = apiConf.KeyFile
	}
}
