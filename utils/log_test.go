package utils

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestZaplog(t *testing.T) {
	LogLevel = Log_info
	InitLog("")

	if ce := CanLogDebug("test1"); ce != nil {
		t.Log("debug entry should be filtered at info level")
		t.Fail()
	}

	if ce := CanLogInfo("test2"); ce != nil {
		ce.Write(
			zap.Uint32("uid", 32),
			zap.Error(errors.New("asdfdsf")),
		)
	} else {
		t.Fail()
	}
}

func TestLogFile(t *testing.T) {
	dir := t.TempDir()
	LogOutFileName = filepath.Join(dir, "vs_log")
	LogLevel = Log_debug

	defer func() {
		LogOutFileName = ""
		LogLevel = DefaultLL
		InitLog("")
	}()

	InitLog("log file test")
	Debug("written to file")
	ZapLogger.Sync()

	bs, err := os.ReadFile(LogOutFileName)
	if err != nil {
		t.Fatal(err)
	}
	if len(bs) == 0 {
		t.Fatal("log file is empty")
	}
}
