package utils

import (
	"os"
	"path/filepath"
)

// GetFilePath 查找 配置文件 等 的 路径, 找不到时 返回 "".
//
// 绝对路径 直接返回; 否则 依次 在 工作目录, 可执行文件 所在目录, 用户配置目录下的 vsproxy 目录 中 查找.
func GetFilePath(fileName string) string {
	if fileName == "" {
		return ""
	}
	if filepath.IsAbs(fileName) {
		if _, err := os.Stat(fileName); err == nil {
			return fileName
		}
		return ""
	}

	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if execFile, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(execFile))
	}
	if cd, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(cd, "vsproxy"))
	}

	for _, d := range dirs {
		p := filepath.Join(d, fileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
