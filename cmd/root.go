// Package cmd 提供 cycle-engine CLI 的命令实现
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// 注册所有内置操作适配器
	_ "yqhp/cycle-engine/internal/adapter/all"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的版本信息
	Banner = `
   ___          _        ___            _
  / __|_  _ __ | |___   | __|_ _  __ _ (_)_ _  ___
 | (__| || / _|| / -_)  | _|| ' \/ _' || | ' \/ -_)
  \___|\_, \__||_\___|  |___|_||_\__, ||_|_||_\___|
       |__/                      |___/          %s
`
)

var (
	// 全局配置
	cfgFile string
	debug   bool
	quiet   bool
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "cycle-engine",
	Short: "基于 cycle 的压测执行引擎",
	Long: `cycle-engine 把一段 cycle 区间分发给多个并发 motor，
按比例把每个 cycle 映射成操作，支持限速、重试、错误分类、异步执行和运行中调参。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}
