// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件实现 version 命令。版本号、提交哈希与构建时间在发布
// 构建时经 -ldflags 注入，开发构建显示 dev/unknown。
package cmd

import (
	"runtime"

	"github.com/spf13/cobra"
)

// 构建期注入：
//
//	go build -ldflags "-X .../cmd.Version=v1.2.0 -X .../cmd.Commit=$(git rev-parse --short HEAD)"
var (
	// Version 是发布版本号
	Version = "dev"
	// Commit 是构建所用的提交哈希
	Commit = "unknown"
	// BuildDate 是构建时间戳
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("stratus %s (%s, built %s)\n", Version, Commit, BuildDate)
		cmd.Printf("go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
