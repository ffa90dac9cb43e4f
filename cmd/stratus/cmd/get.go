// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件实现 get 命令：按名称或 ID 查询单个函数。代码体默认
// 不随详情输出（可能很大），--code 时原样附带。
package cmd

import (
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Get function details",
	Long: `Get detailed information about a function, including its
effective resource limits.

Examples:
  # Get function by name
  stratus get hello

  # Get function by ID
  stratus get fn_abc123

  # Output as JSON
  stratus get hello -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

var getShowCode bool

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().BoolVar(&getShowCode, "code", false, "Show function code")
}

func runGet(cmd *cobra.Command, args []string) error {
	fn, err := newClient().GetFunction(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !getShowCode {
		fn.Code = ""
	}
	return NewPrinter().PrintFunction(fn)
}
