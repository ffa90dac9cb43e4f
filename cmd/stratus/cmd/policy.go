// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件实现 policy 命令，用于查看平台的限额策略。
//
// 策略在网关启动时从配置加载，进程生命周期内只读。
// 创建或更新函数时声明的限额必须落在对应维度的 [min, max]
// 区间内，省略的维度使用 std 标准值。
package cmd

import (
	"github.com/spf13/cobra"
)

// policyCmd 是 policy 命令的 cobra.Command 实例。
// 该命令用于查看各限额维度的边界与平台级上限。
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "View the platform limit policy",
	Long: `View the platform limit policy: per-dimension (min, std, max)
bounds plus platform-wide ceilings for code and payload size.

Declared limits must fall within [min, max]; omitted limits take std.

Examples:
  # View the policy as a table
  stratus policy

  # Output as JSON
  stratus policy -o json`,
	RunE: runPolicy,
}

// init 注册 policy 命令到根命令。
func init() {
	rootCmd.AddCommand(policyCmd)
}

// runPolicy 是 policy 命令的执行函数。
func runPolicy(cmd *cobra.Command, args []string) error {
	client := newClient()
	pol, err := client.GetPolicy(cmd.Context())
	if err != nil {
		return err
	}

	printer := NewPrinter()
	return printer.PrintPolicy(pol)
}
