// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件实现 logs 命令，用于查看单次激活采集到的日志行。
//
// 日志按采集顺序输出。当函数输出超过其日志限额时，
// 超出部分被丢弃，最后一行是注明允许大小的截断说明。
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// logsCmd 是 logs 命令的 cobra.Command 实例。
// 该命令用于查看指定激活的日志行。
var logsCmd = &cobra.Command{
	Use:   "logs <activation-id>",
	Short: "View activation logs",
	Long: `View the log lines captured for an activation.

Lines are printed in capture order. If the function's output exceeded
its log size limit, the surplus was dropped and the final line states
the configured allowance.

Examples:
  # View logs for an activation
  stratus logs act_abc123

  # Output as JSON
  stratus logs act_abc123 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

// init 注册 logs 命令到根命令。
func init() {
	rootCmd.AddCommand(logsCmd)
}

// runLogs 是 logs 命令的执行函数。
// 该函数获取指定激活的日志并逐行输出。
func runLogs(cmd *cobra.Command, args []string) error {
	client := newClient()
	logs, err := client.GetActivationLogs(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	format := viper.GetString("output")
	if format == "json" || format == "yaml" {
		printer := NewPrinter()
		if format == "json" {
			return printer.printJSON(logs)
		}
		return printer.printYAML(logs)
	}

	if len(logs.Logs) == 0 {
		cmd.Printf("No logs captured for activation '%s'.\n", logs.ActivationID)
		return nil
	}

	for _, line := range logs.Logs {
		cmd.Println(line)
	}
	return nil
}
