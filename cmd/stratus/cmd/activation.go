// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件实现 activation 命令，用于查询单次激活的详细记录。
//
// 该命令主要用于：
//   - 查看特定激活的详细信息（状态、耗时、结果、错误等）
//   - 等待异步调用完成（--wait 参数）
//   - 只提取响应载荷（--result 参数，便于管道处理）
//
// 对于异步提交或超过等待上限的调用，可以使用此命令配合
// --wait 参数轮询等待激活终结并获取结果。
package cmd

import (
	"fmt"
	"time"

	"github.com/oriys/stratus/internal/gatewayclient"
	"github.com/spf13/cobra"
)

// activationCmd 是 activation 命令的 cobra.Command 实例。
// 该命令用于查询特定激活的详细记录，支持等待未终结的激活。
// 支持 act 作为命令别名。
var activationCmd = &cobra.Command{
	Use:     "activation <id>",
	Aliases: []string{"act"},
	Short:   "Get activation details",
	Long: `Get details about a function activation.

Examples:
  # Get activation by ID
  stratus activation act_abc123

  # Wait for an async activation to complete
  stratus activation act_abc123 --wait

  # Print only the response payload
  stratus activation act_abc123 --result

  # Output as JSON
  stratus activation act_abc123 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runActivation,
}

// activation 命令的标志变量
var (
	activationWait    bool // 是否等待激活终结
	activationTimeout int  // 等待超时时间（秒）
	activationResult  bool // 是否只输出响应载荷
)

// init 注册 activation 命令并设置命令行标志。
func init() {
	rootCmd.AddCommand(activationCmd)
	activationCmd.Flags().BoolVarP(&activationWait, "wait", "w", false, "Wait for completion")
	activationCmd.Flags().IntVar(&activationTimeout, "timeout", 60, "Wait timeout in seconds")
	activationCmd.Flags().BoolVar(&activationResult, "result", false, "Print only the response payload")
}

// runActivation 是 activation 命令的执行函数。
// 该函数执行以下操作：
//  1. 获取激活ID
//  2. 如果指定了 --result，只获取并输出响应载荷
//  3. 如果指定了 --wait，轮询等待激活终结
//  4. 否则直接获取激活详情并输出
func runActivation(cmd *cobra.Command, args []string) error {
	id := args[0]
	client := newClient()

	if activationResult {
		result, err := client.GetActivationResult(cmd.Context(), id)
		if err != nil {
			return err
		}
		if result.Error != "" {
			return fmt.Errorf("%s", result.Error)
		}
		cmd.Println(string(result.Result))
		return nil
	}

	if activationWait {
		return waitForActivation(cmd, client, id, time.Duration(activationTimeout)*time.Second)
	}

	act, err := client.GetActivation(cmd.Context(), id)
	if err != nil {
		return err
	}

	printer := NewPrinter()
	return printer.PrintActivation(act)
}

// waitForActivation 等待激活终结。
// 该函数每 500 毫秒轮询一次激活状态，直到状态离开 running 或超时。
// 等待期间执行继续在网关侧推进，轮询只是观察。
func waitForActivation(cmd *cobra.Command, client *gatewayclient.Client, id string, timeout time.Duration) error {
	start := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	cmd.Printf("Waiting for activation %s...\n", id)

	for {
		select {
		case <-ticker.C:
			act, err := client.GetActivation(cmd.Context(), id)
			if err != nil {
				return err
			}

			if act.Status != "running" {
				cmd.Printf("\nActivation completed in %s\n\n", time.Since(start).Round(time.Millisecond))
				printer := NewPrinter()
				return printer.PrintActivation(act)
			}

			cmd.Print(".")
		default:
			if time.Since(start) > timeout {
				return fmt.Errorf("timeout waiting for activation")
			}
		}
	}
}
