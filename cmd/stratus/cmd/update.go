// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件实现 update 命令：局部更新函数的代码、入口、描述或限额。
// 请求体只携带显式给出的字段；但只要动了任一限额，网关就把更新
// 后的限额整体重新过一遍准入校验，规则与创建时相同。
package cmd

import (
	"fmt"
	"os"

	"github.com/oriys/stratus/internal/gatewayclient"
	"github.com/spf13/cobra"
)

var updateCmd = &cobra.Command{
	Use:   "update <name>",
	Short: "Update a function",
	Long: `Update an existing function.

Provided limits are re-validated as a whole against the platform policy,
under the same rules as at creation time.

Examples:
  # Update code from file
  stratus update hello --file handler.py

  # Raise memory and timeout limits
  stratus update hello --memory 512 --timeout 60000

  # Update description
  stratus update hello --description 'echo service'`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdate,
}

var (
	updateHandler     string
	updateCode        string
	updateFile        string
	updateDescription string
	updateTimeout     int64
	updateMemory      int
	updateLogs        int
	updateConcurrency int
)

func init() {
	rootCmd.AddCommand(updateCmd)

	updateCmd.Flags().StringVarP(&updateHandler, "handler", "H", "", "Handler function")
	updateCmd.Flags().StringVarP(&updateCode, "code", "c", "", "Inline code")
	updateCmd.Flags().StringVarP(&updateFile, "file", "f", "", "Code file path")
	updateCmd.Flags().StringVar(&updateDescription, "description", "", "Function description")
	updateCmd.Flags().Int64VarP(&updateTimeout, "timeout", "t", 0, "Timeout limit in milliseconds")
	updateCmd.Flags().IntVarP(&updateMemory, "memory", "m", 0, "Memory limit in MB")
	updateCmd.Flags().IntVar(&updateLogs, "logs", 0, "Log size limit in MB")
	updateCmd.Flags().IntVar(&updateConcurrency, "concurrency", 0, "Per-sandbox concurrency limit")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	name := args[0]
	req := &gatewayclient.UpdateFunctionRequest{}

	// --file 优先于 --code
	switch {
	case updateFile != "":
		data, err := os.ReadFile(updateFile)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		code := string(data)
		req.Code = &code
	case updateCode != "":
		req.Code = &updateCode
	}

	if updateHandler != "" {
		req.Handler = &updateHandler
	}
	if updateDescription != "" {
		req.Description = &updateDescription
	}
	req.Limits = buildLimits(updateTimeout, updateMemory, updateLogs, updateConcurrency)

	fn, err := newClient().UpdateFunction(cmd.Context(), name, req)
	if err != nil {
		return err
	}

	cmd.Printf("Function '%s' updated successfully.\n\n", fn.Name)
	return NewPrinter().PrintFunction(fn)
}
