// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件实现 create 命令。--runtime 与 --handler 必填，代码来自
// --code 或 --file。限额标志全部可选：省略的维度由网关套用平台
// 标准值，显式给出的值越界时网关以 400 拒绝并说明允许的阈值。
package cmd

import (
	"fmt"
	"os"

	"github.com/oriys/stratus/internal/gatewayclient"
	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new function",
	Long: `Create a new serverless function.

Omitted limits default to the platform standard values. Provided limits
must fall within the platform policy bounds or the request is rejected.

Examples:
  # Create from inline code with default limits
  stratus create hello --runtime python3.11 --handler main.handler \
    --code 'def handler(event): return {"message": "Hello"}'

  # Create from file with explicit limits
  stratus create hello --runtime python3.11 --handler main.handler \
    --file handler.py --timeout 5000 --memory 256 --logs 8

  # Create with per-sandbox concurrency
  stratus create hello --runtime wasm --handler main --file handler.wasm \
    --concurrency 4`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var (
	createRuntime     string
	createHandler     string
	createCode        string
	createFile        string
	createDescription string
	createTimeout     int64
	createMemory      int
	createLogs        int
	createConcurrency int
)

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVarP(&createRuntime, "runtime", "r", "", "Runtime (python3.11, nodejs20, wasm)")
	createCmd.Flags().StringVarP(&createHandler, "handler", "H", "", "Handler function (e.g., main.handler)")
	createCmd.Flags().StringVarP(&createCode, "code", "c", "", "Inline code")
	createCmd.Flags().StringVarP(&createFile, "file", "f", "", "Code file path")
	createCmd.Flags().StringVar(&createDescription, "description", "", "Function description")
	createCmd.Flags().Int64VarP(&createTimeout, "timeout", "t", 0, "Timeout limit in milliseconds (0 = platform standard)")
	createCmd.Flags().IntVarP(&createMemory, "memory", "m", 0, "Memory limit in MB (0 = platform standard)")
	createCmd.Flags().IntVar(&createLogs, "logs", 0, "Log size limit in MB (0 = platform standard)")
	createCmd.Flags().IntVar(&createConcurrency, "concurrency", 0, "Per-sandbox concurrency limit (0 = platform standard)")

	createCmd.MarkFlagRequired("runtime")
	createCmd.MarkFlagRequired("handler")
}

// buildLimits 把限额标志组装为请求限额，create 与 update 共用。
// 标志值 0 意味着"未声明"：该维度不进请求体，由网关套用标准值。
// 全部未声明时干脆不带 limits 字段。
func buildLimits(timeoutMs int64, memoryMB, logsMB, concurrency int) *gatewayclient.FunctionLimits {
	if timeoutMs <= 0 && memoryMB <= 0 && logsMB <= 0 && concurrency <= 0 {
		return nil
	}
	limits := &gatewayclient.FunctionLimits{}
	if timeoutMs > 0 {
		limits.TimeoutMs = &timeoutMs
	}
	if memoryMB > 0 {
		limits.MemoryMB = &memoryMB
	}
	if logsMB > 0 {
		limits.LogsMB = &logsMB
	}
	if concurrency > 0 {
		limits.Concurrency = &concurrency
	}
	return limits
}

func runCreate(cmd *cobra.Command, args []string) error {
	code := createCode
	if createFile != "" {
		data, err := os.ReadFile(createFile)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		code = string(data)
	}
	if code == "" {
		return fmt.Errorf("either --code or --file is required")
	}

	fn, err := newClient().CreateFunction(cmd.Context(), &gatewayclient.CreateFunctionRequest{
		Name:        args[0],
		Description: createDescription,
		Runtime:     createRuntime,
		Handler:     createHandler,
		Code:        code,
		Limits:      buildLimits(createTimeout, createMemory, createLogs, createConcurrency),
	})
	if err != nil {
		return err
	}

	cmd.Printf("Function '%s' created successfully.\n\n", fn.Name)
	return NewPrinter().PrintFunction(fn)
}
