// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件实现 deploy 命令：函数不存在则创建，存在则更新代码与限额。
// --watch 模式下持续监听代码文件，写入即重新部署。
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oriys/stratus/internal/gatewayclient"
	"github.com/spf13/cobra"
)

// runtimeDefaults 是各运行时的约定文件名与 handler，
// deploy 在标志缺省时据此猜测。
var runtimeDefaults = map[string]struct {
	codeFile string
	handler  string
}{
	"python3.11": {codeFile: "handler.py", handler: "handler.handler"},
	"nodejs20":   {codeFile: "index.js", handler: "index.handler"},
	"wasm":       {codeFile: "handler.wasm", handler: "main"},
}

var deployCmd = &cobra.Command{
	Use:   "deploy <name>",
	Short: "Deploy a function (create if new, update if exists)",
	Long: `Deploy a serverless function automatically.

This command checks if the function already exists:
- If it doesn't exist, it creates a new function.
- If it exists, it updates the existing function's code and limits.

With --watch, the command keeps running and redeploys whenever the
code file changes.

Examples:
  # Deploy once
  stratus deploy hello --runtime python3.11 --file handler.py

  # Deploy and redeploy on change
  stratus deploy hello --runtime python3.11 --file handler.py --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

var (
	deployRuntime     string
	deployHandler     string
	deployFile        string
	deployWatch       bool
	deployTimeout     int64
	deployMemory      int
	deployLogs        int
	deployConcurrency int
)

func init() {
	rootCmd.AddCommand(deployCmd)

	deployCmd.Flags().StringVarP(&deployRuntime, "runtime", "r", "", "Runtime (required if creating)")
	deployCmd.Flags().StringVarP(&deployHandler, "handler", "H", "", "Handler function (e.g., main.handler)")
	deployCmd.Flags().StringVarP(&deployFile, "file", "f", "", "Code file path")
	deployCmd.Flags().BoolVarP(&deployWatch, "watch", "w", false, "Watch the code file and redeploy on change")
	deployCmd.Flags().Int64VarP(&deployTimeout, "timeout", "t", 0, "Timeout limit in milliseconds")
	deployCmd.Flags().IntVarP(&deployMemory, "memory", "m", 0, "Memory limit in MB")
	deployCmd.Flags().IntVar(&deployLogs, "logs", 0, "Log size limit in MB")
	deployCmd.Flags().IntVar(&deployConcurrency, "concurrency", 0, "Per-sandbox concurrency limit")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	name := args[0]
	client := newClient()

	// 先探一次函数是否已存在，决定走创建还是更新。
	exists := true
	fn, err := client.GetFunction(cmd.Context(), name)
	if err != nil {
		if !strings.Contains(err.Error(), "404") && !strings.Contains(err.Error(), "not found") {
			return err
		}
		exists = false
	}

	if deployFile == "" {
		// 未指定文件时按运行时猜约定文件名；更新场景下
		// 运行时可以沿用线上函数的。
		if deployRuntime == "" && exists {
			deployRuntime = fn.Runtime
		}
		if d, ok := runtimeDefaults[deployRuntime]; ok {
			deployFile = d.codeFile
		}
	}
	if deployFile == "" {
		return fmt.Errorf("--file is required or must be guessable from runtime")
	}

	if err := deployOnce(cmd, client, name, exists); err != nil {
		return err
	}

	if !deployWatch {
		return nil
	}

	return watchAndRedeploy(cmd, client, name)
}

// deployOnce 执行一次部署：不存在则创建，存在则更新代码与限额。
func deployOnce(cmd *cobra.Command, client *gatewayclient.Client, name string, exists bool) error {
	data, err := os.ReadFile(deployFile)
	if err != nil {
		return fmt.Errorf("failed to read code file: %w", err)
	}
	code := string(data)
	limits := buildLimits(deployTimeout, deployMemory, deployLogs, deployConcurrency)

	var fn *gatewayclient.Function
	if exists {
		cmd.Printf("Updating existing function '%s'...\n", name)
		req := &gatewayclient.UpdateFunctionRequest{
			Code:   &code,
			Limits: limits,
		}
		if deployHandler != "" {
			req.Handler = &deployHandler
		}
		fn, err = client.UpdateFunction(cmd.Context(), name, req)
	} else {
		if deployRuntime == "" {
			return fmt.Errorf("--runtime is required when creating a new function")
		}
		if deployHandler == "" {
			deployHandler = runtimeDefaults[deployRuntime].handler
		}

		cmd.Printf("Creating new function '%s'...\n", name)
		fn, err = client.CreateFunction(cmd.Context(), &gatewayclient.CreateFunctionRequest{
			Name:    name,
			Runtime: deployRuntime,
			Handler: deployHandler,
			Code:    code,
			Limits:  limits,
		})
	}
	if err != nil {
		return err
	}

	cmd.Printf("Function '%s' deployed successfully.\n", fn.Name)
	return nil
}

// watchAndRedeploy 监听代码文件所在目录，目标文件被写入时重新部署。
// 首次部署已完成，此后的重新部署都走更新路径。
func watchAndRedeploy(cmd *cobra.Command, client *gatewayclient.Client, name string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// 很多编辑器用临时文件加 rename 保存，监听目录而非文件本身。
	if err := watcher.Add(filepath.Dir(deployFile)); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.Printf("Watching %s for changes (Ctrl+C to stop)...\n", deployFile)

	for {
		select {
		case <-ctx.Done():
			cmd.Println("\nStopped watching.")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Write != fsnotify.Write {
				continue
			}
			if filepath.Base(event.Name) != filepath.Base(deployFile) {
				continue
			}

			cmd.Printf("\n[%s] File changed, redeploying...\n", time.Now().Format("15:04:05"))
			if err := deployOnce(cmd, client, name, true); err != nil {
				cmd.Printf("[%s] Redeploy failed: %v\n", time.Now().Format("15:04:05"), err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cmd.Printf("Watcher error: %v\n", err)
		}
	}
}
