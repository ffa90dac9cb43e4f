// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件实现 invoke 命令。载荷取自 --data、--file 或管道输入，
// 三者都缺省时发送空对象。阻塞调用挂起至终态记录返回；执行超过
// 网关的本地等待上限时网关改发接受确认，记录稍后凭激活 ID 查询。
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <name>",
	Short: "Invoke a function",
	Long: `Invoke a function and wait for the terminal activation record.

If execution outlasts the gateway's blocking wait ceiling, the gateway
answers with an acceptance instead; retrieve the record later with
'stratus activation <id>'.

Examples:
  # Invoke with JSON data
  stratus invoke hello --data '{"name": "World"}'

  # Invoke with data from file
  stratus invoke hello --file event.json

  # Invoke from stdin
  echo '{"name": "World"}' | stratus invoke hello

  # Invoke asynchronously
  stratus invoke hello --data '{"name": "World"}' --async`,
	Args: cobra.ExactArgs(1),
	RunE: runInvoke,
}

var (
	invokeData  string
	invokeFile  string
	invokeAsync bool
)

func init() {
	rootCmd.AddCommand(invokeCmd)

	invokeCmd.Flags().StringVarP(&invokeData, "data", "d", "", "JSON payload")
	invokeCmd.Flags().StringVarP(&invokeFile, "file", "f", "", "JSON payload file")
	invokeCmd.Flags().BoolVarP(&invokeAsync, "async", "a", false, "Invoke asynchronously")
}

// resolveInvokePayload 按 --data、--file、管道 stdin 的次序取载荷。
// 交互终端下不读 stdin，避免无参调用时挂住等输入。
func resolveInvokePayload() (json.RawMessage, error) {
	if invokeData != "" {
		return json.RawMessage(invokeData), nil
	}
	if invokeFile != "" {
		data, err := os.ReadFile(invokeFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		return data, nil
	}

	if stat, _ := os.Stdin.Stat(); (stat.Mode() & os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		if len(data) > 0 {
			return data, nil
		}
	}
	return json.RawMessage("{}"), nil
}

func runInvoke(cmd *cobra.Command, args []string) error {
	name := args[0]

	payload, err := resolveInvokePayload()
	if err != nil {
		return err
	}
	// 网关会整体拒绝非法 JSON，本地先挡掉省一个往返
	if !json.Valid(payload) {
		return fmt.Errorf("invalid JSON payload")
	}

	client := newClient()

	if invokeAsync {
		result, err := client.InvokeAsync(cmd.Context(), name, payload)
		if err != nil {
			return err
		}
		cmd.Printf("Function '%s' invoked asynchronously.\n", name)
		cmd.Printf("Activation ID: %s\n", result.ActivationID)
		cmd.Printf("Check status with: stratus activation %s\n", result.ActivationID)
		return nil
	}

	start := time.Now()
	result, err := client.Invoke(cmd.Context(), name, payload)
	if err != nil {
		return err
	}

	// 等待上限到期：调用已被接受，记录尚未终结
	if result.Accepted {
		cmd.Printf("Function '%s' is still running past the blocking wait ceiling.\n", name)
		cmd.Printf("Activation ID: %s\n", result.ActivationID)
		cmd.Printf("Retrieve the record with: stratus activation %s\n", result.ActivationID)
		return nil
	}

	act := result.Activation

	if format := viper.GetString("output"); format == "json" || format == "yaml" {
		return NewPrinter().PrintActivation(act)
	}

	cmd.Printf("Function '%s' invoked (%s).\n\n", name, colorStatus(act.Status))
	cmd.Printf("Activation ID: %s\n", act.ID)
	cmd.Printf("Duration:      %d ms (total: %s)\n", act.DurationMs, time.Since(start).Round(time.Millisecond))
	cmd.Printf("Billed Time:   %d ms\n", act.BilledTimeMs)

	coldStart := "No"
	if act.ColdStart {
		coldStart = "Yes"
	}
	cmd.Printf("Cold Start:    %s\n", coldStart)

	if act.LogsTruncated {
		cmd.Println("Logs:          truncated")
	}

	if act.Response.Error != "" {
		cmd.Printf("\nError: %s\n", act.Response.Error)
		return nil
	}

	if len(act.Response.Result) > 0 {
		cmd.Println("\nResult:")
		var obj interface{}
		if json.Unmarshal(act.Response.Result, &obj) == nil {
			prettyJSON, _ := json.MarshalIndent(obj, "", "  ")
			cmd.Println(string(prettyJSON))
		} else {
			cmd.Println(string(act.Response.Result))
		}
	}

	return nil
}
