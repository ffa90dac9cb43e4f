// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件实现 activations 命令，用于查看激活记录列表。
//
// 默认显示平台上最近的激活记录，可以用函数名或ID过滤。
// 通过 --follow 参数可以订阅网关的 WebSocket 推送，
// 实时跟随新完成的激活。
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// activationsCmd 是 activations 命令的 cobra.Command 实例。
// 该命令用于列出激活记录，可按函数过滤，支持实时跟随。
var activationsCmd = &cobra.Command{
	Use:     "activations [function]",
	Aliases: []string{"acts"},
	Short:   "List activation records",
	Long: `List recent activation records, optionally filtered by function.

Examples:
  # List recent activations across all functions
  stratus activations

  # List activations for one function
  stratus activations hello

  # Follow completed activations in real time (WebSocket stream)
  stratus activations --follow

  # Follow a single function
  stratus activations hello --follow

  # Output as JSON
  stratus activations hello -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runActivations,
}

// activations 命令的标志变量
var (
	activationsLimit  int  // 显示的记录数量
	activationsOffset int  // 分页偏移
	activationsFollow bool // 是否跟随实时推送
)

// init 注册 activations 命令并设置命令行标志。
func init() {
	rootCmd.AddCommand(activationsCmd)
	activationsCmd.Flags().IntVarP(&activationsLimit, "limit", "n", 20, "Number of activations to show")
	activationsCmd.Flags().IntVar(&activationsOffset, "offset", 0, "Pagination offset")
	activationsCmd.Flags().BoolVarP(&activationsFollow, "follow", "f", false, "Follow completed activations (WebSocket stream)")
}

// runActivations 是 activations 命令的执行函数。
// 该函数执行以下操作：
//  1. 可选地解析函数名过滤参数
//  2. --follow 模式下订阅 WebSocket 推送并逐条打印
//  3. 否则调用 API 获取激活记录列表并以指定格式输出
func runActivations(cmd *cobra.Command, args []string) error {
	function := ""
	if len(args) > 0 {
		function = args[0]
	}

	client := newClient()

	if activationsFollow {
		// 流式过滤按函数 ID 匹配，先把名称归一化为 ID
		functionID := ""
		if function != "" {
			fn, err := client.GetFunction(cmd.Context(), function)
			if err != nil {
				return err
			}
			functionID = fn.ID
		}
		return followActivations(viper.GetString("api_url"), function, functionID)
	}

	resp, err := client.ListActivations(cmd.Context(), function, activationsOffset, activationsLimit)
	if err != nil {
		return err
	}

	if len(resp.Activations) == 0 {
		if function != "" {
			cmd.Printf("No activations found for function '%s'.\n", function)
		} else {
			cmd.Println("No activations found.")
		}
		return nil
	}

	printer := NewPrinter()
	return printer.PrintActivations(resp.Activations)
}

// completedActivation 是 WebSocket 推送的已完成激活事件。
type completedActivation struct {
	ActivationID  string `json:"activation_id"`
	FunctionID    string `json:"function_id"`
	FunctionName  string `json:"function_name"`
	Status        string `json:"status"`
	DurationMs    int64  `json:"duration_ms"`
	BilledTimeMs  int64  `json:"billed_time_ms"`
	MemoryPeakMB  int    `json:"memory_peak_mb,omitempty"`
	ColdStart     bool   `json:"cold_start"`
	LogsTruncated bool   `json:"logs_truncated"`
	Error         string `json:"error,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
}

// followActivations 订阅网关的激活完成推送并逐条打印。
// function 仅用于提示文案；functionID 非空时作为服务端过滤参数。
func followActivations(baseURL, function, functionID string) error {
	query := url.Values{}
	if functionID != "" {
		query.Set("function_id", functionID)
	}
	wsURL, err := buildWebSocketURL(baseURL, "/api/v1/ws/activations", query)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect activation stream: %w", err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	if function != "" {
		fmt.Printf("Following activations for function '%s' (Ctrl+C to stop)...\n", function)
	} else {
		fmt.Println("Following activations (Ctrl+C to stop)...")
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			// If user interrupted, treat as graceful exit.
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("activation stream closed: %w", err)
		}

		var event completedActivation
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}

		if err := printCompletedActivation(data, &event); err != nil {
			return err
		}
	}
}

// printCompletedActivation 按配置的输出格式打印一条完成事件。
func printCompletedActivation(raw []byte, event *completedActivation) error {
	switch viper.GetString("output") {
	case "json":
		fmt.Fprintln(os.Stdout, string(raw))
		return nil
	case "yaml":
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		out, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, string(out))
		return nil
	default:
		// Human-friendly output
		line := fmt.Sprintf("%s\t%s\t%s\tduration_ms=%d\tbilled_ms=%d",
			event.CompletedAt, event.FunctionName, event.Status, event.DurationMs, event.BilledTimeMs)
		if event.ColdStart {
			line += "\tcold_start=true"
		}
		if event.LogsTruncated {
			line += "\tlogs_truncated=true"
		}
		if event.Error != "" {
			line += fmt.Sprintf("\terror=%s", event.Error)
		}
		line += fmt.Sprintf("\tactivation=%s", event.ActivationID)
		fmt.Fprintln(os.Stdout, line)
		return nil
	}
}

// buildWebSocketURL 将 HTTP API 地址转换为 WebSocket 地址。
func buildWebSocketURL(baseURL, path string, query url.Values) (string, error) {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// ok
	default:
		return "", fmt.Errorf("unsupported api url scheme: %s", u.Scheme)
	}

	u.Path = path
	u.RawQuery = query.Encode()
	u.Fragment = ""
	return u.String(), nil
}
