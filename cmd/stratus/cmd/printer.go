// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件是输出层：Printer 把网关返回的实体按配置的格式写出。
// json/yaml 直接编码原始结构；table 面向人读，限额为空的维度
// 显示 "-"（服务端归一化之前的历史数据才会出现）。
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oriys/stratus/internal/gatewayclient"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Printer 持有输出格式与目标流。
type Printer struct {
	format string
	writer io.Writer
}

// NewPrinter 按 viper 里的 output 配置构造，缺省 table、写 stdout。
func NewPrinter() *Printer {
	format := viper.GetString("output")
	if format == "" {
		format = "table"
	}
	return &Printer{format: format, writer: os.Stdout}
}

// emit 是所有 Print* 的公共出口：结构化格式直接编码 v，
// 否则走各自的表格渲染。
func (p *Printer) emit(v interface{}, table func() error) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(p.writer)
		enc.SetIndent(2)
		return enc.Encode(v)
	default:
		return table()
	}
}

// printJSON 以 JSON 格式输出数据。
func (p *Printer) printJSON(v interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML 以 YAML 格式输出数据。
// 使用 2 空格缩进。
func (p *Printer) printYAML(v interface{}) error {
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(v)
}

// PrintFunctions 输出函数列表。
func (p *Printer) PrintFunctions(functions []gatewayclient.Function) error {
	return p.emit(functions, func() error { return p.functionsTable(functions) })
}

// PrintFunction 输出单个函数详情。
func (p *Printer) PrintFunction(fn *gatewayclient.Function) error {
	return p.emit(fn, func() error { return p.functionDetail(fn) })
}

// PrintActivations 输出激活记录列表。
func (p *Printer) PrintActivations(activations []gatewayclient.Activation) error {
	return p.emit(activations, func() error { return p.activationsTable(activations) })
}

// PrintActivation 输出单个激活记录详情。
func (p *Printer) PrintActivation(act *gatewayclient.Activation) error {
	return p.emit(act, func() error { return p.activationDetail(act) })
}

// PrintPolicy 输出平台限额策略。
func (p *Printer) PrintPolicy(pol *gatewayclient.LimitPolicy) error {
	return p.emit(pol, func() error { return p.policyTable(pol) })
}

func (p *Printer) functionsTable(functions []gatewayclient.Function) error {
	if len(functions) == 0 {
		fmt.Fprintln(p.writer, "No functions found.")
		return nil
	}

	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tRUNTIME\tTIMEOUT\tMEMORY\tLOGS\tCONC\tCODE SIZE\tCREATED")
	for _, fn := range functions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			fn.Name,
			fn.Runtime,
			formatTimeoutLimit(fn.Limits.TimeoutMs),
			formatMBLimit(fn.Limits.MemoryMB),
			formatMBLimit(fn.Limits.LogsMB),
			formatCountLimit(fn.Limits.Concurrency),
			formatBytes(fn.CodeSize),
			timeAgo(fn.CreatedAt),
		)
	}
	return w.Flush()
}

func (p *Printer) functionDetail(fn *gatewayclient.Function) error {
	fmt.Fprintf(p.writer, "Name:        %s\n", fn.Name)
	fmt.Fprintf(p.writer, "ID:          %s\n", fn.ID)
	if fn.Description != "" {
		fmt.Fprintf(p.writer, "Description: %s\n", fn.Description)
	}
	fmt.Fprintf(p.writer, "Runtime:     %s\n", fn.Runtime)
	fmt.Fprintf(p.writer, "Handler:     %s\n", fn.Handler)
	fmt.Fprintf(p.writer, "Code Size:   %s\n", formatBytes(fn.CodeSize))
	if fn.CodeHash != "" {
		fmt.Fprintf(p.writer, "Code Hash:   %s\n", fn.CodeHash)
	}
	fmt.Fprintf(p.writer, "Created:     %s\n", fn.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(p.writer, "Updated:     %s\n", fn.UpdatedAt.Format(time.RFC3339))

	// 这里展示的是归一化后的生效限额，不是创建时的原始声明
	fmt.Fprintln(p.writer, "Limits:")
	fmt.Fprintf(p.writer, "  Timeout:     %s\n", formatTimeoutLimit(fn.Limits.TimeoutMs))
	fmt.Fprintf(p.writer, "  Memory:      %s\n", formatMBLimit(fn.Limits.MemoryMB))
	fmt.Fprintf(p.writer, "  Logs:        %s\n", formatMBLimit(fn.Limits.LogsMB))
	fmt.Fprintf(p.writer, "  Concurrency: %s\n", formatCountLimit(fn.Limits.Concurrency))

	if fn.Code != "" {
		fmt.Fprintln(p.writer, "\nCode:")
		fmt.Fprintln(p.writer, "---")
		fmt.Fprintln(p.writer, fn.Code)
		fmt.Fprintln(p.writer, "---")
	}
	return nil
}

func (p *Printer) activationsTable(activations []gatewayclient.Activation) error {
	if len(activations) == 0 {
		fmt.Fprintln(p.writer, "No activations found.")
		return nil
	}

	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFUNCTION\tSTATUS\tDURATION\tBILLED\tCOLD START\tCOMPLETED")
	for _, act := range activations {
		coldStart := "No"
		if act.ColdStart {
			coldStart = "Yes"
		}
		completed := "-"
		if act.CompletedAt != nil {
			completed = timeAgo(*act.CompletedAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%dms\t%dms\t%s\t%s\n",
			truncate(act.ID, 12),
			act.FunctionName,
			colorStatus(act.Status),
			act.DurationMs,
			act.BilledTimeMs,
			coldStart,
			completed,
		)
	}
	return w.Flush()
}

func (p *Printer) activationDetail(act *gatewayclient.Activation) error {
	fmt.Fprintf(p.writer, "Activation ID: %s\n", act.ID)
	fmt.Fprintf(p.writer, "Function:      %s (%s)\n", act.FunctionName, act.FunctionID)
	fmt.Fprintf(p.writer, "Status:        %s\n", colorStatus(act.Status))
	fmt.Fprintf(p.writer, "Duration:      %d ms\n", act.DurationMs)
	fmt.Fprintf(p.writer, "Billed Time:   %d ms\n", act.BilledTimeMs)

	coldStart := "No"
	if act.ColdStart {
		coldStart = "Yes"
	}
	fmt.Fprintf(p.writer, "Cold Start:    %s\n", coldStart)

	if act.MemoryPeakMB > 0 {
		fmt.Fprintf(p.writer, "Memory Peak:   %d MB\n", act.MemoryPeakMB)
	}
	if act.StartedAt != nil {
		fmt.Fprintf(p.writer, "Started:       %s\n", act.StartedAt.Format(time.RFC3339))
	}
	if act.CompletedAt != nil {
		fmt.Fprintf(p.writer, "Completed:     %s\n", act.CompletedAt.Format(time.RFC3339))
	}
	if act.LogsTruncated {
		fmt.Fprintln(p.writer, "Logs:          truncated")
	}
	if act.ResultTruncated {
		fmt.Fprintln(p.writer, "Result:        truncated")
	}

	if act.Response.Error != "" {
		fmt.Fprintf(p.writer, "\nError: %s\n", act.Response.Error)
	}

	if len(act.Response.Result) > 0 {
		fmt.Fprintln(p.writer, "\nResult:")
		var prettyJSON bytes.Buffer
		if err := json.Indent(&prettyJSON, act.Response.Result, "", "  "); err == nil {
			fmt.Fprintln(p.writer, prettyJSON.String())
		} else {
			fmt.Fprintln(p.writer, string(act.Response.Result))
		}
	}
	return nil
}

func (p *Printer) policyTable(pol *gatewayclient.LimitPolicy) error {
	w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DIMENSION\tMIN\tSTD\tMAX\tUNIT")
	fmt.Fprintf(w, "time\t%d\t%d\t%d\tms\n", pol.Time.Min, pol.Time.Std, pol.Time.Max)
	fmt.Fprintf(w, "memory\t%d\t%d\t%d\tMB\n", pol.Memory.Min, pol.Memory.Std, pol.Memory.Max)
	fmt.Fprintf(w, "logs\t%d\t%d\t%d\tMB\n", pol.LogSize.Min, pol.LogSize.Std, pol.LogSize.Max)
	fmt.Fprintf(w, "concurrency\t%d\t%d\t%d\tper sandbox\n", pol.Concurrency.Min, pol.Concurrency.Std, pol.Concurrency.Max)
	if err := w.Flush(); err != nil {
		return err
	}

	enabled := "enabled"
	if !pol.ConcurrencyEnabled {
		enabled = "disabled"
	}
	fmt.Fprintf(p.writer, "\nConcurrency enforcement: %s\n", enabled)
	fmt.Fprintf(p.writer, "Max code size:           %s\n", formatBytes(pol.MaxCodeSize))
	fmt.Fprintf(p.writer, "Max activation entity:   %s\n", formatBytes(pol.MaxActivationEntitySize))
	return nil
}

// colorStatus 给终端输出的状态着色：绿=成功，黄=进行中，红=失败。
func colorStatus(status string) string {
	switch strings.ToLower(status) {
	case "success", "healthy":
		return "\033[32m" + status + "\033[0m"
	case "running", "accepted":
		return "\033[33m" + status + "\033[0m"
	case "application_error", "developer_error", "error", "failed":
		return "\033[31m" + status + "\033[0m"
	default:
		return status
	}
}

// timeAgo 把时间渲染为 "5s ago" 式的相对表述。
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// truncate 超长时截到 maxLen 并以 ... 结尾。
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// formatBytes 渲染人读字节数，保留一位小数。
func formatBytes(n int64) string {
	switch {
	case n >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
	case n >= 1024:
		return fmt.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// 以下三个渲染器区分"维度未声明"（nil，显示 -）与零值。

func formatTimeoutLimit(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%dms", *v)
}

func formatMBLimit(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%dMB", *v)
}

func formatCountLimit(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}
