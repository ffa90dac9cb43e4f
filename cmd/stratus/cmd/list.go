// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件实现 list 命令。分页参数透传给网关；--runtime 与
// --search 在客户端过滤已取回的一页，不改变分页语义。
package cmd

import (
	"strings"

	"github.com/oriys/stratus/internal/gatewayclient"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all functions",
	Long: `List all functions in the platform.

Examples:
  # List all functions
  stratus list

  # Page through results
  stratus list --offset 20 --limit 20

  # Output as JSON
  stratus list -o json`,
	RunE: runList,
}

var (
	listRuntime string
	listSearch  string
	listOffset  int
	listLimit   int
)

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVarP(&listRuntime, "runtime", "r", "", "Filter by runtime")
	listCmd.Flags().StringVarP(&listSearch, "search", "q", "", "Search by name or ID")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Pagination offset")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 0, "Maximum number of functions to return")
}

func runList(cmd *cobra.Command, args []string) error {
	resp, err := newClient().ListFunctions(cmd.Context(), listOffset, listLimit)
	if err != nil {
		return err
	}

	filtered := resp.Functions
	if listRuntime != "" || listSearch != "" {
		filtered = make([]gatewayclient.Function, 0, len(resp.Functions))
		for _, fn := range resp.Functions {
			if matchesListFilters(&fn) {
				filtered = append(filtered, fn)
			}
		}
	}
	return NewPrinter().PrintFunctions(filtered)
}

// matchesListFilters 做大小写不敏感的子串匹配。
func matchesListFilters(fn *gatewayclient.Function) bool {
	if listRuntime != "" && !strings.Contains(strings.ToLower(fn.Runtime), strings.ToLower(listRuntime)) {
		return false
	}
	if listSearch != "" {
		q := strings.ToLower(listSearch)
		if !strings.Contains(strings.ToLower(fn.Name), q) &&
			!strings.Contains(strings.ToLower(fn.ID), q) &&
			!strings.Contains(strings.ToLower(fn.Runtime), q) {
			return false
		}
	}
	return true
}
