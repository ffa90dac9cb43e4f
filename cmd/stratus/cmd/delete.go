// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件实现 delete 命令。删除不可恢复（函数与其激活记录一并
// 级联清除），未带 --force 时先交互确认。
package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:     "delete [name...]",
	Aliases: []string{"rm", "remove"},
	Short:   "Delete one or more functions",
	Long: `Delete functions from the platform. Activation records of a
deleted function are removed with it.

Examples:
  # Delete a function (with confirmation)
  stratus delete hello

  # Delete multiple functions
  stratus delete fn1 fn2 fn3 --force

  # Delete all functions
  stratus delete --all --force`,
	RunE: runDelete,
}

var (
	deleteForce bool // 跳过交互确认
	deleteAll   bool // 删除平台上的全部函数
)

func init() {
	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Force delete without confirmation")
	deleteCmd.Flags().BoolVar(&deleteAll, "all", false, "Delete all functions")
}

func runDelete(cmd *cobra.Command, args []string) error {
	client := newClient()

	names := args
	if deleteAll {
		resp, err := client.ListFunctions(cmd.Context(), 0, 0)
		if err != nil {
			return err
		}
		names = names[:0]
		for _, fn := range resp.Functions {
			names = append(names, fn.Name)
		}
		if len(names) == 0 {
			cmd.Println("No functions to delete.")
			return nil
		}
	} else if len(names) == 0 {
		return fmt.Errorf("accepts at least 1 arg(s), received 0")
	}

	if !deleteForce && !confirmDelete(cmd, names) {
		cmd.Println("Cancelled.")
		return nil
	}

	var failed int
	for _, name := range names {
		if err := client.DeleteFunction(cmd.Context(), name); err != nil {
			failed++
			cmd.Printf("Failed to delete '%s': %v\n", name, err)
			continue
		}
		cmd.Printf("Function '%s' deleted successfully.\n", name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d deletions failed", failed, len(names))
	}
	return nil
}

// confirmDelete 从命令输入流读取一行确认，仅 y/yes 视为同意。
func confirmDelete(cmd *cobra.Command, names []string) bool {
	if len(names) == 1 {
		cmd.Printf("Are you sure you want to delete function '%s'? [y/N]: ", names[0])
	} else {
		cmd.Printf("Are you sure you want to delete %d function(s)? [y/N]: ", len(names))
	}

	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	switch strings.TrimSpace(strings.ToLower(line)) {
	case "y", "yes":
		return true
	}
	return false
}
