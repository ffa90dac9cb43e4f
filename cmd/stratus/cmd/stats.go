// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件实现 stats 命令，用于显示平台统计信息。
package cmd

import (
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show platform statistics",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	client := newClient()
	stats, err := client.GetStats(cmd.Context())
	if err != nil {
		return err
	}

	cmd.Printf("Functions:    %d\n", stats.Functions)
	cmd.Printf("Activations:  %d\n", stats.Activations)

	if stats.Scheduler != nil {
		cmd.Printf("\nScheduler:\n")
		cmd.Printf("  Queue:     %d/%d\n", stats.Scheduler.QueueLength, stats.Scheduler.QueueCap)
		cmd.Printf("  Overflow:  %d\n", stats.Scheduler.OverflowLength)
		cmd.Printf("  Workers:   %d\n", stats.Scheduler.Workers)
		cmd.Printf("  Waiters:   %d\n", stats.Scheduler.Waiters)
	}

	if stats.Sandboxes != nil {
		cmd.Printf("\nSandboxes:\n")
		cmd.Printf("  Functions: %d\n", stats.Sandboxes.Functions)
		cmd.Printf("  Alive:     %d/%d\n", stats.Sandboxes.Sandboxes, stats.Sandboxes.Capacity)
		cmd.Printf("  In-flight: %d\n", stats.Sandboxes.InFlight)
	}

	return nil
}
