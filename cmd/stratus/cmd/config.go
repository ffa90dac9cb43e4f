// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 本文件实现 config 命令族（view/set/init），管理 ~/.stratus.yaml。
// 可配置项只有两个：api_url（网关地址）与 output（默认输出格式）。
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long: `Manage the stratus CLI configuration.

The configuration file is stored at ~/.stratus.yaml by default.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	RunE:  runConfigView,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value.

Available keys:
  api_url   - API server URL (default: http://localhost:8080)
  output    - Default output format (table, json, yaml)

Examples:
  stratus config set api_url http://api.example.com:8080
  stratus config set output json`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long: `Create a new configuration file with default values.

Examples:
  stratus config init
  stratus config init --api-url http://api.example.com:8080`,
	RunE: runConfigInit,
}

var configInitAPIURL string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().StringVar(&configInitAPIURL, "api-url", "http://localhost:8080", "API server URL")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	settings := viper.AllSettings()
	if len(settings) == 0 {
		cmd.Println("No configuration found.")
		cmd.Println("Run 'stratus config init' to create a configuration file.")
		return nil
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	cmd.Printf("Configuration file: %s\n\n", getConfigPath())
	cmd.Println(string(data))
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	// 除键名外也校验取值，省得错拼的格式名落进文件后到处报错
	switch key {
	case "api_url":
		// 任意 URL，交给客户端在使用时解析
	case "output":
		if value != "table" && value != "json" && value != "yaml" {
			return fmt.Errorf("invalid output format %q (want table, json or yaml)", value)
		}
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	viper.Set(key, value)
	if err := viper.WriteConfigAs(getConfigPath()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	cmd.Printf("Set %s = %s\n", key, value)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	data, err := yaml.Marshal(map[string]string{
		"api_url": configInitAPIURL,
		"output":  "table",
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	cmd.Printf("Configuration file created at %s\n\n", configPath)
	cmd.Println(string(data))
	return nil
}
