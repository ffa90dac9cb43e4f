// Package cmd 提供 stratus 命令行工具的所有子命令实现。
// 配置解析次序：命令行标志 > STRATUS_* 环境变量 > 配置文件
// （--config 指定，否则 ~/.stratus.yaml 或当前目录的 .stratus.yaml）。
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/oriys/stratus/internal/gatewayclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	apiURL    string
	outputFmt string
)

var rootCmd = &cobra.Command{
	Use:   "stratus",
	Short: "Stratus - Serverless Resource Governance CLI",
	Long: `stratus 是用于管理 Stratus 无服务器平台的命令行工具。
函数注册时声明的资源限额（超时、内存、日志、并发）由平台策略准入，
执行期间由看门狗与治理器强制。

使用示例:
  # 创建带限额的函数
  stratus create hello --runtime python3.11 --handler main.handler \
    --file handler.py --timeout 5000 --memory 256

  # 列出所有函数
  stratus list

  # 阻塞调用函数
  stratus invoke hello --data '{"name": "World"}'

  # 查看平台限额策略
  stratus policy`,
}

// Execute 运行根命令，供 main 包调用。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(loadCLIConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "配置文件路径（默认为 $HOME/.stratus.yaml）")
	pf.StringVarP(&apiURL, "api-url", "u", "http://localhost:8080", "API 服务器地址")
	pf.StringVarP(&outputFmt, "output", "o", "table", "输出格式（table、json、yaml）")

	// 标志值经 viper 统一读取，子命令不直接碰标志变量
	viper.BindPFlag("api_url", pf.Lookup("api-url"))
	viper.BindPFlag("output", pf.Lookup("output"))
}

// loadCLIConfig 在任何子命令执行前装载配置。
// 配置文件缺失不是错误，标志与环境变量足以驱动全部命令。
func loadCLIConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".stratus")
	}

	// STRATUS_API_URL 这类环境变量覆盖配置文件
	viper.SetEnvPrefix("STRATUS")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

// newClient 按当前生效的 api_url 构造网关客户端。
func newClient() *gatewayclient.Client {
	return gatewayclient.New(viper.GetString("api_url"))
}

// getConfigPath 返回 config set/init 写入的目标路径。
func getConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".stratus.yaml")
}
