// stratus 是平台的操作员 CLI：函数的增删改查与调用、激活记录
// 检索、限额策略查看。子命令与输出格式化在 cmd 子包。
package main

import (
	"os"

	"github.com/oriys/stratus/cmd/stratus/cmd"
)

func main() {
	// cobra 已把错误打到 stderr，这里只定退出码
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
