package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var envFile string
	cmd := &cobra.Command{
		Use:   "ppwapi",
		Short: "分组故障转移与渠道超时熔断服务",
		Long:  "分组故障转移与渠道超时熔断服务，启动管理接口或执行运维命令",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("请使用子命令，或添加 --help 查看帮助")
		},
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "启动前加载的 .env 文件（不存在时忽略）")

	cmd.AddCommand(serveCommand(&envFile))   // 启动管理接口
	cmd.AddCommand(migrateCommand(&envFile)) // 数据库迁移
	cmd.AddCommand(statusCommand(&envFile))  // 查看运行状态

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
