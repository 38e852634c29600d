package main

import (
	"context"
	"fmt"

	"github.com/pipiwei123/ppwapi/internal/storage"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func migrateCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "数据库迁移（建表、补列并写入默认设置）",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(*envFile)
			if err != nil {
				return err
			}
			// Open 内部执行迁移
			store, err := storage.Open(context.Background(), env.DBDriver, env.DBDSN)
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			defer store.Close()

			logrus.WithFields(logrus.Fields{
				"driver": env.DBDriver,
				"dsn":    storage.RedactDSN(env.DBDriver, env.DBDSN),
			}).Info("数据库迁移完成")
			return nil
		},
	}
}
