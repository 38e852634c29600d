package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pipiwei123/ppwapi/internal/client"
	"github.com/pipiwei123/ppwapi/internal/config"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func statusCommand(envFile *string) *cobra.Command {
	var (
		server    string
		modelName string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "查看运行中服务的分组与渠道健康",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv(*envFile)
			if err != nil {
				return err
			}
			if server == "" {
				server = "http://127.0.0.1" + env.Addr
				if !strings.HasPrefix(env.Addr, ":") {
					server = "http://" + env.Addr
				}
			}
			c := client.New(server, env.AdminPass, client.Options{})
			return printStatus(cmd.Context(), c, modelName)
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "服务地址，默认由 PPWAPI_ADDR 推导")
	cmd.Flags().StringVar(&modelName, "model", "", "只显示该模型的渠道健康")
	return cmd
}

func printStatus(ctx context.Context, c *client.Client, modelName string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		status  map[string]any
		groups  any
		health  any
		g, gctx = errgroup.WithContext(ctx)
	)
	g.Go(func() error {
		v, err := c.Health(gctx)
		status = v
		return err
	})
	g.Go(func() error {
		v, err := c.Groups(gctx)
		groups = v
		return err
	})
	g.Go(func() error {
		v, err := c.ChannelHealth(gctx, modelName, 0)
		health = v
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	out := map[string]any{
		"health":         status,
		"groups":         groups,
		"channel_health": health,
	}

	data, err := sonic.ConfigStd.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}
