package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"e2e_engine/internal/config"
	"e2e_engine/internal/repository/kv/boltkv"
	"e2e_engine/internal/service/app"
	"e2e_engine/internal/utils/log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "client",
	Short: "End-to-end encrypted chat client",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(ctx context.Context, node *app.Node) error {
			return app.NewApp(node).Run(ctx)
		})
	},
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print this device's identity, to hand to contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withNode(cmd, func(_ context.Context, node *app.Node) error {
			fmt.Println(node.Identity())
			return nil
		})
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = "client.toml"
		}
		cfg, err := config.LoadClient(nil)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		return config.Write(f, cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the client configuration file")
	rootCmd.AddCommand(idCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withNode(cmd *cobra.Command, fn func(context.Context, *app.Node) error) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadClientFile(path)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Logging.Development, cfg.Logging.Level, cfg.Logging.Outputs()...); err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := boltkv.New(cfg.DataFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("closing store failed", zap.Error(err))
		}
	}()

	node, err := app.NewNode(ctx, cfg, store)
	if err != nil {
		return err
	}
	return fn(ctx, node)
}
