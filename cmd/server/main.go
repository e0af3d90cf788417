package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2e_engine/internal/config"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/repository/directory"
	redisSvc "e2e_engine/internal/service/redis"
	"e2e_engine/internal/service/server"
	"e2e_engine/internal/utils/log"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay server for end-to-end encrypted messages",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		return run(path)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = "relay.toml"
		}
		cfg, err := config.LoadServer(nil)
		if err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		return config.Write(f, cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the relay configuration file")
	rootCmd.AddCommand(runCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.LoadServerFile(path)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Logging.Development, cfg.Logging.Level, cfg.Logging.Outputs()...); err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoDBClient, err := initMongo(ctx, cfg.Mongo.URI)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer mongoDBClient.Disconnect(context.Background())

	dir := directory.NewDirectoryRepo(mongoDBClient.Database(cfg.Mongo.Database))
	if err := dir.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	queue := redisSvc.NewRedis(rdb, cfg.Redis.OfflineTTL)
	if err := queue.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	s := server.NewHttpServer(cfg, dir, queue, prng.System)
	if err := s.Run(ctx); err != nil {
		log.Error("relay stopped", zap.Error(err))
		return err
	}
	return nil
}

func initMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
