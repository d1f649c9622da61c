// Command forumctl is a terminal client for forum rooms. Messages are
// shown and buffered locally first and flushed to the server periodically.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"forum-service/internal/config"
	"forum-service/internal/forumapi"
	"forum-service/internal/localstore"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "forumctl",
	Short: "Chat in forum rooms from the terminal",
	Long: `forumctl joins forum rooms over the realtime relay, keeps unsent
messages and deletes in a local store and flushes them to the forum service.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (default is $XDG_CONFIG_HOME/forumctl/config.yaml)")
	rootCmd.PersistentFlags().String("server", "", "forum service base URL")
	rootCmd.PersistentFlags().String("sender", "", "sender id")
	rootCmd.PersistentFlags().String("store", "", "local store driver: pebble, redis or memory")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is what every subcommand needs.
type env struct {
	cfg    config.Client
	log    *zap.Logger
	remote *forumapi.Client
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			path = dir + "/forumctl/config.yaml"
		}
	}
	cfg, err := config.LoadClient(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("server"); v != "" {
		cfg.Server = v
	}
	if v, _ := cmd.Flags().GetString("sender"); v != "" {
		cfg.SenderID = v
	}
	if v, _ := cmd.Flags().GetString("store"); v != "" {
		cfg.Store.Driver = v
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	remote := forumapi.New(cfg.Server, cfg.SenderID,
		forumapi.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		forumapi.WithLogger(log))
	return &env{cfg: cfg, log: log, remote: remote}, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func openStore(cfg config.ClientStore, log *zap.Logger) (localstore.Store, error) {
	switch cfg.Driver {
	case config.StorePebble:
		store, err := localstore.OpenPebble(cfg.Path, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return localstore.NewRedisStore(rdb, cfg.RedisPrefix), nil
	case config.StoreMemory:
		return localstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// serveMetrics exposes the client sync metrics when addr is set.
func serveMetrics(addr string, log *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics_server_failed", zap.Error(err))
		}
	}()
}

func parseRoom(arg string) (int64, error) {
	room, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || room <= 0 {
		return 0, fmt.Errorf("invalid room id %q", arg)
	}
	return room, nil
}
