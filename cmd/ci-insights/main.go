package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Sternrassler/ci-insights/internal/config"
	"github.com/Sternrassler/ci-insights/pkg/logging"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	viper   *viper.Viper
	cfgFile string
	cfg     *config.Config
	redis   *redis.Client
}

func rootCmd() *cobra.Command {
	a := &app{viper: config.New()}

	cmd := &cobra.Command{
		Use:          "ci-insights",
		Short:        "Ingest workflow run usage and compute run statistics",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.redis != nil {
				a.redis.Close()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "path to a YAML configuration file")
	flags.String("redis-addr", "", "redis address (host:port)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("log-pretty", false, "human-readable console logs")
	mustBind(a.viper, "redis.addr", flags.Lookup("redis-addr"))
	mustBind(a.viper, "log.level", flags.Lookup("log-level"))
	mustBind(a.viper, "log.pretty", flags.Lookup("log-pretty"))

	cmd.AddCommand(
		workerCmd(a),
		enqueueCmd(a),
		statusCmd(a),
		statsCmd(a),
	)
	return cmd
}

func (a *app) load() error {
	cfg, err := config.Load(a.viper, a.cfgFile)
	if err != nil {
		return err
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	logging.Setup(cfg.Logging())

	a.cfg = cfg
	a.redis = redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})
	return nil
}

// ping fails fast when redis is unreachable.
func (a *app) ping(ctx context.Context) error {
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", a.cfg.Redis.Addr, err)
	}
	return nil
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag for %s: %v", key, err))
	}
}
