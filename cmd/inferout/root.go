package main

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/inferout/internal/cluster"
	"github.com/dreamware/inferout/internal/config"
	"github.com/dreamware/inferout/internal/logging"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
}

// flagKeys maps command line flags onto config keys. Flags a command does
// not define are skipped.
var flagKeys = map[string]string{
	"cluster-name":     "cluster.name",
	"redis-url":        "cluster.redis_url",
	"key-prefix":       "cluster.key_prefix",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"management-host":  "management.host",
	"management-port":  "management.port",
	"serving-host":     "serving.host",
	"serving-port":     "serving.port",
	"serving-endpoint": "serving.endpoint",
	"scheduler":        "scheduler.enabled",
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "inferout",
		Short: "Leader-less model instance orchestration on Redis",
		Long: `inferout places model instances on a fleet of workers and keeps them
at their target count. Workers coordinate only through Redis: heartbeats,
pub/sub commands and a short lease lock for each scheduling cycle.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.Flags())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (YAML)")
	flags.String("cluster-name", "", "cluster name")
	flags.String("redis-url", "", "Redis URL, e.g. redis://localhost:6379/0")
	flags.String("key-prefix", "", "Redis key prefix (default inferout)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text, json")

	root.AddCommand(newBootstrapCmd(a), newWorkerCmd(a))
	return root
}

// load resolves the configuration and builds the logger.
func (a *app) load(flags *pflag.FlagSet) error {
	v, err := config.New(a.cfgFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, flags); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logging.New(nil, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(a.logger)
	return nil
}

// bindFlags binds only flags that were set, so empty flag defaults never
// shadow the config file or the environment.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// connect opens the Redis client and the cluster handle.
func (a *app) connect() (*redis.Client, *cluster.Cluster, error) {
	opts, err := redis.ParseURL(a.cfg.Cluster.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	c := cluster.New(rdb, a.cfg.Cluster.KeyPrefix, a.cfg.Cluster.Name,
		cluster.WithLogger(logging.Component(a.logger, "cluster")))
	return rdb, c, nil
}
