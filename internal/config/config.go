// Package config builds the server command line. Every flag can also be set
// through a HEROQUIZ_ environment variable or a .env file.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "HEROQUIZ"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

type Config struct {
	Bind            string
	Port            int
	Store           string
	DatabaseURL     string
	SessionPath     string
	AdminPassphrase string
	SettleDelay     time.Duration
	WatchInterval   time.Duration
	LogLevel        string
	Dev             bool
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("--database-url is required with --store=postgres")
		}
	default:
		return fmt.Errorf("unknown store %q (want %s or %s)", c.Store, StoreMemory, StorePostgres)
	}
	if c.AdminPassphrase == "" {
		return errors.New("--admin-passphrase must be set")
	}
	if c.SettleDelay <= 0 || c.WatchInterval <= 0 {
		return errors.New("--settle-delay and --watch-interval must be positive")
	}
	return nil
}

func (c *Config) Addr() string { return fmt.Sprintf("%s:%d", c.Bind, c.Port) }

// NewCommand returns the root command. run receives the validated config.
func NewCommand(run func(ctx context.Context, cfg *Config) error) *cobra.Command {
	// a missing .env file is fine
	_ = godotenv.Load()

	cfg := &Config{}
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "heroquiz",
		Short:         "Real-time hero trivia rooms for teams.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: HEROQUIZ_BIND)")
	fs.IntVarP(&cfg.Port, "port", "p", 8080, "port to listen on (env: HEROQUIZ_PORT)")
	fs.StringVar(&cfg.Store, "store", StoreMemory, "shared store backend, memory or postgres (env: HEROQUIZ_STORE)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres connection string (env: HEROQUIZ_DATABASE_URL)")
	fs.StringVar(&cfg.SessionPath, "session-path", "", "bbolt file for client sessions; empty keeps them in memory (env: HEROQUIZ_SESSION_PATH)")
	fs.StringVar(&cfg.AdminPassphrase, "admin-passphrase", "", "shared passphrase for admin actions (env: HEROQUIZ_ADMIN_PASSPHRASE)")
	fs.DurationVar(&cfg.SettleDelay, "settle-delay", 1500*time.Millisecond, "quiet period before reacting to roster changes (env: HEROQUIZ_SETTLE_DELAY)")
	fs.DurationVar(&cfg.WatchInterval, "watch-interval", 5*time.Second, "how often live rooms are checked (env: HEROQUIZ_WATCH_INTERVAL)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "debug, info, warn or error (env: HEROQUIZ_LOG_LEVEL)")
	fs.BoolVar(&cfg.Dev, "dev", false, "human-readable logs and relaxed websocket origin checks (env: HEROQUIZ_DEV)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	return cmd
}
