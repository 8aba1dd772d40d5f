package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spendtimetogether/roulette/go/internal/roulette/orchestrator"
	"github.com/spendtimetogether/roulette/go/internal/roulette/outbox"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "ROULETTE"

type Config struct {
	bind            string
	port            int
	jwtSecret       string
	natsURL         string
	tuningFile      string
	logLevel        string
	pretty          bool
	allowedOrigins  []string
	listenDeletions bool
}

// Tuning is the optional YAML file with game and outbox timings.
type Tuning struct {
	Game   orchestrator.Config   `yaml:"game"`
	Outbox outbox.NotifierConfig `yaml:"outbox"`
}

func defaultTuning() Tuning {
	return Tuning{
		Game:   orchestrator.DefaultConfig(),
		Outbox: outbox.DefaultNotifierConfig(),
	}
}

// loadTuning reads path over the defaults. Keys missing from the file keep
// their default values.
func loadTuning(path string) (Tuning, error) {
	tuning := defaultTuning()
	if path == "" {
		return tuning, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return tuning, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &tuning); err != nil {
		return tuning, fmt.Errorf("failed to parse config: %w", err)
	}
	if tuning.Game.CollectionWindow <= 0 {
		return tuning, errors.New("game.collection_window must be positive")
	}
	if tuning.Game.EliminationPause < 0 {
		return tuning, errors.New("game.elimination_pause must not be negative")
	}
	return tuning, nil
}

func (c *Config) validate() error {
	if c.jwtSecret == "" {
		return errors.New("--jwt-secret is required")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if _, err := zerolog.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.logLevel, err)
	}
	return nil
}

func (c *Config) addr() string {
	return fmt.Sprintf("%s:%d", c.bind, c.port)
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "roulette",
		Short:         "Realtime coordinator for timed roulette sessions.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			bindEnv(v, cmd.Flags())
			setupLogging(cfg)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			tuning, err := loadTuning(cfg.tuningFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, tuning)
		},
	}

	pfs := cmd.PersistentFlags()
	pfs.StringVar(&cfg.logLevel, "log-level", "info", "minimum log level (env: ROULETTE_LOG_LEVEL)")
	pfs.BoolVar(&cfg.pretty, "pretty", false, "human readable console logs (env: ROULETTE_PRETTY)")
	pfs.StringVar(&cfg.jwtSecret, "jwt-secret", "", "HMAC secret for session tokens (env: ROULETTE_JWT_SECRET)")

	fs := cmd.Flags()
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: ROULETTE_BIND)")
	fs.IntVarP(&cfg.port, "port", "p", 8081, "port to listen on (env: ROULETTE_PORT)")
	fs.StringVar(&cfg.natsURL, "nats-url", "", "NATS server for lifecycle events; empty logs them instead (env: ROULETTE_NATS_URL)")
	fs.StringVarP(&cfg.tuningFile, "config", "c", "", "YAML file with game and outbox timings (env: ROULETTE_CONFIG)")
	fs.StringSliceVar(&cfg.allowedOrigins, "allowed-origins", []string{"*"}, "CORS allowed origins (env: ROULETTE_ALLOWED_ORIGINS)")
	fs.BoolVar(&cfg.listenDeletions, "listen-deletions", true, "abort sessions whose record is deleted (env: ROULETTE_LISTEN_DELETIONS)")

	for _, set := range []*pflag.FlagSet{pfs, fs} {
		set.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
			return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
		})
	}

	cmd.AddCommand(newTokenCmd(cfg), newInstallTriggerCmd())

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})

	return cmd
}

// bindEnv fills every flag not given on the command line from its
// ROULETTE_* environment variable.
func bindEnv(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func setupLogging(cfg *Config) {
	level, err := zerolog.ParseLevel(cfg.logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
