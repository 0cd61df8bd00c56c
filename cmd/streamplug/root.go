package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/streamplug/streamplug/internal/domain/permission"
	"github.com/streamplug/streamplug/internal/infrastructure/host"
	"github.com/streamplug/streamplug/internal/infrastructure/sandbox"
)

var (
	cfgFile string
	verbose bool
)

// rootCmd is the application entry point.
var rootCmd = &cobra.Command{
	Use:   "streamplug",
	Short: "Sandboxed plugin runtime for chat automation",
	Long: `Streamplug runs chat-automation plugins as isolated OS processes.
Each plugin is interpreted inside a locked-down sandbox and reaches host
systems only through an explicitly granted capability surface.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setupLogging()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.streamplug.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// initConfig loads configuration from the config file and environment.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("failed to find home directory", "error", err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".streamplug")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		slog.Debug("using config file", "file", viper.ConfigFileUsed())
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	// Using TextHandler for CLI friendliness
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

// appConfig is the full host configuration as read from the config file.
type appConfig struct {
	PluginDirs      []string           `mapstructure:"plugin_dirs"`
	StateFile       string             `mapstructure:"state_file"`
	Allowlist       []string           `mapstructure:"allowlist"`
	Limits          sandbox.Limits     `mapstructure:"limits"`
	Guards          []host.GuardConfig `mapstructure:"guards"`
	ChatGatewayURL  string             `mapstructure:"chat_gateway_url"`
	ReplayQueueSize int                `mapstructure:"replay_queue_size"`
}

// loadConfig materializes the configuration with usable defaults.
func loadConfig() (*appConfig, error) {
	cfg := &appConfig{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if len(cfg.PluginDirs) == 0 {
		cfg.PluginDirs = []string{"plugins"}
	}
	if cfg.StateFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		cfg.StateFile = home + "/.streamplug-states.yaml"
	}
	// An absent allowlist key means "everything in the catalog"; an
	// explicitly empty one means "nothing". The grant command writes the
	// key either way.
	if !viper.IsSet("allowlist") && len(cfg.Allowlist) == 0 {
		for _, id := range permission.DefaultCatalog().IDs() {
			cfg.Allowlist = append(cfg.Allowlist, string(id))
		}
	}
	if cfg.Limits == (sandbox.Limits{}) {
		cfg.Limits = sandbox.DefaultLimits()
	}
	return cfg, nil
}

func (c *appConfig) hostConfig() host.Config {
	return host.Config{
		PluginDirs: c.PluginDirs,
		StateFile:  c.StateFile,
		Allowlist:  c.Allowlist,
		Limits:     c.Limits,
		Guards:     c.Guards,
	}
}
