package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/streamplug/streamplug/internal/infrastructure/host"
)

// pluginsCmd groups plugin management subcommands.
var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Manage plugins",
	Long:  `Inspect, enable, disable, and sample resource usage of installed plugins.`,
}

func init() {
	rootCmd.AddCommand(pluginsCmd)
	pluginsCmd.AddCommand(newPluginsListCmd())
	pluginsCmd.AddCommand(newPluginsEnableCmd())
	pluginsCmd.AddCommand(newPluginsDisableCmd())
	pluginsCmd.AddCommand(newPluginsStatsCmd())
}

// withLoadedHost loads every plugin, runs fn, and tears the host down.
func withLoadedHost(fn func(ctx context.Context, h *host.Host) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	h, err := buildHost(cfg)
	if err != nil {
		return err
	}
	defer h.Shutdown()

	ctx := context.Background()
	if err := h.LoadAll(ctx); err != nil {
		return err
	}
	return fn(ctx, h)
}

func newPluginsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List installed plugins",
		Long:    `Load every configured plugin and print its descriptor and state.`,
		Example: `  streamplug plugins list`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoadedHost(func(_ context.Context, h *host.Host) error {
				plugins := h.Plugins()
				if len(plugins) == 0 {
					fmt.Println("No plugins found.")
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "NAME\tVERSION\tENABLED\tGRANTED\tCOMMANDS")
				for _, p := range plugins {
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
						p.Name,
						p.Version,
						p.Enabled,
						strings.Join(p.Granted, ","),
						strings.Join(p.Commands, ","),
					)
				}
				return w.Flush()
			})
		},
	}
}

func newPluginsEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "enable <name>",
		Short:   "Enable a plugin",
		Example: `  streamplug plugins enable dice`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setPluginState(args[0], true)
		},
	}
}

func newPluginsDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "disable <name>",
		Short:   "Disable a plugin",
		Example: `  streamplug plugins disable dice`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setPluginState(args[0], false)
		},
	}
}

// setPluginState persists a toggle; a running host picks it up through its
// state reload.
func setPluginState(name string, enabled bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	states := host.NewStateStore(cfg.StateFile)
	if err := states.Load(); err != nil {
		return err
	}
	if err := states.Set(name, enabled); err != nil {
		return err
	}

	fmt.Printf("Plugin %s %s.\n", name, stateWord(enabled))
	return nil
}

func stateWord(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func newPluginsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		Short:   "Sample sandbox resource usage",
		Long:    `Load every configured plugin and sample CPU and memory of its sandbox process.`,
		Example: `  streamplug plugins stats`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoadedHost(func(_ context.Context, h *host.Host) error {
				plugins := h.Plugins()
				if len(plugins) == 0 {
					fmt.Println("No plugins found.")
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "NAME\tPID\tCPU%\tRSS\tTHREADS\tOPEN FILES")
				for _, p := range plugins {
					stats, err := h.Stats(p.Name)
					if err != nil {
						fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\n", p.Name)
						continue
					}
					fmt.Fprintf(w, "%s\t%d\t%.1f\t%s\t%d\t%d\n",
						p.Name,
						stats.PID,
						stats.CPUPercent,
						formatBytes(stats.MemoryRSS),
						stats.NumThreads,
						stats.OpenFiles,
					)
				}
				return w.Flush()
			})
		},
	}
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
