package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/streamplug/streamplug/internal/infrastructure/backends/chatws"
	"github.com/streamplug/streamplug/internal/infrastructure/backends/memory"
	"github.com/streamplug/streamplug/internal/infrastructure/host"
)

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunCmd() *cobra.Command {
	var tenant, caller string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load plugins and dispatch commands from stdin",
		Long: `Load every configured plugin and serve until interrupted. Lines read
from stdin are dispatched as chat commands:

  !hello world          dispatches command "!hello" with args ["world"]
  @stream_online        broadcasts the "stream_online" event`,
		Example: `  streamplug run --tenant studio-1`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			h, err := buildHost(cfg)
			if err != nil {
				return err
			}
			defer h.Shutdown()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := h.LoadAll(ctx); err != nil {
				return err
			}
			if len(h.Plugins()) == 0 {
				fmt.Println("No plugins loaded.")
				return nil
			}

			return dispatchLoop(ctx, h, tenant, caller)
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "default", "tenant id commands are dispatched for")
	cmd.Flags().StringVar(&caller, "caller", "console", "caller name attached to dispatched commands")

	return cmd
}

// buildHost wires the configured backends into a host.
func buildHost(cfg *appConfig) (*host.Host, error) {
	b := memory.Suite()
	if cfg.ChatGatewayURL != "" {
		b.Chat = chatws.NewSender(cfg.ChatGatewayURL)
	}
	if cfg.ReplayQueueSize > 0 {
		b.Replay = memory.NewReplayQueue(cfg.ReplayQueueSize)
	}
	return host.New(cfg.hostConfig(), b)
}

// dispatchLoop reads stdin lines and routes them until EOF or signal.
func dispatchLoop(ctx context.Context, h *host.Host, tenant, caller string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			dispatchLine(ctx, h, line, tenant, caller)
		}
	}
}

func dispatchLine(ctx context.Context, h *host.Host, line, tenant, caller string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	if strings.HasPrefix(fields[0], "@") {
		event := strings.TrimPrefix(fields[0], "@")
		h.BroadcastEvent(ctx, event, map[string]any{"source": caller}, tenant)
		return
	}

	result, err := h.HandleCommand(ctx, fields[0], caller, fields[1:], nil, tenant)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	if result != "" {
		fmt.Println(result)
	}
}
