package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/omochice/toy-relay-chat/internal/config"
	"github.com/omochice/toy-relay-chat/internal/server"
)

var (
	envFile     string
	tcpAddr     string
	wsAddr      string
	unifiedAddr string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "relay-server",
	Short: "Chat relay for raw TCP and WebSocket clients",
	Long: `Run the chat relay. Raw TCP clients and WebSocket clients share one chat:
content sent over either transport reaches every other connected client.

Settings are read from RELAY_* environment variables (and an optional .env
file). Flags override the environment; set a listener address to "off" to
disable it.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("tcp") {
			cfg.TCPAddr = tcpAddr
		}
		if flags.Changed("ws") {
			cfg.WSAddr = wsAddr
		}
		if flags.Changed("unified") {
			cfg.UnifiedAddr = unifiedAddr
		}
		if flags.Changed("metrics") {
			cfg.MetricsAddr = metricsAddr
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger := cfg.Logger(os.Stdout)
		srv, err := server.New(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return srv.Run(ctx)
	},
}

func init() {
	rootCmd.Flags().StringVar(&envFile, "env-file", "", "Environment file to load (default .env when present)")
	rootCmd.Flags().StringVar(&tcpAddr, "tcp", "", "Raw TCP listen address")
	rootCmd.Flags().StringVar(&wsAddr, "ws", "", "WebSocket listen address")
	rootCmd.Flags().StringVar(&unifiedAddr, "unified", "", "Single-port listen address for both transports")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics", "", "Prometheus metrics listen address")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
