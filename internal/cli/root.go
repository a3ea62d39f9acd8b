package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/rigkeeper/internal/control"
	"github.com/turtacn/rigkeeper/pkg/logger"
	"github.com/turtacn/rigkeeper/pkg/protocol"
)

var (
	cfgFile        string
	requestTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "rigkeeper",
	Short:         "rigkeeper: provisions, starts and keeps node and miner workers alive",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "rigkeeper.yaml", "config file path")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 30*time.Second, "timeout for requests to a running daemon")
	rootCmd.AddCommand(startCmd, installCmd, versionsCmd, statusCmd, restartCmd, stopCmd)
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads --config and initialises the global logger from it.
func loadConfig() (*protocol.Config, error) {
	cfg, err := protocol.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	return cfg, nil
}

// request sends one control request to the daemon named by --config.
func request(ctx context.Context, req protocol.ControlRequest) (protocol.ControlResponse, error) {
	cfg, err := protocol.Load(cfgFile)
	if err != nil {
		return protocol.ControlResponse{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := control.Request(ctx, control.SocketPath(cfg.DataDir), req)
	if err != nil {
		return resp, fmt.Errorf("daemon at %s: %w", cfg.DataDir, err)
	}
	return resp, nil
}
