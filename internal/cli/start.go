package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/turtacn/rigkeeper/internal/control"
	"github.com/turtacn/rigkeeper/internal/events"
	"github.com/turtacn/rigkeeper/internal/monitor"
	"github.com/turtacn/rigkeeper/internal/orchestrator"
	"github.com/turtacn/rigkeeper/internal/tui"
	"github.com/turtacn/rigkeeper/pkg/logger"
)

var (
	startTUI   bool
	startWatch bool
)

func init() {
	startCmd.Flags().BoolVar(&startTUI, "tui", false, "show an interactive progress view; logs go to <data_dir>/logs/rigkeeper.log")
	startCmd.Flags().BoolVar(&startWatch, "watch", false, "reload worker definitions when the config file changes")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon: provision binaries, run phases, supervise workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if startTUI {
			// stdout belongs to the view.
			logDir := filepath.Join(cfg.DataDir, "logs")
			if err := os.MkdirAll(logDir, 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(filepath.Join(logDir, "rigkeeper.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return err
			}
			defer f.Close()
			logger.Log = logger.New(logger.Options{Level: cfg.Observability.LogLevel, Format: cfg.Observability.LogFormat, Output: f, AddSource: true})
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		metricsSrv, err := monitor.InitMetrics(cfg.Observability.MetricsPort)
		if err != nil {
			return err
		}
		if metricsSrv != nil {
			defer metricsSrv.Close()
		}

		var reporters events.Multi
		if cfg.Events.NATSURL != "" {
			nr, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
			if err != nil {
				logger.Log.Warn("Events: NATS unavailable, progress stays local", "url", cfg.Events.NATSURL, "err", err)
			} else {
				defer nr.Close()
				reporters = append(reporters, nr)
			}
		}

		// The view needs the engine for slot snapshots and the engine needs
		// the view as a reporter, so the view is attached after construction.
		var view *tui.Program
		if startTUI {
			reporters = append(reporters, events.Func(func(e events.Event) {
				if view != nil {
					view.Report(e)
				}
			}))
		}

		engine, err := orchestrator.NewEngine(cfg, orchestrator.EngineOptions{
			Reporter:    reporters,
			ConfigPath:  cfgFile,
			WatchConfig: startWatch,
		})
		if err != nil {
			return err
		}

		srv := control.NewServer(control.SocketPath(cfg.DataDir), engine)
		if err := srv.Listen(); err != nil {
			return err
		}
		go func() {
			if err := srv.Serve(ctx); err != nil {
				logger.Log.Error("Control: Serve failed", "err", err)
			}
		}()
		defer srv.Close()

		logger.Log.Info("Booting rigkeeper", "network", cfg.Network, "data_dir", cfg.DataDir, "phases", len(cfg.Orchestration.Phases))

		if startTUI {
			return runWithView(ctx, engine, &view)
		}

		spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond, spinner.WithWriter(os.Stderr))
		spin.Suffix = " Running phases..."
		if isTerminal(os.Stderr) {
			spin.Start()
			defer spin.Stop()
		}
		return engine.Run(ctx)
	},
}

func runWithView(ctx context.Context, engine *orchestrator.Engine, view **tui.Program) error {
	*view = tui.NewProgram(engine, engine.RequestStop)

	done := make(chan error, 1)
	go func() {
		done <- engine.Run(ctx)
		(*view).Quit()
	}()
	if err := (*view).Run(); err != nil {
		engine.RequestStop()
		<-done
		return err
	}
	return <-done
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
