package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/turtacn/rigkeeper/pkg/protocol"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show phase outcomes and worker slots of the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := request(cmd.Context(), protocol.ControlRequest{Op: protocol.OpStatus})
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), resp)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart [group]",
	Short: "Restart one phase group, or the reload groups when none is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := protocol.ControlRequest{Op: protocol.OpRestart}
		if len(args) == 1 {
			req.Group = args[0]
		}
		resp, err := request(cmd.Context(), req)
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), resp)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the running daemon to shut down",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := request(cmd.Context(), protocol.ControlRequest{Op: protocol.OpShutdown}); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
		return nil
	},
}

var headerStyle = lipgloss.NewStyle().Bold(true)

func printStatus(w io.Writer, resp protocol.ControlResponse) {
	if len(resp.Phases) > 0 {
		t := table.New().Border(lipgloss.NormalBorder()).
			Headers("PHASE", "GROUP", "OUTCOME", "PROGRESS", "DURATION", "DETAIL").
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == 0 {
					return headerStyle
				}
				return lipgloss.NewStyle()
			})
		for _, p := range resp.Phases {
			detail := p.Error
			if detail == "" && len(p.Warnings) > 0 {
				detail = strings.Join(p.Warnings, "; ")
			}
			t.Row(p.ID, p.Group, p.Outcome, strconv.Itoa(p.Percent)+"%", duration(p.Started, p.Finished), detail)
		}
		fmt.Fprintln(w, t.String())
	}
	if len(resp.Slots) > 0 {
		t := table.New().Border(lipgloss.NormalBorder()).
			Headers("WORKER", "STATE", "HEALTH", "CIRCUIT", "PID", "RESTARTS", "ERROR")
		for _, s := range resp.Slots {
			pid := "-"
			if s.PID > 0 {
				pid = strconv.Itoa(s.PID)
			}
			t.Row(s.Worker, s.State, s.Health, s.Circuit, pid, strconv.Itoa(s.Restarts), s.Error)
		}
		fmt.Fprintln(w, t.String())
	}
	if len(resp.Phases) == 0 && len(resp.Slots) == 0 {
		fmt.Fprintln(w, "nothing to report")
	}
}

func duration(started, finished time.Time) string {
	switch {
	case started.IsZero():
		return "-"
	case finished.IsZero():
		return time.Since(started).Round(time.Second).String() + "+"
	}
	return finished.Sub(started).Round(time.Millisecond).String()
}
