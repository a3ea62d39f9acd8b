package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/turtacn/rigkeeper/internal/orchestrator"
	"github.com/turtacn/rigkeeper/internal/provision"
)

var installCmd = &cobra.Command{
	Use:   "install [binary...]",
	Short: "Download and install binaries without starting workers",
	Long:  "Installs the newest acceptable version of each named binary, or of every configured binary when none is named.",
	RunE: func(cmd *cobra.Command, args []string) error {
		prov, err := provisioner()
		if err != nil {
			return err
		}
		names := args
		if len(names) == 0 {
			names = prov.Names()
		}

		out := cmd.OutOrStdout()
		for _, name := range names {
			if !prov.Supported(name) {
				fmt.Fprintf(out, "%s: not published for this platform, skipped\n", name)
				continue
			}
			spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond, spinner.WithWriter(os.Stderr))
			spin.Suffix = " Installing " + name
			spin.Start()
			path, err := prov.Ensure(cmd.Context(), name)
			spin.Stop()
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			v, _ := prov.SelectedVersion(name)
			fmt.Fprintf(out, "%s %s installed at %s\n", name, v, path)
		}
		return nil
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions <binary>",
	Short: "List online and installed versions of a binary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prov, err := provisioner()
		if err != nil {
			return err
		}
		name := args[0]
		installed, err := prov.ListInstalled(name)
		if err != nil {
			return err
		}
		candidates, err := prov.Candidates(cmd.Context(), name)
		if err != nil {
			// Offline listing still shows what is on disk.
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
		printVersions(cmd.OutOrStdout(), prov, name, candidates, installed)
		return nil
	},
}

// provisioner builds an engine from --config only to reach its
// provisioner; nothing is started.
func provisioner() (*provision.Provisioner, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	engine, err := orchestrator.NewEngine(cfg, orchestrator.EngineOptions{ConfigPath: cfgFile})
	if err != nil {
		return nil, err
	}
	return engine.Provisioner(), nil
}

func printVersions(w io.Writer, prov *provision.Provisioner, name string, candidates []provision.Candidate, installed []provision.Installed) {
	req := prov.Requirement(name)
	onDisk := make(map[string]string, len(installed))
	for _, in := range installed {
		onDisk[in.Version.String()] = in.Executable
	}

	t := table.New().Border(lipgloss.NormalBorder()).Headers("VERSION", "ALLOWED", "INSTALLED")
	seen := make(map[string]bool)
	row := func(v string, allowed bool) {
		mark := "-"
		if exe, ok := onDisk[v]; ok {
			mark = exe
		}
		t.Row(v, yesNo(allowed), mark)
		seen[v] = true
	}
	for _, c := range candidates {
		row(c.Version.String(), req.Allows(c.Version))
	}
	for _, in := range installed {
		if !seen[in.Version.String()] {
			row(in.Version.String(), req.Allows(in.Version))
		}
	}
	fmt.Fprintln(w, t.String())
	if req.Raw != "" {
		fmt.Fprintf(w, "requirement: %s %s\n", name, req.Raw)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
