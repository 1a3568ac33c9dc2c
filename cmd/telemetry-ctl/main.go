// telemetry-ctl toggles interactive-session telemetry for the current user
// by installing or removing a snippet in the interactive shell's per-profile
// startup directory. The core library is unaware of this file; the snippet
// merely loads the capture hook at shell start.
package main

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

//go:embed snippet/telemetry.py
var snippet []byte

const snippetName = "telemetry.py"

var profileDir string

func defaultProfileDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ipython", "profile_default", "startup")
}

func snippetPath() (string, error) {
	dir := profileDir
	if dir == "" {
		dir = defaultProfileDir()
	}
	if dir == "" {
		return "", fmt.Errorf("cannot locate the profile startup directory; pass --profile-dir")
	}
	return filepath.Join(dir, snippetName), nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "telemetry-ctl",
		Short:         "Enable or disable interactive-session telemetry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&profileDir, "profile-dir", "",
		"profile startup directory (default ~/.ipython/profile_default/startup)")
	root.AddCommand(newEnableCmd(), newDisableCmd(), newStatusCmd())
	return root
}

func newEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Install the telemetry startup snippet",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := snippetPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil {
				cmd.Println("Telemetry already enabled.")
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("creating startup directory: %w", err)
			}
			if err := os.WriteFile(path, snippet, 0o644); err != nil {
				return fmt.Errorf("writing startup snippet: %w", err)
			}
			cmd.Println("Telemetry enabled.")
			return nil
		},
	}
}

func newDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Remove the telemetry startup snippet",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := snippetPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); os.IsNotExist(err) {
				cmd.Println("Telemetry already disabled.")
				return nil
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("removing startup snippet: %w", err)
			}
			cmd.Println("Telemetry disabled.")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether telemetry is enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := snippetPath()
			if err != nil {
				return err
			}
			installed, err := os.ReadFile(path)
			switch {
			case os.IsNotExist(err):
				cmd.Println("Telemetry disabled.")
			case err != nil:
				return fmt.Errorf("reading startup snippet: %w", err)
			case bytes.Equal(installed, snippet):
				cmd.Println("Telemetry enabled.")
			default:
				cmd.Println("Telemetry enabled but misconfigured. Run `telemetry-ctl disable && telemetry-ctl enable` to fix.")
			}
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
