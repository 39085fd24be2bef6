package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nugget/qqbot-ha/internal/defaults"
)

func newInitCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Write an example config.yaml (default dir: .)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(g.stdout, dir)
		},
	}
}

// runInit creates dir and writes the example config into it. An
// existing config.yaml is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	written, err := writeIfMissing(configPath, defaults.ConfigYAML)
	if err != nil {
		return err
	}
	if !written {
		fmt.Fprintf(w, "%s already exists, leaving it unchanged\n", configPath)
		return nil
	}

	fmt.Fprintf(w, "wrote %s\n", configPath)
	fmt.Fprintln(w, "Set onebot.host, homeassistant.url/token and bridge.groups, then run: qqbot serve")
	return nil
}

// writeIfMissing writes content to path only if nothing exists there.
func writeIfMissing(path string, content []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}
