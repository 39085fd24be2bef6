// Command qqbot bridges QQ group chat (through a OneBot gateway) to the
// Home Assistant conversation API, and exposes a compose-and-send panel
// to Home Assistant over MQTT.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nugget/qqbot-ha/internal/buildinfo"
	"github.com/nugget/qqbot-ha/internal/config"
)

// main only builds the OS environment and hands off to [run], so the
// whole command tree can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run executes the command line in args. Logs and command output go to
// stdout; cobra's own messages go to stderr. It returns nil on clean
// shutdown.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// globals carries the persistent flags and writers into subcommands.
type globals struct {
	configPath string
	stdout     io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stdout: stdout}

	root := &cobra.Command{
		Use:           "qqbot",
		Short:         "QQ group chat to Home Assistant bridge",
		Long:          "qqbot forwards /ha commands from QQ groups to the Home Assistant conversation API\nand publishes an MQTT control panel that Home Assistant discovers automatically.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "",
		"path to config file (default: ./config.yaml, ~/.config/qqbot/config.yaml, /etc/qqbot/config.yaml)")

	root.AddCommand(
		newServeCmd(g),
		newInitCmd(g),
		newSendCmd(g),
		newDiscoveryCmd(g),
		newVersionCmd(g),
	)
	return root
}

func newVersionCmd(g *globals) *cobra.Command {
	var outputFmt string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(g.stdout, outputFmt)
		},
	}
	cmd.Flags().StringVarP(&outputFmt, "output", "o", "text", "output format: text or json")
	return cmd
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	switch outputFmt {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case "text":
	default:
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// loadConfig locates and parses the YAML configuration file. Returns the
// parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
