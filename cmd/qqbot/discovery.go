package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nugget/qqbot-ha/internal/mqtt"
)

func newDiscoveryCmd(g *globals) *cobra.Command {
	var outputFmt string
	cmd := &cobra.Command{
		Use:   "discovery",
		Short: "Print the MQTT discovery topics and payloads",
		Long:  "Discovery prints what serve publishes (retained) when the broker session comes up,\nwithout connecting to the broker.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscovery(g, outputFmt)
		},
	}
	cmd.Flags().StringVarP(&outputFmt, "output", "o", "text", "output format: text or json")
	return cmd
}

func runDiscovery(g *globals, outputFmt string) error {
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	cfg, _, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	deviceID, device, err := panelDevice(cfg)
	if err != nil {
		return err
	}
	entities := mqtt.Entities(device, deviceID, cfg.MQTT.Topics)
	prefix := cfg.MQTT.Topics.DiscoveryPrefix

	if outputFmt == "json" {
		out := make(map[string]any, len(entities))
		for _, e := range entities {
			out[e.Topic(prefix)] = e.Config
		}
		return writeIndented(g.stdout, out)
	}

	for _, e := range entities {
		fmt.Fprintln(g.stdout, e.Topic(prefix))
		if err := writeIndented(g.stdout, e.Config); err != nil {
			return err
		}
		fmt.Fprintln(g.stdout)
	}
	return nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
