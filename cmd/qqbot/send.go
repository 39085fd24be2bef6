package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/qqbot-ha/internal/onebot"
)

func newSendCmd(g *globals) *cobra.Command {
	var image bool
	cmd := &cobra.Command{
		Use:   "send <group_id> <text>...",
		Short: "Send one message to a group through the gateway",
		Long:  "Send delivers a single message using the same client and retry policy as serve.\nWith --image the argument is an image URL instead of text.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), g, args, image)
		},
	}
	cmd.Flags().BoolVar(&image, "image", false, "send the argument as an image URL")
	return cmd
}

func runSend(ctx context.Context, g *globals, args []string, image bool) error {
	group, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid group id %q", args[0])
	}
	body := strings.Join(args[1:], " ")

	cfg, _, err := loadConfig(g.configPath)
	if err != nil {
		return err
	}
	logger := newLogger(g.stdout, cfg)

	var msg onebot.Outbound = onebot.Text{GroupID: group, Body: body}
	if image {
		msg = onebot.Image{GroupID: group, URL: body}
	}

	if err := newSender(cfg, logger).Send(ctx, msg); err != nil {
		return err
	}
	fmt.Fprintf(g.stdout, "sent to group %d\n", group)
	return nil
}
