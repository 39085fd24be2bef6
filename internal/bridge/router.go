// Package bridge routes inbound chat events: every text message is
// mirrored to the MQTT panel, and messages from allowed groups are
// checked for commands.
package bridge

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/nugget/qqbot-ha/internal/onebot"
)

// Command prefixes recognised in group messages. Matching is case
// sensitive and the first match wins.
const (
	// CommandAsk forwards the rest of the message to the assistant.
	CommandAsk = "/ha"

	// CommandScreen replies with the configured screenshot image. It
	// matches anywhere in the message.
	CommandScreen = "/screen"
)

// Asker turns chat text into a reply. The real implementation is
// *homeassistant.Conversation; it never fails, errors come back as
// display strings.
type Asker interface {
	Ask(ctx context.Context, text string) string
}

// Sender delivers an outbound message to the chat gateway. The real
// implementation is *onebot.Client.
type Sender interface {
	Send(ctx context.Context, msg onebot.Outbound) error
}

// Relay receives a copy of every inbound text message. The real
// implementation is *mqtt.Panel, which may be nil when MQTT is off.
type Relay interface {
	PublishReceived(ctx context.Context, groupID int64, text string, userID *int64)
}

// Config holds the dependencies for a Router.
type Config struct {
	Asker         Asker
	Sender        Sender
	Relay         Relay
	Groups        []int64
	ScreenshotURL string
	Logger        *slog.Logger
}

// Router applies the group allow-list and dispatches commands.
type Router struct {
	asker         Asker
	sender        Sender
	relay         Relay
	groups        []int64
	screenshotURL string
	logger        *slog.Logger
}

// NewRouter creates a message router.
func NewRouter(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		asker:         cfg.Asker,
		sender:        cfg.Sender,
		relay:         cfg.Relay,
		groups:        slices.Clone(cfg.Groups),
		screenshotURL: cfg.ScreenshotURL,
		logger:        logger,
	}
}

// Handle routes one inbound event. It blocks for the assistant call
// and the reply delivery; failures are logged, never returned.
//
// The relay to the panel happens before the allow-list check, so the
// hub sees traffic from every group the bot is in. Only commands are
// restricted to allowed groups.
func (r *Router) Handle(ctx context.Context, ev onebot.InboundEvent) {
	log := r.logger.With("group_id", ev.GroupID)
	if ev.UserID != nil {
		log = log.With("user_id", *ev.UserID)
	}

	if !ev.HasText() {
		log.Debug("ignoring event without text", "post_type", ev.PostType)
		return
	}
	text := *ev.Text

	if r.relay != nil {
		r.relay.PublishReceived(ctx, ev.GroupID, text, ev.UserID)
	}

	if !r.allowed(ev.GroupID) {
		log.Debug("ignoring message from group not in allow-list")
		return
	}

	msg, ok := r.dispatch(ctx, log, strings.TrimSpace(text), ev.GroupID)
	if !ok {
		return
	}

	if err := r.sender.Send(ctx, msg); err != nil {
		log.Error("reply delivery failed", "error", err)
	}
}

// dispatch maps a trimmed message to its reply, if any.
func (r *Router) dispatch(ctx context.Context, log *slog.Logger, text string, group int64) (onebot.Outbound, bool) {
	switch {
	case strings.HasPrefix(text, CommandAsk):
		query := strings.TrimPrefix(text, CommandAsk)
		log.Info("forwarding message to assistant", "query_len", len(query))
		reply := r.asker.Ask(ctx, query)
		if reply == "" {
			log.Warn("assistant returned empty speech, not replying")
			return nil, false
		}
		return onebot.Text{GroupID: group, Body: reply}, true

	case strings.Contains(text, CommandScreen):
		if r.screenshotURL == "" {
			log.Warn("screenshot requested but no screenshot_url configured")
			return nil, false
		}
		log.Info("sending screenshot")
		return onebot.Image{GroupID: group, URL: r.screenshotURL}, true

	default:
		log.Debug("no command in message")
		return nil, false
	}
}

func (r *Router) allowed(group int64) bool {
	return slices.Contains(r.groups, group)
}
