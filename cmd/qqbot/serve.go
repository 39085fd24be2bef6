package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/qqbot-ha/internal/api"
	"github.com/nugget/qqbot-ha/internal/bridge"
	"github.com/nugget/qqbot-ha/internal/buildinfo"
	"github.com/nugget/qqbot-ha/internal/config"
	"github.com/nugget/qqbot-ha/internal/connwatch"
	"github.com/nugget/qqbot-ha/internal/delivery"
	"github.com/nugget/qqbot-ha/internal/homeassistant"
	"github.com/nugget/qqbot-ha/internal/httpkit"
	"github.com/nugget/qqbot-ha/internal/mqtt"
	"github.com/nugget/qqbot-ha/internal/onebot"
)

const (
	// deliveryTimeout bounds one HTTP attempt to the gateway.
	deliveryTimeout = 15 * time.Second

	// Panel button presses are delivered off the MQTT goroutine.
	dispatchQueue   = 32
	dispatchWorkers = 2

	shutdownTimeout = 5 * time.Second

	// drainTimeout bounds delivery of panel sends still queued at
	// shutdown.
	drainTimeout = 30 * time.Second
)

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the MQTT control panel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g.stdout, g.configPath)
		},
	}
}

// runServe wires every component and blocks until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. the signal cancels ctx, stopping watchers and the event stream
//  2. the panel publishes offline and disconnects
//  3. the webhook server stops accepting requests
//  4. the dispatcher delivers queued panel sends, bounded by drainTimeout
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting qqbot-ha",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = newLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"gateway", cfg.OneBot.BaseURL(),
		"homeassistant", cfg.HomeAssistant.URL,
		"api", cfg.HomeAssistant.API,
		"groups", cfg.Bridge.Groups,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Outbound delivery ---
	sender := newSender(cfg, logger)

	dispatcher := delivery.NewDispatcher(dispatchQueue, dispatchWorkers, logger.With("component", "dispatcher"))
	dispatcher.Start(ctx)
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
		defer drainCancel()
		if err := dispatcher.Close(drainCtx); err != nil {
			logger.Warn("queued panel sends abandoned", "error", err)
		}
	}()

	// --- Home Assistant ---
	haClient := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger.With("component", "homeassistant"))
	conversation := homeassistant.NewConversation(haClient, homeassistant.ConversationConfig{
		AgentID:  cfg.HomeAssistant.AgentID,
		API:      cfg.HomeAssistant.API,
		Language: cfg.HomeAssistant.Language,
	})

	// --- MQTT control panel ---
	// The session outlives ctx so the offline status can still be
	// published during shutdown.
	panelCtx, stopPanel := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPanel()

	var panel *mqtt.Panel
	if cfg.MQTT.Configured() {
		deviceID, device, err := panelDevice(cfg)
		if err != nil {
			return err
		}
		panelLogger := logger.With("component", "mqtt")
		panel = mqtt.New(cfg.MQTT, mqtt.Options{
			DeviceID:     deviceID,
			Device:       device,
			DefaultGroup: cfg.Bridge.DefaultGroup,
			Send: func(_ context.Context, msg onebot.Outbound) {
				dispatcher.Enqueue(func(ctx context.Context) {
					if err := sender.Send(ctx, msg); err != nil {
						panelLogger.Error("panel message delivery failed", "group_id", msg.Group(), "error", err)
					}
				})
			},
			Logger: panelLogger,
		})
		if err := panel.Start(panelCtx); err != nil {
			return fmt.Errorf("start mqtt panel: %w", err)
		}
	} else {
		logger.Info("mqtt control panel disabled (not configured)")
	}

	// --- Routing ---
	var relay bridge.Relay
	if panel != nil {
		relay = panel
	}
	router := bridge.NewRouter(bridge.Config{
		Asker:         conversation,
		Sender:        sender,
		Relay:         relay,
		Groups:        cfg.Bridge.Groups,
		ScreenshotURL: cfg.Bridge.ScreenshotURL,
		Logger:        logger.With("component", "bridge"),
	})

	if cfg.OneBot.WSURL != "" {
		stream := onebot.NewEventStream(cfg.OneBot.WSURL, cfg.OneBot.AccessToken,
			func(ctx context.Context, ev onebot.InboundEvent) {
				go router.Handle(ctx, ev)
			},
			logger.With("component", "onebot_ws"),
		)
		go stream.Run(ctx)
	}

	// --- Connectivity watchers ---
	watch := connwatch.NewManager(logger.With("component", "connwatch"))
	defer watch.Stop()

	watch.Watch(ctx, connwatch.WatcherConfig{
		Name:  "onebot",
		Probe: connwatch.DialProbe(cfg.OneBot.BaseURL()),
	})
	watch.Watch(ctx, connwatch.WatcherConfig{
		Name:    "homeassistant",
		Probe:   haClient.Ping,
		OnReady: func() { logHomeAssistant(ctx, haClient, logger) },
	})
	if panel != nil {
		watch.Watch(ctx, connwatch.WatcherConfig{
			Name:  "mqtt",
			Probe: panel.AwaitConnection,
		})
	}

	// --- Webhook server ---
	server := api.NewServer(api.Config{
		Address: cfg.Listen.Address,
		Port:    cfg.Listen.Port,
		Handler: router,
		Health:  watch,
		Logger:  logger.With("component", "api"),
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()

		if err := panel.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		stopPanel()
		if err := server.Shutdown(stopCtx); err != nil {
			logger.Error("webhook server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("qqbot-ha stopped")
	return nil
}

// newLogger builds the configured process logger. The level was
// validated by config.Load.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat)
}

// newSender builds the gateway client with the configured retry policy.
func newSender(cfg *config.Config, logger *slog.Logger) *onebot.Client {
	deliverer := delivery.New(
		httpkit.NewClient(httpkit.WithTimeout(deliveryTimeout)),
		logger.With("component", "delivery"),
	)
	policy := delivery.RetryPolicy{
		MaxAttempts: cfg.OneBot.Retry.MaxAttempts,
		Delay:       cfg.OneBot.Retry.Delay(),
	}
	return onebot.NewClient(cfg.OneBot.BaseURL(), cfg.OneBot.AccessToken, policy, deliverer, logger.With("component", "onebot"))
}

// panelDevice resolves the discovery device id and block.
func panelDevice(cfg *config.Config) (string, mqtt.DeviceInfo, error) {
	ha := cfg.HomeAssistant
	deviceID, err := mqtt.ResolveDeviceID(ha.DeviceID, cfg.DataDir)
	if err != nil {
		return "", mqtt.DeviceInfo{}, fmt.Errorf("resolve device id: %w", err)
	}
	return deviceID, mqtt.NewDeviceInfo(deviceID, ha.DeviceName, ha.Manufacturer, ha.Model), nil
}

// logHomeAssistant records which Home Assistant instance answered.
func logHomeAssistant(ctx context.Context, client *homeassistant.Client, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, homeassistant.AskTimeout)
	defer cancel()

	info, err := client.GetConfig(ctx)
	if err != nil {
		logger.Debug("home assistant config unavailable", "error", err)
		return
	}
	logger.Info("home assistant reachable",
		"location", info.LocationName,
		"version", info.Version,
		"time_zone", info.TimeZone,
	)
}
