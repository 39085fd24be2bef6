package onebot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultReconnectDelay is the wait between websocket reconnect attempts.
const DefaultReconnectDelay = 5 * time.Second

// maxFrameSize bounds a single inbound event frame.
const maxFrameSize = 1 << 20

// HandlerFunc receives every parsed inbound event.
type HandlerFunc func(ctx context.Context, ev InboundEvent)

// EventStream consumes events from the gateway's forward websocket,
// the push alternative to the HTTP webhook. Each text frame is parsed
// with [ParseEvent] and handed to the handler on the read goroutine.
type EventStream struct {
	url            string
	accessToken    string
	handler        HandlerFunc
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	logger         *slog.Logger
}

// NewEventStream creates a stream for wsURL (ws:// or wss://).
func NewEventStream(wsURL, accessToken string, handler HandlerFunc, logger *slog.Logger) *EventStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStream{
		url:            wsURL,
		accessToken:    accessToken,
		handler:        handler,
		reconnectDelay: DefaultReconnectDelay,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   64 * 1024,
		},
		logger: logger,
	}
}

// Run connects and reads events until ctx is cancelled, reconnecting
// after a fixed delay whenever the connection drops.
func (s *EventStream) Run(ctx context.Context) {
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			s.logger.Info("gateway event stream stopped")
			return
		}
		s.logger.Warn("gateway event stream disconnected",
			"url", s.url,
			"error", err,
			"retry_in", s.reconnectDelay,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

// session runs one connection until it fails or ctx ends.
func (s *EventStream) session(ctx context.Context) error {
	header := http.Header{}
	if s.accessToken != "" {
		header.Set("Authorization", "Bearer "+s.accessToken)
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	s.logger.Info("gateway event stream connected", "url", s.url)

	// Unblock ReadMessage when the context ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}

		ev, err := ParseEvent(data)
		if err != nil {
			s.logger.Warn("discarding undecodable gateway frame", "error", err)
			continue
		}
		if ev.PostType == "meta_event" {
			continue
		}
		s.handler(ctx, ev)
	}
}
