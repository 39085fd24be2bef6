package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/qqbot-ha/internal/config"
	"github.com/nugget/qqbot-ha/internal/onebot"
)

const (
	// eventQueueSize bounds the backlog between broker callbacks and
	// the panel goroutine.
	eventQueueSize = 64

	// opTimeout bounds each subscribe or publish round trip.
	opTimeout = 10 * time.Second

	// rateInterval is the window for the control message rate limit.
	rateInterval = time.Minute
)

// ErrNotStarted is returned by [Panel.AwaitConnection] before Start.
var ErrNotStarted = errors.New("mqtt panel not started")

// ConnState is the panel's view of the broker session.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// SendFunc hands a composed message to the chat gateway. It is called
// from the panel goroutine and must not block; callers queue the
// actual delivery.
type SendFunc func(ctx context.Context, msg onebot.Outbound)

// session is the subset of the autopaho connection the panel uses.
type session interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
}

// connection is the session plus the lifecycle calls Stop and the
// health probe need. *autopaho.ConnectionManager satisfies it.
type connection interface {
	session
	Disconnect(ctx context.Context) error
	AwaitConnection(ctx context.Context) error
}

// Options identify the device and wire the panel to the rest of the
// bridge.
type Options struct {
	DeviceID     string
	Device       DeviceInfo
	DefaultGroup int64
	Send         SendFunc
	Logger       *slog.Logger
}

type eventKind int

const (
	evConnected eventKind = iota
	evDisconnected
	evMessage
)

type event struct {
	kind    eventKind
	sess    session
	topic   string
	payload []byte
	reason  string
}

// Panel owns the MQTT session and the staged-compose state machine.
type Panel struct {
	cfg      config.MQTTConfig
	deviceID string
	entities []Entity
	compose  *StagedCompose
	send     SendFunc
	logger   *slog.Logger
	limiter  *messageRateLimiter

	topicText   string
	topicGroup  string
	topicButton string

	events chan event
	state  atomic.Int32

	mu      sync.Mutex
	started bool
	sess    session
	cm      connection

	now  func() time.Time
	dial func(ctx context.Context, cfg autopaho.ClientConfig) (connection, error)
}

func dialAutopaho(ctx context.Context, cfg autopaho.ClientConfig) (connection, error) {
	return autopaho.NewConnection(ctx, cfg)
}

// New creates a panel but does not connect. It returns nil when MQTT
// is not configured; every method of a nil *Panel is a no-op.
func New(cfg config.MQTTConfig, opts Options) *Panel {
	if !cfg.Configured() {
		return nil
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	send := opts.Send
	if send == nil {
		send = func(context.Context, onebot.Outbound) {}
	}

	return &Panel{
		cfg:         cfg,
		deviceID:    opts.DeviceID,
		entities:    Entities(opts.Device, opts.DeviceID, cfg.Topics),
		compose:     NewStagedCompose(opts.DefaultGroup),
		send:        send,
		logger:      logger,
		limiter:     newMessageRateLimiter(int64(cfg.RateLimit), rateInterval, logger),
		topicText:   cfg.Topics.Send + suffixText,
		topicGroup:  cfg.Topics.Send + suffixGroup,
		topicButton: cfg.Topics.Send + suffixButton,
		events:      make(chan event, eventQueueSize),
		now:         time.Now,
		dial:        dialAutopaho,
	}
}

// Start begins connecting to the broker and returns without waiting
// for the connection; autopaho keeps retrying in the background. A
// second call is a no-op.
func (p *Panel) Start(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	brokerURL, err := url.Parse(p.cfg.BrokerURL())
	if err != nil {
		p.resetStarted()
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	will, err := p.willMessage()
	if err != nil {
		p.resetStarted()
		return err
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:  []*url.URL{brokerURL},
		KeepAlive:   60,
		WillMessage: will,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", brokerURL.Redacted())
			p.enqueueLifecycle(ctx, event{kind: evConnected, sess: cm})
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "broker", brokerURL.Redacted(), "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.onPublish(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				p.enqueueLifecycle(ctx, event{
					kind:   evDisconnected,
					reason: fmt.Sprintf("server disconnect, reason code %d", d.ReasonCode),
				})
			},
			OnClientError: func(err error) {
				p.enqueueLifecycle(ctx, event{kind: evDisconnected, reason: err.Error()})
			},
		},
	}
	if p.cfg.Username != "" {
		pahoCfg.ConnectUsername = p.cfg.Username
		pahoCfg.ConnectPassword = []byte(p.cfg.Password)
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	p.setState(Connecting)
	cm, err := p.dial(ctx, pahoCfg)
	if err != nil {
		p.setState(Disconnected)
		p.resetStarted()
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	// Callbacks queue into events until the loop starts; the queue is
	// bounded and enqueueLifecycle honours ctx.
	go p.loop(ctx)
	go p.limiter.start(ctx)

	p.logger.Info("mqtt panel started",
		"broker", brokerURL.Redacted(),
		"client_id", p.cfg.ClientID,
		"device_id", p.deviceID,
	)
	return nil
}

// willMessage is the retained offline status the broker publishes if
// the session drops without a clean Stop.
func (p *Panel) willMessage() (*paho.WillMessage, error) {
	payload, err := json.Marshal(statusPayload{Status: "offline"})
	if err != nil {
		return nil, fmt.Errorf("encode will message: %w", err)
	}
	return &paho.WillMessage{
		Topic:   p.cfg.Topics.Status,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}, nil
}

func (p *Panel) resetStarted() {
	p.mu.Lock()
	p.started = false
	p.mu.Unlock()
}

// Stop publishes an offline status and disconnects. ctx bounds both.
func (p *Panel) Stop(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}

	if p.State() == Connected {
		p.publishStatus(ctx, cm, "offline")
	}
	err := cm.Disconnect(ctx)
	p.setState(Disconnected)
	return err
}

// State returns the current connection state.
func (p *Panel) State() ConnState {
	if p == nil {
		return Disconnected
	}
	return ConnState(p.state.Load())
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used by connwatch health probes.
func (p *Panel) AwaitConnection(ctx context.Context) error {
	if p == nil {
		return ErrNotStarted
	}
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return ErrNotStarted
	}
	return cm.AwaitConnection(ctx)
}

// PublishReceived mirrors an inbound chat message to the receive
// topic, feeding the last-message and last-group sensors. It does
// nothing unless the session is connected.
func (p *Panel) PublishReceived(ctx context.Context, groupID int64, text string, userID *int64) {
	if p == nil || p.State() != Connected {
		return
	}
	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()
	if sess == nil {
		return
	}

	payload, err := json.Marshal(receivedPayload{
		GroupID:   groupID,
		Message:   text,
		Timestamp: epochSeconds(p.now()),
		UserID:    userID,
	})
	if err != nil {
		p.logger.Error("mqtt encode received message", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := sess.Publish(ctx, &paho.Publish{
		Topic:   p.cfg.Topics.Receive,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Warn("mqtt relay publish failed", "group_id", groupID, "error", err)
		return
	}
	p.logger.Debug("mqtt relayed chat message", "group_id", groupID, "topic", p.cfg.Topics.Receive)
}

// --- Event loop ---

// onPublish runs on the paho receive goroutine. It never blocks: a
// message that does not fit the rate limit or the queue is dropped.
func (p *Panel) onPublish(topic string, payload []byte) {
	if !p.limiter.allow() {
		return
	}
	select {
	case p.events <- event{kind: evMessage, topic: topic, payload: payload}:
	default:
		p.logger.Warn("mqtt event queue full, dropping control message", "topic", topic)
	}
}

// enqueueLifecycle queues connection events. These are never dropped;
// the caller waits for room until ctx ends.
func (p *Panel) enqueueLifecycle(ctx context.Context, ev event) {
	select {
	case p.events <- ev:
	case <-ctx.Done():
	}
}

func (p *Panel) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.events:
			p.handle(ctx, ev)
		}
	}
}

func (p *Panel) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evConnected:
		p.mu.Lock()
		p.sess = ev.sess
		p.mu.Unlock()
		p.setState(Connected)
		p.onConnected(ctx, ev.sess)

	case evDisconnected:
		if p.State() != Disconnected {
			p.logger.Warn("mqtt disconnected", "reason", ev.reason)
		}
		p.setState(Disconnected)

	case evMessage:
		p.handleControl(ctx, ev.topic, ev.payload)
	}
}

// onConnected runs the connect sequence: subscribe, announce online,
// then advertise discovery configs.
func (p *Panel) onConnected(ctx context.Context, sess session) {
	p.subscribe(ctx, sess)
	p.publishStatus(ctx, sess, "online")
	p.publishDiscovery(ctx, sess)
}

func (p *Panel) subscribe(ctx context.Context, sess session) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	topics := []string{p.topicText, p.topicGroup, p.topicButton}
	opts := make([]paho.SubscribeOptions, len(topics))
	for i, t := range topics {
		opts[i] = paho.SubscribeOptions{Topic: t, QoS: 1}
	}

	if _, err := sess.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		p.logger.Error("mqtt subscribe failed", "topics", topics, "error", err)
		return
	}
	p.logger.Info("mqtt subscribed to control topics", "topics", topics)
}

func (p *Panel) publishStatus(ctx context.Context, sess session, status string) {
	payload, err := json.Marshal(statusPayload{Status: status, Timestamp: epochSeconds(p.now())})
	if err != nil {
		p.logger.Error("mqtt encode status", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := sess.Publish(ctx, &paho.Publish{
		Topic:   p.cfg.Topics.Status,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt status publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt status published", "status", status)
}

func (p *Panel) publishDiscovery(ctx context.Context, sess session) {
	prefix := p.cfg.Topics.DiscoveryPrefix
	for _, e := range p.entities {
		topic := e.Topic(prefix)
		payload, err := json.Marshal(e.Config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", e.ObjectID, "error", err)
			continue
		}

		pubCtx, cancel := context.WithTimeout(ctx, opTimeout)
		_, err = sess.Publish(pubCtx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		})
		cancel()
		if err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", e.ObjectID, "topic", topic, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published", "entity", e.ObjectID, "topic", topic)
	}
	p.logger.Info("mqtt discovery configs published", "count", len(p.entities))
}

// handleControl applies one control-topic message to the staged
// compose state.
func (p *Panel) handleControl(ctx context.Context, topic string, payload []byte) {
	switch topic {
	case p.topicText:
		p.compose.SetText(string(payload))
		p.logger.Debug("mqtt staged message text", "length", len(payload))

	case p.topicGroup:
		id, ok := p.compose.SetGroup(string(payload))
		if !ok {
			p.logger.Warn("mqtt ignoring invalid group id", "payload", string(payload))
			return
		}
		p.logger.Debug("mqtt staged target group", "group_id", id)

	case p.topicButton:
		if string(payload) != PressPayload {
			p.logger.Debug("mqtt ignoring button payload", "payload", string(payload))
			return
		}
		msg, ok := p.compose.Take()
		if !ok {
			group, _ := p.compose.Snapshot()
			p.logger.Info("mqtt send pressed with nothing staged", "group_id", group)
			return
		}
		p.logger.Info("mqtt sending staged message", "group_id", msg.GroupID)
		p.send(ctx, msg)

	default:
		p.logger.Debug("mqtt message on unexpected topic", "topic", topic)
	}
}

func (p *Panel) setState(s ConnState) {
	p.state.Store(int32(s))
}

// --- Payloads ---

type statusPayload struct {
	Status    string  `json:"status"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

type receivedPayload struct {
	GroupID   int64   `json:"group_id"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
	UserID    *int64  `json:"user_id,omitempty"`
}

// epochSeconds renders t as fractional Unix seconds.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}
