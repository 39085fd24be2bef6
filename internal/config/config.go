// Package config handles qqbot-ha configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/qqbot/config.yaml, /etc/qqbot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "qqbot", "config.yaml"))
	}

	paths = append(paths, "/etc/qqbot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all qqbot-ha configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	OneBot        OneBotConfig        `yaml:"onebot"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Bridge        BridgeConfig        `yaml:"bridge"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format" validate:"omitempty,oneof=text json"`
}

// ListenConfig defines the webhook server bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
}

// OneBotConfig describes the group-chat gateway. Events arrive on the
// webhook (and optionally a forward websocket); replies go to the
// gateway's HTTP API at Host:Port.
type OneBotConfig struct {
	Host        string      `yaml:"host" validate:"required"`
	Port        int         `yaml:"port" validate:"min=1,max=65535"`
	AccessToken string      `yaml:"access_token"`
	WSURL       string      `yaml:"ws_url" validate:"omitempty,url"`
	Retry       RetryConfig `yaml:"retry"`
}

// BaseURL returns the gateway HTTP API root, e.g. "http://10.0.0.5:3000".
// A Host that already carries a scheme is used as-is.
func (c OneBotConfig) BaseURL() string {
	host := strings.TrimRight(c.Host, "/")
	if strings.Contains(host, "://") {
		return host + ":" + strconv.Itoa(c.Port)
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// RetryConfig bounds outbound delivery retries.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts" validate:"min=1"`
	// DelayMs is nil when unset; 0 retries immediately.
	DelayMs *int `yaml:"delay_ms" validate:"omitnil,min=0"`
}

const defaultRetryDelayMs = 1000

// Delay returns the wait between attempts.
func (r RetryConfig) Delay() time.Duration {
	if r.DelayMs == nil {
		return defaultRetryDelayMs * time.Millisecond
	}
	return time.Duration(*r.DelayMs) * time.Millisecond
}

// Assistant API shapes.
const (
	APIService = "service"
	APILegacy  = "legacy"
)

// HomeAssistantConfig defines the conversation API connection and the
// device metadata advertised through MQTT discovery.
type HomeAssistantConfig struct {
	URL      string `yaml:"url" validate:"required,url"`
	Token    string `yaml:"token" validate:"required"`
	AgentID  string `yaml:"agent_id"`
	API      string `yaml:"api" validate:"oneof=service legacy"`
	Language string `yaml:"language"`

	DeviceName   string `yaml:"device_name"`
	DeviceID     string `yaml:"device_id"`
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`
}

// BridgeConfig controls command routing.
type BridgeConfig struct {
	// Groups is the allow-list of group IDs permitted to run commands.
	Groups        []int64 `yaml:"groups" validate:"required,min=1"`
	ScreenshotURL string  `yaml:"screenshot_url" validate:"omitempty,url"`
	// DefaultGroup seeds the control panel's target group.
	DefaultGroup int64 `yaml:"default_group"`
}

// MQTTConfig defines the control-panel broker session.
type MQTTConfig struct {
	Enabled   bool         `yaml:"enabled"`
	Broker    string       `yaml:"broker" validate:"required_if=Enabled true"`
	Port      int          `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Username  string       `yaml:"username"`
	Password  string       `yaml:"password"`
	ClientID  string       `yaml:"client_id"`
	Topics    TopicsConfig `yaml:"topics"`
	RateLimit int          `yaml:"rate_limit"` // control messages per minute; 0 = unlimited
}

// TopicsConfig names the MQTT topics used by the control panel.
type TopicsConfig struct {
	Receive         string `yaml:"receive"`
	Send            string `yaml:"send"`
	Status          string `yaml:"status"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether the MQTT control panel should run.
func (c MQTTConfig) Configured() bool {
	return c.Enabled && c.Broker != ""
}

// BrokerURL returns the broker as a URL understood by autopaho. A bare
// host gets the mqtt:// scheme and the configured port.
func (c MQTTConfig) BrokerURL() string {
	if strings.Contains(c.Broker, "://") {
		return c.Broker
	}
	return "mqtt://" + net.JoinHostPort(c.Broker, strconv.Itoa(c.Port))
}

// Load reads configuration from a YAML file, applies defaults and
// validates required keys.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values with the documented defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.OneBot.Port == 0 {
		c.OneBot.Port = 3000
	}
	if c.OneBot.Retry.MaxAttempts == 0 {
		c.OneBot.Retry.MaxAttempts = 3
	}
	if c.OneBot.Retry.DelayMs == nil {
		delay := defaultRetryDelayMs
		c.OneBot.Retry.DelayMs = &delay
	}

	ha := &c.HomeAssistant
	if ha.API == "" {
		ha.API = APIService
	}
	if ha.Language == "" {
		ha.Language = "zh-cn"
	}
	if ha.DeviceName == "" {
		ha.DeviceName = "QQ Bot"
	}
	if ha.Manufacturer == "" {
		ha.Manufacturer = "1812z"
	}
	if ha.Model == "" {
		ha.Model = "QQ Bot v1.0"
	}

	m := &c.MQTT
	if m.Port == 0 {
		m.Port = 1883
	}
	if m.ClientID == "" {
		m.ClientID = "qq_bot_ha"
	}
	if m.Topics.Receive == "" {
		m.Topics.Receive = "qqbot/messages/received"
	}
	if m.Topics.Send == "" {
		m.Topics.Send = "qqbot/messages/send"
	}
	if m.Topics.Status == "" {
		m.Topics.Status = "qqbot/status"
	}
	if m.Topics.DiscoveryPrefix == "" {
		m.Topics.DiscoveryPrefix = "homeassistant"
	}

	if c.DataDir == "" {
		c.DataDir = "."
	}
}

// Validate checks struct-tag constraints and reports every failing
// key in a single error.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid config: log_level: %w", err)
	}

	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
