package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
onebot:
  host: 192.168.43.203
homeassistant:
  url: https://ha.example.com:8124
  token: abc
bridge:
  groups: [63616]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(minimalYAML), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen port", cfg.Listen.Port, 8080},
		{"onebot port", cfg.OneBot.Port, 3000},
		{"retry attempts", cfg.OneBot.Retry.MaxAttempts, 3},
		{"retry delay", cfg.OneBot.Retry.Delay(), time.Second},
		{"api", cfg.HomeAssistant.API, APIService},
		{"device name", cfg.HomeAssistant.DeviceName, "QQ Bot"},
		{"mqtt client id", cfg.MQTT.ClientID, "qq_bot_ha"},
		{"receive topic", cfg.MQTT.Topics.Receive, "qqbot/messages/received"},
		{"send topic", cfg.MQTT.Topics.Send, "qqbot/messages/send"},
		{"status topic", cfg.MQTT.Topics.Status, "qqbot/status"},
		{"discovery prefix", cfg.MQTT.Topics.DiscoveryPrefix, "homeassistant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("QQBOT_TEST_TOKEN", "secret123")
	body := strings.Replace(minimalYAML, "token: abc", "token: ${QQBOT_TEST_TOKEN}", 1)

	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.HomeAssistant.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.HomeAssistant.Token, "secret123")
	}
}

func TestLoad_MissingRequiredKeys(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantKey string
	}{
		{"no token", strings.Replace(minimalYAML, "token: abc", "", 1), "Token"},
		{"no host", strings.Replace(minimalYAML, "host: 192.168.43.203", "", 1), "Host"},
		{"no groups", strings.Replace(minimalYAML, "groups: [63616]", "", 1), "Groups"},
		{"mqtt enabled without broker", minimalYAML + "mqtt:\n  enabled: true\n", "Broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load should fail")
			}
			if !strings.Contains(err.Error(), tt.wantKey) {
				t.Errorf("error %q does not mention %q", err, tt.wantKey)
			}
		})
	}
}

func TestLoad_InvalidAPIShape(t *testing.T) {
	body := strings.Replace(minimalYAML, "token: abc", "token: abc\n  api: v3", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("Load should reject unknown api shape")
	}
}

func TestLoad_RetryDelay(t *testing.T) {
	tests := []struct {
		name    string
		retry   string
		want    time.Duration
		wantErr bool
	}{
		{"absent uses default", "", time.Second, false},
		{"explicit zero", "\n  retry:\n    delay_ms: 0", 0, false},
		{"explicit value", "\n  retry:\n    delay_ms: 250", 250 * time.Millisecond, false},
		{"negative", "\n  retry:\n    delay_ms: -5", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := strings.Replace(minimalYAML, "host: 192.168.43.203", "host: 192.168.43.203"+tt.retry, 1)
			cfg, err := Load(writeConfig(t, body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got := cfg.OneBot.Retry.Delay(); got != tt.want {
				t.Errorf("Delay() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOneBotConfig_BaseURL(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"192.168.43.203", 3000, "http://192.168.43.203:3000"},
		{"https://bot.example.com", 443, "https://bot.example.com:443"},
		{"::1", 3000, "http://[::1]:3000"},
	}
	for _, tt := range tests {
		got := OneBotConfig{Host: tt.host, Port: tt.port}.BaseURL()
		if got != tt.want {
			t.Errorf("BaseURL(%q, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  MQTTConfig
		want bool
	}{
		{"enabled with broker", MQTTConfig{Enabled: true, Broker: "localhost"}, true},
		{"disabled", MQTTConfig{Broker: "localhost"}, false},
		{"enabled without broker", MQTTConfig{Enabled: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMQTTConfig_BrokerURL(t *testing.T) {
	if got := (MQTTConfig{Broker: "10.0.0.2", Port: 1883}).BrokerURL(); got != "mqtt://10.0.0.2:1883" {
		t.Errorf("BrokerURL() = %q", got)
	}
	if got := (MQTTConfig{Broker: "mqtts://broker:8883"}).BrokerURL(); got != "mqtts://broker:8883" {
		t.Errorf("BrokerURL() = %q", got)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, minimalYAML+"log_level: loud\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Errorf("Load() error = %v, want log_level error", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_JSONRendersTrace(t *testing.T) {
	var sb strings.Builder
	logger := NewLogger(&sb, LevelTrace, "json")
	logger.Log(t.Context(), LevelTrace, "wire", "bytes", 3)

	if !strings.Contains(sb.String(), `"level":"TRACE"`) {
		t.Errorf("expected TRACE level in output, got %s", sb.String())
	}
}

func TestNewLogger_Text(t *testing.T) {
	var sb strings.Builder
	logger := NewLogger(&sb, slog.LevelInfo, "text")
	logger.Debug("hidden")
	logger.Info("shown", "group_id", 63616)

	out := sb.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record should be filtered: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "63616") {
		t.Errorf("info record missing: %s", out)
	}
}
