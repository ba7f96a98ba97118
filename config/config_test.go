package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
environment: dev
telemetry:
  serviceName: gridfeed-test
  enableMetrics: true
consumer:
  flushInterval: 250ms
  maxBatchSize: 500
datasources:
  - id: positions
    name: Positions Feed
    connection:
      url: wss://feed.example.com/ws
      timeout: 15s
      autoReconnect: true
      reconnectInterval: 2s
      maxReconnectAttempts: 5
      backoff: true
    settings:
      listenerTopic: /topic/positions
      triggerDestination: /app/positions/start
      triggerMessage: '{"mode":"full"}'
      triggerFormat: json
      snapshotEndToken: END_SNAPSHOT
      keyColumn: positionId
      messageRate: 1000
  - id: trades
    connection:
      url: wss://feed.example.com/trades
    settings:
      listenerTopic: /topic/trades
      triggerDestination: /app/trades/start
      triggerMessage: start
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesDataSources(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("environment: %q", cfg.Environment)
	}
	if cfg.Consumer.FlushInterval != 250*time.Millisecond || cfg.Consumer.MaxBatchSize != 500 {
		t.Fatalf("consumer config: %+v", cfg.Consumer)
	}
	if len(cfg.DataSources) != 2 {
		t.Fatalf("expected 2 datasources, got %d", len(cfg.DataSources))
	}

	positions := cfg.DataSources[0]
	if positions.Settings.KeyColumn != "positionId" {
		t.Fatalf("keyColumn: %q", positions.Settings.KeyColumn)
	}
	if !positions.Connection.AutoReconnect || positions.Connection.MaxReconnectAttempts != 5 {
		t.Fatalf("retry policy: %+v", positions.Connection)
	}
	if positions.Settings.TriggerFormat != TriggerFormatJSON {
		t.Fatalf("triggerFormat: %q", positions.Settings.TriggerFormat)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	trades := cfg.DataSources[1]
	if trades.Name != "trades" {
		t.Fatalf("name should default to id, got %q", trades.Name)
	}
	if trades.Connection.Transport != "stomp" {
		t.Fatalf("transport default: %q", trades.Connection.Transport)
	}
	if trades.Connection.Timeout != 10*time.Second {
		t.Fatalf("timeout default: %v", trades.Connection.Timeout)
	}
	if trades.Settings.KeyColumn != "id" {
		t.Fatalf("keyColumn default: %q", trades.Settings.KeyColumn)
	}
	if trades.Transform.Parser != ParserJSON {
		t.Fatalf("parser default: %q", trades.Transform.Parser)
	}
	if trades.Settings.TriggerFormat != TriggerFormatText {
		t.Fatalf("triggerFormat default: %q", trades.Settings.TriggerFormat)
	}
}

func TestValidateRejectsBadEntries(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*AppConfig)
		keyword string
	}{
		{"missing url", func(c *AppConfig) { c.DataSources[0].Connection.URL = "" }, "connection url"},
		{"missing topic", func(c *AppConfig) { c.DataSources[0].Settings.ListenerTopic = "" }, "listenerTopic"},
		{"missing destination", func(c *AppConfig) { c.DataSources[0].Settings.TriggerDestination = "" }, "triggerDestination"},
		{"bad format", func(c *AppConfig) { c.DataSources[0].Settings.TriggerFormat = "xml" }, "triggerFormat"},
		{"custom without script", func(c *AppConfig) { c.DataSources[0].Transform.Parser = ParserCustom }, "script"},
		{"duplicate id", func(c *AppConfig) { c.DataSources[1].ID = c.DataSources[0].ID }, "duplicate"},
		{"reconnect budget", func(c *AppConfig) {
			c.DataSources[0].Connection.AutoReconnect = true
			c.DataSources[0].Connection.MaxReconnectAttempts = 0
		}, "maxReconnectAttempts"},
		{"negative rate", func(c *AppConfig) { c.DataSources[0].Settings.MessageRate = -1 }, "messageRate"},
	}

	for _, tc := range cases {
		cfg, err := Load(writeConfig(t, sampleConfig))
		if err != nil {
			t.Fatalf("%s: load: %v", tc.name, err)
		}
		tc.mutate(&cfg)
		err = cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.keyword) {
			t.Fatalf("%s: error %q missing keyword %q", tc.name, err, tc.keyword)
		}
	}
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load or default: %v", err)
	}
	if loaded {
		t.Fatalf("expected fallback to defaults")
	}
	if cfg.Environment != EnvProd || cfg.Consumer.MaxBatchSize != defaultMaxBatchSize {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
