package config

import (
	"fmt"
	"strings"
	"time"
)

// TriggerFormat selects how the configured trigger message is published.
type TriggerFormat string

const (
	// TriggerFormatText publishes the trigger message verbatim.
	TriggerFormatText TriggerFormat = "text"
	// TriggerFormatJSON publishes the trigger message as a JSON body.
	TriggerFormatJSON TriggerFormat = "json"
)

// ParserKind selects how inbound frames are decoded into rows.
type ParserKind string

const (
	// ParserJSON decodes frames as a JSON array or single object.
	ParserJSON ParserKind = "json"
	// ParserText wraps the frame body in a single row under the key column.
	ParserText ParserKind = "text"
	// ParserCustom runs a configured JavaScript parse function per frame.
	ParserCustom ParserKind = "custom"
)

// ConnectionConfig describes how a datasource reaches its endpoint and the
// retry policy applied on transport drops.
type ConnectionConfig struct {
	URL                  string            `yaml:"url"`
	Transport            string            `yaml:"transport"`
	Timeout              time.Duration     `yaml:"timeout"`
	AutoReconnect        bool              `yaml:"autoReconnect"`
	ReconnectInterval    time.Duration     `yaml:"reconnectInterval"`
	MaxReconnectAttempts int               `yaml:"maxReconnectAttempts"`
	Backoff              bool              `yaml:"backoff"`
	Headers              map[string]string `yaml:"headers"`
}

// SettingsConfig carries the trigger protocol parameters for one datasource.
type SettingsConfig struct {
	ListenerTopic      string        `yaml:"listenerTopic"`
	TriggerDestination string        `yaml:"triggerDestination"`
	TriggerMessage     string        `yaml:"triggerMessage"`
	TriggerFormat      TriggerFormat `yaml:"triggerFormat"`
	SnapshotEndToken   string        `yaml:"snapshotEndToken"`
	KeyColumn          string        `yaml:"keyColumn"`
	MessageRate        float64       `yaml:"messageRate"`
}

// TransformConfig selects the frame parser, optionally carrying a custom
// JavaScript program exporting parse(body).
type TransformConfig struct {
	Parser ParserKind `yaml:"parser"`
	Script string     `yaml:"script"`
}

// DataSourceConfig fully describes one provider. Immutable once a provider is
// constructed from it; replacing it requires a new provider.
type DataSourceConfig struct {
	ID         string           `yaml:"id"`
	Name       string           `yaml:"name"`
	Connection ConnectionConfig `yaml:"connection"`
	Settings   SettingsConfig   `yaml:"settings"`
	Transform  TransformConfig  `yaml:"transform"`
}

const (
	defaultTransportKind     = "stomp"
	defaultConnectTimeout    = 10 * time.Second
	defaultReconnectInterval = 5 * time.Second
	defaultKeyColumn         = "id"
)

// Normalise trims fields and applies defaults. Load calls it for file-backed
// configs; callers constructing configs programmatically call it themselves
// before Validate.
func (c *DataSourceConfig) Normalise() {
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = c.ID
	}
	c.Connection.URL = strings.TrimSpace(c.Connection.URL)
	c.Connection.Transport = strings.ToLower(strings.TrimSpace(c.Connection.Transport))
	if c.Connection.Transport == "" {
		c.Connection.Transport = defaultTransportKind
	}
	if c.Connection.Timeout <= 0 {
		c.Connection.Timeout = defaultConnectTimeout
	}
	if c.Connection.ReconnectInterval <= 0 {
		c.Connection.ReconnectInterval = defaultReconnectInterval
	}
	if c.Connection.MaxReconnectAttempts < 0 {
		c.Connection.MaxReconnectAttempts = 0
	}
	c.Settings.ListenerTopic = strings.TrimSpace(c.Settings.ListenerTopic)
	c.Settings.TriggerDestination = strings.TrimSpace(c.Settings.TriggerDestination)
	c.Settings.SnapshotEndToken = strings.TrimSpace(c.Settings.SnapshotEndToken)
	c.Settings.KeyColumn = strings.TrimSpace(c.Settings.KeyColumn)
	if c.Settings.KeyColumn == "" {
		c.Settings.KeyColumn = defaultKeyColumn
	}
	if c.Settings.TriggerFormat == "" {
		c.Settings.TriggerFormat = TriggerFormatText
	}
	c.Settings.TriggerFormat = TriggerFormat(strings.ToLower(string(c.Settings.TriggerFormat)))
	if c.Transform.Parser == "" {
		c.Transform.Parser = ParserJSON
	}
	c.Transform.Parser = ParserKind(strings.ToLower(string(c.Transform.Parser)))
}

// Validate performs semantic validation on a datasource entry.
func (c DataSourceConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("datasource id required")
	}
	if c.Connection.URL == "" {
		return fmt.Errorf("datasource %q: connection url required", c.ID)
	}
	if c.Settings.ListenerTopic == "" {
		return fmt.Errorf("datasource %q: listenerTopic required", c.ID)
	}
	if c.Settings.TriggerDestination == "" {
		return fmt.Errorf("datasource %q: triggerDestination required", c.ID)
	}
	switch c.Settings.TriggerFormat {
	case TriggerFormatText, TriggerFormatJSON:
	default:
		return fmt.Errorf("datasource %q: triggerFormat must be text or json", c.ID)
	}
	switch c.Transform.Parser {
	case ParserJSON, ParserText:
	case ParserCustom:
		if strings.TrimSpace(c.Transform.Script) == "" {
			return fmt.Errorf("datasource %q: custom parser requires a script", c.ID)
		}
	default:
		return fmt.Errorf("datasource %q: parser must be json, text, or custom", c.ID)
	}
	if c.Connection.AutoReconnect && c.Connection.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("datasource %q: autoReconnect requires maxReconnectAttempts > 0", c.ID)
	}
	if c.Settings.MessageRate < 0 {
		return fmt.Errorf("datasource %q: messageRate must be >= 0", c.ID)
	}
	return nil
}
