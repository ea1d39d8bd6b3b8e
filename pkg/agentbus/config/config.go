// Package config loads bus settings from YAML or JSON files and maps them
// onto the component configurations.
//
// All durations accept Go duration strings ("30s", "5m"). Missing values
// fall back to the component defaults; Load never fails on absent optional
// sections.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"encoding/json"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/agentbus/pkg/agentbus/acl"
	"github.com/randalmurphal/agentbus/pkg/agentbus/outbox"
	"github.com/randalmurphal/agentbus/pkg/agentbus/quota"
	"github.com/randalmurphal/agentbus/pkg/agentbus/ratelimit"
	"github.com/randalmurphal/agentbus/pkg/agentbus/redact"
	"github.com/randalmurphal/agentbus/pkg/agentbus/schema"
)

// Settings is the on-disk configuration shape.
type Settings struct {
	Bus       BusSettings       `yaml:"bus" json:"bus"`
	ACL       []PolicySettings  `yaml:"acl" json:"acl"`
	Redaction []RedactSettings  `yaml:"redaction" json:"redaction"`
	Quota     QuotaSettings     `yaml:"quota" json:"quota"`
	RateLimit RateLimitSettings `yaml:"rate_limit" json:"rate_limit"`
	Outbox    OutboxSettings    `yaml:"outbox" json:"outbox"`
	Schema    SchemaSettings    `yaml:"schema_registry" json:"schema_registry"`
	Redis     RedisSettings     `yaml:"redis" json:"redis"`
}

// BusSettings tunes the bus core.
type BusSettings struct {
	DedupeWindow       Duration `yaml:"dedupe_window" json:"dedupe_window"`
	DispatchBuffer     int      `yaml:"dispatch_buffer" json:"dispatch_buffer"`
	RetrySweepInterval Duration `yaml:"retry_sweep_interval" json:"retry_sweep_interval"`
}

// PolicySettings is one ACL entry.
type PolicySettings struct {
	Topic     string   `yaml:"topic" json:"topic"`
	Producers []string `yaml:"producers" json:"producers"`
	Consumers []string `yaml:"consumers" json:"consumers"`
}

// RedactSettings is one redaction rule.
type RedactSettings struct {
	Topic string   `yaml:"topic" json:"topic"`
	Paths []string `yaml:"paths" json:"paths"`
}

// QuotaSettings configures volume limits.
type QuotaSettings struct {
	Global   int64    `yaml:"global" json:"global"`
	PerAgent int64    `yaml:"per_agent" json:"per_agent"`
	Window   Duration `yaml:"window" json:"window"`
}

// RateLimitSettings configures burst smoothing.
type RateLimitSettings struct {
	Capacity   float64 `yaml:"capacity" json:"capacity"`
	RefillRate float64 `yaml:"refill_rate" json:"refill_rate"`
}

// OutboxSettings configures the durable store and retry schedule.
type OutboxSettings struct {
	Path                   string   `yaml:"path" json:"path"` // empty = in-memory
	MaxAttempts            int      `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoff         Duration `yaml:"initial_backoff" json:"initial_backoff"`
	BackoffFactor          float64  `yaml:"backoff_factor" json:"backoff_factor"`
	MaxBackoff             Duration `yaml:"max_backoff" json:"max_backoff"`
	Jitter                 float64  `yaml:"jitter" json:"jitter"`
	PendingRedeliveryAfter Duration `yaml:"pending_redelivery_after" json:"pending_redelivery_after"`
}

// SchemaSettings configures the registry client.
type SchemaSettings struct {
	BaseURL        string   `yaml:"base_url" json:"base_url"`
	TTL            Duration `yaml:"ttl" json:"ttl"`
	Capacity       int      `yaml:"capacity" json:"capacity"`
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`
}

// RedisSettings configures the distributed quota counter store.
type RedisSettings struct {
	Addr     string `yaml:"addr" json:"addr"` // empty = in-process counters
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// Duration wraps time.Duration with string (un)marshalling for YAML/JSON.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.parse(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.parse(raw)
}

func (d *Duration) parse(raw string) error {
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads settings from a file, detecting the format by extension.
// Supported extensions: .yaml, .yml, .json.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var s Settings
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s", ext)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects structurally bad settings. Zero values are allowed
// everywhere and mean "use the default".
func (s *Settings) Validate() error {
	for _, p := range s.ACL {
		if p.Topic == "" {
			return fmt.Errorf("acl: policy requires a topic")
		}
	}
	for _, r := range s.Redaction {
		if len(r.Paths) == 0 {
			return fmt.Errorf("redaction: rule for %q lists no paths", r.Topic)
		}
	}
	if s.Quota.Global < 0 || s.Quota.PerAgent < 0 {
		return fmt.Errorf("quota: limits must not be negative")
	}
	if s.RateLimit.Capacity < 0 || s.RateLimit.RefillRate < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	return nil
}

// ACLPolicies maps the ACL section onto enforcer policies.
func (s *Settings) ACLPolicies() []acl.Policy {
	out := make([]acl.Policy, 0, len(s.ACL))
	for _, p := range s.ACL {
		out = append(out, acl.Policy{
			Topic:            p.Topic,
			AllowedProducers: p.Producers,
			AllowedConsumers: p.Consumers,
		})
	}
	return out
}

// RedactRules maps the redaction section onto redactor rules.
func (s *Settings) RedactRules() []redact.Rule {
	out := make([]redact.Rule, 0, len(s.Redaction))
	for _, r := range s.Redaction {
		out = append(out, redact.Rule{TopicPattern: r.Topic, Paths: r.Paths})
	}
	return out
}

// QuotaLimits maps the quota section onto manager limits.
func (s *Settings) QuotaLimits() quota.Limits {
	return quota.Limits{
		Global:   s.Quota.Global,
		PerAgent: s.Quota.PerAgent,
		Window:   s.Quota.Window.Std(),
	}
}

// RateLimitConfig maps the rate limit section onto a limiter config.
func (s *Settings) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		Capacity:   s.RateLimit.Capacity,
		RefillRate: s.RateLimit.RefillRate,
	}
}

// OutboxConfig maps the outbox section onto a store config.
func (s *Settings) OutboxConfig() outbox.Config {
	return outbox.Config{
		MaxAttempts:            s.Outbox.MaxAttempts,
		InitialBackoff:         s.Outbox.InitialBackoff.Std(),
		BackoffFactor:          s.Outbox.BackoffFactor,
		MaxBackoff:             s.Outbox.MaxBackoff.Std(),
		Jitter:                 s.Outbox.Jitter,
		PendingRedeliveryAfter: s.Outbox.PendingRedeliveryAfter.Std(),
	}
}

// SchemaClientConfig maps the schema section onto a client config.
func (s *Settings) SchemaClientConfig() schema.ClientConfig {
	return schema.ClientConfig{
		BaseURL:        s.Schema.BaseURL,
		TTL:            s.Schema.TTL.Std(),
		Capacity:       s.Schema.Capacity,
		RequestTimeout: s.Schema.RequestTimeout.Std(),
	}
}

// RedisQuotaConfig maps the redis section onto a store config.
func (s *Settings) RedisQuotaConfig() quota.RedisConfig {
	return quota.RedisConfig{
		Addr:     s.Redis.Addr,
		Username: s.Redis.Username,
		Password: s.Redis.Password,
		DB:       s.Redis.DB,
	}
}
