// Package config assembles the immutable configuration for a single
// tracewarden session. It is loaded once at startup from an optional YAML
// file, overlaid with CLI flags, and then never mutated again: every
// component is handed a *Config by pointer and treats it as read-only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level tracewarden configuration.
type Config struct {
	Proxy   ProxyConfig   `yaml:"proxy"`
	Store   StoreConfig   `yaml:"store"`
	Redact  RedactConfig  `yaml:"redact"`
	Pricing PricingConfig `yaml:"pricing"`

	Quiet bool `yaml:"-"`
	Debug bool `yaml:"-"`
}

// ProxyConfig controls the intercepting HTTP(S) proxy. Every CONNECT tunnel
// is terminated (MITM'd) by default regardless of destination host; these
// fields only govern what gets captured into the event log, not what gets
// forwarded.
type ProxyConfig struct {
	BindAddress      string        `yaml:"bind_address"`
	MaxBodySize      int64         `yaml:"max_body_size"`
	DedupeWindow     time.Duration `yaml:"dedupe_window"`
	DedupeCacheSize  int           `yaml:"dedupe_cache_size"`
	CorrelationTTL   time.Duration `yaml:"correlation_ttl"`
	OrderFlushWindow time.Duration `yaml:"order_flush_window"`
	IdleTunnelMs     int           `yaml:"idle_tunnel_ms"`
	GraceMs          int           `yaml:"grace_ms"`

	// CaptureRequestBodies/CaptureResponseBodies gate whether a captured
	// body is attached to an emitted event at all.
	CaptureRequestBodies  bool `yaml:"capture_request_bodies"`
	CaptureResponseBodies bool `yaml:"capture_response_bodies"`
	// CaptureAllRequests, when false, reduces non-AI exchanges to
	// headers-only events; AI exchanges always get the full treatment
	// subject to the two flags above.
	CaptureAllRequests bool `yaml:"capture_all_requests"`

	// ClassifierExtraHosts maps additional hostnames to a provider name, on
	// top of the classifier's built-in host-suffix table.
	ClassifierExtraHosts map[string]string `yaml:"classifier_extra_hosts"`
}

// StoreConfig controls where and how the session log is written.
type StoreConfig struct {
	RootDir       string        `yaml:"root_dir"`
	AppendRetries int           `yaml:"append_retries"`
	AppendBackoff time.Duration `yaml:"append_backoff"`
	QueryIndex    bool          `yaml:"query_index"`
}

// RedactConfig names the header and body patterns that get replaced with the
// fixed redaction marker before any event is written to disk.
type RedactConfig struct {
	Marker               string   `yaml:"marker"`
	SensitiveHeaderNames []string `yaml:"sensitive_header_names"`
	SensitiveBodyPattern []string `yaml:"sensitive_body_patterns"`
}

// PricingConfig inlines the provider pricing table. Default() seeds Entries
// from defaultPricingSeed; a config file or LoadPricing (--pricing) can
// override them. Path is parsed from YAML but not read by this package. A
// model with no matching entry yields a nil cost, not a guess.
type PricingConfig struct {
	Path    string         `yaml:"path"`
	Entries []PricingEntry `yaml:"entries"`
}

// PricingEntry is one (provider, model) rate, expressed per 1000 tokens.
type PricingEntry struct {
	Provider      string  `yaml:"provider"`
	Model         string  `yaml:"model"`
	InputPer1000  float64 `yaml:"input_per_1000"`
	OutputPer1000 float64 `yaml:"output_per_1000"`
	Currency      string  `yaml:"currency"`
	LastUpdated   string  `yaml:"last_updated"`
}

// Default returns the zero-config defaults, grounded on the teacher's own
// DefaultConfig() sensible-defaults idiom.
func Default() *Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".tracewarden", "sessions")
	if home == "" {
		root = filepath.Join(os.TempDir(), "tracewarden", "sessions")
	}
	return &Config{
		Proxy: ProxyConfig{
			BindAddress:      "127.0.0.1:0",
			MaxBodySize:      1 << 20, // 1MiB
			DedupeWindow:     2 * time.Second,
			DedupeCacheSize:  1024,
			CorrelationTTL:   5 * time.Minute,
			OrderFlushWindow: 100 * time.Millisecond,
			IdleTunnelMs:     120000,
			GraceMs:          5000,

			CaptureRequestBodies:  true,
			CaptureResponseBodies: true,
			CaptureAllRequests:    false,
		},
		Store: StoreConfig{
			RootDir:       root,
			AppendRetries: 3,
			AppendBackoff: 100 * time.Millisecond,
			QueryIndex:    true,
		},
		Redact: RedactConfig{
			Marker: "[REDACTED]",
			SensitiveHeaderNames: []string{
				"authorization", "x-api-key", "api-key", "cookie", "set-cookie",
			},
			SensitiveBodyPattern: []string{
				`sk-[A-Za-z0-9]{20,}`,
				`AIza[0-9A-Za-z\-_]{35}`,
			},
		},
		Pricing: PricingConfig{Entries: defaultPricingSeed()},
	}
}

// Snapshot reduces cfg to the small set of fields worth recording alongside
// a session, for session_start's config_snapshot field. It deliberately
// excludes pricing entries and redaction patterns, which are either large or
// sensitive.
func Snapshot(cfg *Config) map[string]any {
	return map[string]any{
		"capture_request_bodies":  cfg.Proxy.CaptureRequestBodies,
		"capture_response_bodies": cfg.Proxy.CaptureResponseBodies,
		"capture_all_requests":    cfg.Proxy.CaptureAllRequests,
		"max_body_size":           cfg.Proxy.MaxBodySize,
		"dedupe_window":           cfg.Proxy.DedupeWindow.String(),
		"query_index":             cfg.Store.QueryIndex,
	}
}

// Load reads a YAML file (if present) over the defaults. A missing path is
// not an error — it simply means the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadPricing overlays an external pricing file (the --pricing flag) on top
// of whatever pricing entries are already in cfg.
func LoadPricing(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading pricing file %s: %w", path, err)
	}
	var entries []PricingEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing pricing file %s: %w", path, err)
	}
	cfg.Pricing.Entries = append(cfg.Pricing.Entries, entries...)
	return nil
}

// defaultPricingSeed seeds a handful of well-known rates so the tool is
// useful out of the box; operators are expected to override/extend this via
// --pricing for anything not listed or since gone stale.
func defaultPricingSeed() []PricingEntry {
	return []PricingEntry{
		{Provider: "openai", Model: "gpt-4o", InputPer1000: 0.0025, OutputPer1000: 0.01, Currency: "USD", LastUpdated: "2025-05-01"},
		{Provider: "openai", Model: "gpt-4o-mini", InputPer1000: 0.00015, OutputPer1000: 0.0006, Currency: "USD", LastUpdated: "2025-05-01"},
		{Provider: "anthropic", Model: "claude-3-5-sonnet", InputPer1000: 0.003, OutputPer1000: 0.015, Currency: "USD", LastUpdated: "2025-05-01"},
		{Provider: "anthropic", Model: "claude-3-haiku", InputPer1000: 0.00025, OutputPer1000: 0.00125, Currency: "USD", LastUpdated: "2025-05-01"},
		{Provider: "gemini", Model: "gemini-1.5-pro", InputPer1000: 0.00125, OutputPer1000: 0.005, Currency: "USD", LastUpdated: "2025-05-01"},
	}
}
