package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for convpipe.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Store     StoreConfig               `json:"store"`
	Debounce  DebounceConfig            `json:"debounce"`
	Reply     ReplyConfig               `json:"reply"`
	Summary   SummaryConfig             `json:"summary"`
	Scheduler SchedulerConfig           `json:"scheduler"`
	Providers map[string]ProviderConfig `json:"providers"`
	Channels  ChannelsConfig            `json:"channels"`
	API       APIConfig                 `json:"api"`
	Events    EventsConfig              `json:"events"`
	Metrics   MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	Tenant          string   `json:"tenant"` // used when a transport does not carry one
	LogLevel        string   `json:"logLevel"`
	LogFile         string   `json:"logFile,omitempty"`
	DefaultProvider string   `json:"defaultProvider"`
	FailoverChain   []string `json:"failoverChain,omitempty"`
	Persona         string   `json:"persona,omitempty"` // system prompt prepended to every reply request
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

type DebounceConfig struct {
	QuietWindowSeconds int `json:"quietWindowSeconds"`
}

func (d DebounceConfig) QuietWindow() time.Duration {
	return time.Duration(d.QuietWindowSeconds) * time.Second
}

type ReplyConfig struct {
	MaxAttempts        int            `json:"maxAttempts"`
	BackoffBaseSeconds int            `json:"backoffBaseSeconds"`
	TimeoutSeconds     int            `json:"timeoutSeconds"`
	HandoffMessage     string         `json:"handoffMessage"`
	FollowUp           FollowUpConfig `json:"followUp"`
}

func (r ReplyConfig) BackoffBase() time.Duration {
	return time.Duration(r.BackoffBaseSeconds) * time.Second
}

func (r ReplyConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// FollowUpConfig controls the "no reply" nudge queued after each automated reply.
type FollowUpConfig struct {
	Enabled    bool `json:"enabled"`
	DelayHours int  `json:"delayHours"`
	MaxRetries int  `json:"maxRetries"`
}

func (f FollowUpConfig) Delay() time.Duration {
	if !f.Enabled {
		return 0
	}
	return time.Duration(f.DelayHours) * time.Hour
}

type SummaryConfig struct {
	Threshold          int    `json:"threshold"`
	TailMessages       int    `json:"tailMessages"`
	ChunkTrigger       int    `json:"chunkTrigger"`
	ChunkSize          int    `json:"chunkSize"`
	PersistEveryChunks int    `json:"persistEveryChunks"`
	ConflictRetries    int    `json:"conflictRetries"`
	ConflictBackoffMs  int    `json:"conflictBackoffMs"`
	TenantSchedule     string `json:"tenantSchedule,omitempty"` // cron expression, empty disables
}

func (s SummaryConfig) ConflictBackoff() time.Duration {
	return time.Duration(s.ConflictBackoffMs) * time.Millisecond
}

type SchedulerConfig struct {
	Enabled             bool `json:"enabled"`
	PollIntervalSeconds int  `json:"pollIntervalSeconds"`
	BatchSize           int  `json:"batchSize"`
	RetryBatchSize      int  `json:"retryBatchSize"`
	MaxRetries          int  `json:"maxRetries"`
	RetryDelayMinutes   int  `json:"retryDelayMinutes"`
	SendTimeoutSeconds  int  `json:"sendTimeoutSeconds"`
}

func (s SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

func (s SchedulerConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMinutes) * time.Minute
}

func (s SchedulerConfig) SendTimeout() time.Duration {
	return time.Duration(s.SendTimeoutSeconds) * time.Second
}

type ProviderConfig struct {
	Enabled      bool    `json:"enabled"`
	Kind         string  `json:"kind,omitempty"` // "openai" | "ollama"; defaults to the provider name
	APIBase      string  `json:"apiBase,omitempty"`
	APIKey       string  `json:"apiKey,omitempty"`
	DefaultModel string  `json:"defaultModel,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	MaxTokens    int     `json:"maxTokens,omitempty"`

	// RateLimitPerMinute throttles chat calls to this provider; 0 disables.
	RateLimitPerMinute float64 `json:"rateLimitPerMinute,omitempty"`
	RateLimitBurst     int     `json:"rateLimitBurst,omitempty"`
}

type ChannelsConfig struct {
	// Default handles counterpart addresses without a "<channel>:" prefix.
	Default  string         `json:"default"`
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Console  ConsoleConfig  `json:"console"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty"`
	ParseMode string         `json:"parseMode,omitempty"`
}

type WhatsAppConfig struct {
	Enabled       bool   `json:"enabled"`
	APIBase       string `json:"apiBase,omitempty"`
	AppSecret     string `json:"appSecret,omitempty"`
	AccessToken   string `json:"accessToken,omitempty"`
	VerifyToken   string `json:"verifyToken,omitempty"`
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
	WebhookPath   string `json:"webhookPath,omitempty"`
}

type ConsoleConfig struct {
	Enabled bool `json:"enabled"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// APIConfig configures the HTTP surface (scheduler API, operator actions, webhooks).
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	APIKey  string `json:"apiKey,omitempty"`
	// InboundSecret signs POST /api/inbound bodies; empty disables the endpoint.
	InboundSecret string `json:"inboundSecret,omitempty"`
}

func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type EventsConfig struct {
	NATS NATSConfig `json:"nats"`
}

// NATSConfig forwards internal events to NATS and optionally consumes
// inbound messages published by external gateways.
type NATSConfig struct {
	Enabled        bool   `json:"enabled"`
	URL            string `json:"url"`
	SubjectPrefix  string `json:"subjectPrefix"`
	InboundSubject string `json:"inboundSubject,omitempty"`
	QueueGroup     string `json:"queueGroup,omitempty"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.convpipe).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".convpipe"
	}
	return filepath.Join(home, ".convpipe")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// yamlToJSON re-encodes a YAML document as JSON so both formats share the
// json struct tags and the custom unmarshalers.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(doc)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if strings.TrimSpace(cfg.General.Tenant) == "" {
		errs = append(errs, "general.tenant must not be empty")
	}
	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath must not be empty")
	}

	if cfg.Debounce.QuietWindowSeconds < 1 {
		errs = append(errs, "debounce.quietWindowSeconds must be >= 1")
	}

	if cfg.Reply.MaxAttempts < 1 || cfg.Reply.MaxAttempts > 10 {
		errs = append(errs, "reply.maxAttempts must be between 1 and 10")
	}
	if cfg.Reply.BackoffBaseSeconds < 0 {
		errs = append(errs, "reply.backoffBaseSeconds must be >= 0")
	}
	if cfg.Reply.TimeoutSeconds < 1 {
		errs = append(errs, "reply.timeoutSeconds must be >= 1")
	}
	if strings.TrimSpace(cfg.Reply.HandoffMessage) == "" {
		errs = append(errs, "reply.handoffMessage must not be empty")
	}
	if cfg.Reply.FollowUp.Enabled && cfg.Reply.FollowUp.DelayHours < 1 {
		errs = append(errs, "reply.followUp.delayHours must be >= 1 when follow-ups are enabled")
	}

	s := cfg.Summary
	if s.Threshold < 1 {
		errs = append(errs, "summary.threshold must be >= 1")
	}
	if s.TailMessages < 0 {
		errs = append(errs, "summary.tailMessages must be >= 0")
	}
	if s.ChunkSize < 1 {
		errs = append(errs, "summary.chunkSize must be >= 1")
	}
	if s.ChunkTrigger < s.ChunkSize {
		errs = append(errs, "summary.chunkTrigger must be >= summary.chunkSize")
	}
	if s.PersistEveryChunks < 1 {
		errs = append(errs, "summary.persistEveryChunks must be >= 1")
	}
	if s.ConflictRetries < 0 {
		errs = append(errs, "summary.conflictRetries must be >= 0")
	}
	if s.TenantSchedule != "" {
		if _, err := cron.ParseStandard(s.TenantSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("summary.tenantSchedule: %v", err))
		}
	}

	sc := cfg.Scheduler
	if sc.PollIntervalSeconds < 1 {
		errs = append(errs, "scheduler.pollIntervalSeconds must be >= 1")
	}
	if sc.BatchSize < 1 || sc.RetryBatchSize < 1 {
		errs = append(errs, "scheduler.batchSize and scheduler.retryBatchSize must be >= 1")
	}
	if sc.MaxRetries < 0 {
		errs = append(errs, "scheduler.maxRetries must be >= 0")
	}
	if sc.RetryDelayMinutes < 1 {
		errs = append(errs, "scheduler.retryDelayMinutes must be >= 1")
	}
	if sc.SendTimeoutSeconds < 1 {
		errs = append(errs, "scheduler.sendTimeoutSeconds must be >= 1")
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}

	if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
	}
	for _, provName := range cfg.General.FailoverChain {
		if _, ok := cfg.Providers[provName]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", provName))
		}
	}
	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		if pc.ProviderKind(name) != "ollama" && pc.APIBase == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
		}
		if pc.RateLimitPerMinute < 0 || pc.RateLimitBurst < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s: rate limits must be >= 0", name))
		}
	}

	ch := cfg.Channels
	if ch.Telegram.Enabled && ch.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if ch.WhatsApp.Enabled && (ch.WhatsApp.AccessToken == "" || ch.WhatsApp.PhoneNumberID == "") {
		errs = append(errs, "channels.whatsapp.accessToken and phoneNumberId are required when whatsapp is enabled")
	}
	switch ch.Default {
	case "", "telegram", "whatsapp", "console":
	default:
		errs = append(errs, "channels.default must be one of: telegram, whatsapp, console")
	}

	if cfg.Events.NATS.Enabled && cfg.Events.NATS.URL == "" {
		errs = append(errs, "events.nats.url is required when nats is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ProviderKind returns the wire protocol of a provider entry.
func (pc ProviderConfig) ProviderKind(name string) string {
	if pc.Kind != "" {
		return pc.Kind
	}
	if strings.HasPrefix(name, "ollama") {
		return "ollama"
	}
	return "openai"
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
