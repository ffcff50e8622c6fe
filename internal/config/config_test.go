package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_ReplyAttempts(t *testing.T) {
	cfg := Defaults()
	cfg.Reply.MaxAttempts = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxAttempts=0")
	}

	cfg.Reply.MaxAttempts = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxAttempts=1 should be valid: %v", err)
	}

	cfg.Reply.MaxAttempts = 11
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxAttempts=11")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.API.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.API.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

func TestValidate_ChunkTriggerBelowChunkSize(t *testing.T) {
	cfg := Defaults()
	cfg.Summary.ChunkTrigger = 10
	cfg.Summary.ChunkSize = 20
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "chunkTrigger") {
		t.Fatalf("expected chunkTrigger error, got %v", err)
	}
}

func TestValidate_TenantSchedule(t *testing.T) {
	cfg := Defaults()
	cfg.Summary.TenantSchedule = "0 3 * * *"
	if err := Validate(cfg); err != nil {
		t.Fatalf("valid cron expression rejected: %v", err)
	}
	cfg.Summary.TenantSchedule = "every night"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestValidate_ChannelCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Telegram.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for telegram without token")
	}
	cfg.Channels.Telegram.Token = "123:abc"
	cfg.Channels.WhatsApp.Enabled = true
	cfg.Channels.WhatsApp.AccessToken = "token"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for whatsapp without phoneNumberId")
	}
	cfg.Channels.WhatsApp.PhoneNumberID = "1055"
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Debounce.QuietWindowSeconds = 0
	cfg.Scheduler.PollIntervalSeconds = 0
	cfg.General.FailoverChain = []string{"missing"}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"quietWindowSeconds", "pollIntervalSeconds", "unknown provider: missing"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q: %v", want, err)
		}
	}
}

func TestValidate_ProviderNeedsAPIBase(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["openai"] = ProviderConfig{Enabled: true, APIKey: "sk-x"}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for openai provider without apiBase")
	}
	cfg.Providers["ollama-remote"] = ProviderConfig{Enabled: true}
	cfg.Providers["openai"] = ProviderConfig{Enabled: true, APIBase: "https://api.openai.com/v1"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("ollama providers have a default base: %v", err)
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			original := Defaults()
			original.General.Tenant = "acme"
			original.Summary.TenantSchedule = "0 3 * * *"

			if err := Save(path, original); err != nil {
				t.Fatalf("save: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if loaded.General.Tenant != "acme" {
				t.Fatalf("expected 'acme', got %q", loaded.General.Tenant)
			}
			if loaded.Summary.TenantSchedule != "0 3 * * *" {
				t.Fatalf("schedule lost: %q", loaded.Summary.TenantSchedule)
			}
			if loaded.Scheduler.BatchSize != 50 {
				t.Fatalf("defaults lost: %+v", loaded.Scheduler)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_PartialYAMLKeepsDefaults(t *testing.T) {
	t.Setenv("TEST_TG_TOKEN", "123:abc")
	path := filepath.Join(t.TempDir(), "config.yml")
	content := `
general:
  tenant: acme
debounce:
  quietWindowSeconds: 5
channels:
  telegram:
    enabled: true
    token: ${TEST_TG_TOKEN}
    allowFrom: [12345, "67890"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.Tenant != "acme" || cfg.Debounce.QuietWindow() != 5*time.Second {
		t.Fatalf("overrides not applied: %+v %+v", cfg.General, cfg.Debounce)
	}
	if cfg.Channels.Telegram.Token != "123:abc" {
		t.Fatalf("env var not expanded: %q", cfg.Channels.Telegram.Token)
	}
	if len(cfg.Channels.Telegram.AllowFrom) != 2 || cfg.Channels.Telegram.AllowFrom[0] != "12345" {
		t.Fatalf("allowFrom: %v", cfg.Channels.Telegram.AllowFrom)
	}
	if cfg.Reply.MaxAttempts != 3 || cfg.Scheduler.RetryDelay() != 15*time.Minute {
		t.Fatal("untouched sections should keep defaults")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"reply": {
			"maxAttempts": 0
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for maxAttempts=0")
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "general.defaultProvider")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "ollama" {
		t.Fatalf("expected 'ollama', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "reply.followUp.enabled", "true"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if !cfg.Reply.FollowUp.Enabled {
		t.Fatal("expected reply.followUp.enabled=true")
	}
	if cfg.Reply.FollowUp.Delay() != 24*time.Hour {
		t.Fatalf("delay = %v", cfg.Reply.FollowUp.Delay())
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "debounce.quietWindowSeconds", "30"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Debounce.QuietWindowSeconds != 30 {
		t.Fatalf("expected 30, got %d", cfg.Debounce.QuietWindowSeconds)
	}
}

func TestSetByPath_RejectsUnknownKey(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "reply.maxAttempt", "5"); err == nil {
		t.Fatal("expected error for misspelled key")
	}
	if err := SetByPath(cfg, "reply", "5"); err == nil {
		t.Fatal("expected error when setting a whole section")
	}
}

func TestSetByPath_RejectsWrongType(t *testing.T) {
	cfg := Defaults()
	before := cfg.Reply.MaxAttempts
	if err := SetByPath(cfg, "reply.maxAttempts", "five"); err == nil {
		t.Fatal("expected error for non-integer value")
	}
	if cfg.Reply.MaxAttempts != before {
		t.Fatalf("maxAttempts changed to %d", cfg.Reply.MaxAttempts)
	}
}

func TestSetByPath_StringStaysString(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "general.tenant", "1234"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.General.Tenant != "1234" {
		t.Fatalf("tenant = %q", cfg.General.Tenant)
	}
}

func TestSetByPath_NewProvider(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "providers.groq.apiKey", "gsk-test"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := SetByPath(cfg, "providers.groq.temperature", "0.3"); err != nil {
		t.Fatalf("set: %v", err)
	}
	groq := cfg.Providers["groq"]
	if groq.APIKey != "gsk-test" || groq.Temperature != 0.3 {
		t.Fatalf("groq = %+v", groq)
	}
	if err := SetByPath(cfg, "providers.groq.nope", "1"); err == nil {
		t.Fatal("expected error for unknown provider key")
	}
}

func TestSetByPath_ListIsCommaSeparated(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "general.failoverChain", "groq, ollama"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(cfg.General.FailoverChain) != 2 || cfg.General.FailoverChain[1] != "ollama" {
		t.Fatalf("chain = %v", cfg.General.FailoverChain)
	}
	if err := SetByPath(cfg, "channels.telegram.allowFrom", "123,456"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if len(cfg.Channels.Telegram.AllowFrom) != 2 {
		t.Fatalf("allowFrom = %v", cfg.Channels.Telegram.AllowFrom)
	}
}

func TestGetByPath_OmittedFieldIsAddressable(t *testing.T) {
	cfg := Defaults()
	cfg.API.InboundSecret = ""
	val, err := GetByPath(cfg, "api.inboundSecret")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "" {
		t.Fatalf("expected empty secret, got %v", val)
	}
}

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, expected := range []string{"general.tenant", "reply.maxAttempts", "scheduler.retryDelayMinutes", "api.inboundSecret", "events.nats.queueGroup"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Channels.WhatsApp.AppSecret = "whatsapp-secret-12345678"
	cfg.Channels.WhatsApp.AccessToken = "EAABxyz1234567890"
	cfg.API.APIKey = "short"
	cfg.API.InboundSecret = "hmac-signing-secret"
	cfg.Providers["openai"] = ProviderConfig{
		Enabled: true,
		APIKey:  "sk-1234567890abcdefghijklmnop",
	}

	sanitized := Sanitize(cfg)

	if sanitized.Channels.Telegram.Token == cfg.Channels.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if sanitized.Channels.WhatsApp.AppSecret == cfg.Channels.WhatsApp.AppSecret {
		t.Fatal("whatsapp app secret should be masked")
	}
	if sanitized.Providers["openai"].APIKey == cfg.Providers["openai"].APIKey {
		t.Fatal("API key should be masked")
	}
	if sanitized.API.InboundSecret == cfg.API.InboundSecret {
		t.Fatal("inbound secret should be masked")
	}
	if sanitized.Channels.WhatsApp.AccessToken != "EAAB****7890" {
		t.Fatalf("access token = %q", sanitized.Channels.WhatsApp.AccessToken)
	}
	if sanitized.API.APIKey != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.API.APIKey)
	}
	if cfg.Channels.Telegram.Token != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}
	if cfg.Providers["openai"].APIKey != "sk-1234567890abcdefghijklmnop" {
		t.Fatal("original provider key should not be modified")
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	var list FlexStringList
	if err := json.Unmarshal([]byte(`["hello", 123, "world", 456.0]`), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 || list[1] != "123" || list[3] != "456" {
		t.Fatalf("number conversion mismatch: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	if err := json.Unmarshal([]byte(`not json`), &list); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	t.Setenv("MY_PORT", "9090")
	t.Setenv("EMPTY_VAR", "")
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")

	tests := []struct {
		in, want string
	}{
		{`{"apiKey": "${TEST_API_KEY}"}`, `{"apiKey": "sk-abc123"}`},
		{`"${TOTALLY_UNSET_VAR_XYZ:-8080}"`, `"8080"`},
		{`"${MY_PORT:-8080}"`, `"9090"`},
		{`"${EMPTY_VAR:-fallback}"`, `"fallback"`},
		{`"${TOTALLY_UNSET_VAR_XYZ}"`, `"${TOTALLY_UNSET_VAR_XYZ}"`},
		{`"$HOME is not substituted"`, `"$HOME is not substituted"`},
	}
	for _, tt := range tests {
		if got := ExpandEnvVars(tt.in); got != tt.want {
			t.Errorf("ExpandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// --- Watch ---

func TestWatch_ReloadsValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Defaults()
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan *Config, 4)
	go Watch(ctx, path, func(c *Config) { changed <- c }, nil)
	time.Sleep(200 * time.Millisecond)

	cfg.General.LogLevel = "debug"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changed:
		if c.General.LogLevel != "debug" {
			t.Fatalf("reloaded log level = %q", c.General.LogLevel)
		}
		if ParseLevel(c.General.LogLevel).String() != "DEBUG" {
			t.Fatal("ParseLevel mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}
