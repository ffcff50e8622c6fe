package config

const defaultHandoffMessage = "Thanks for your patience. A member of our team will pick this conversation up shortly."

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Tenant:          "default",
			LogLevel:        "info",
			DefaultProvider: "ollama",
		},
		Store: StoreConfig{
			DBPath: "~/.convpipe/convpipe.db",
		},
		Debounce: DebounceConfig{
			QuietWindowSeconds: 15,
		},
		Reply: ReplyConfig{
			MaxAttempts:        3,
			BackoffBaseSeconds: 2,
			TimeoutSeconds:     60,
			HandoffMessage:     defaultHandoffMessage,
			FollowUp: FollowUpConfig{
				Enabled:    false,
				DelayHours: 24,
				MaxRetries: 3,
			},
		},
		Summary: SummaryConfig{
			Threshold:          10,
			TailMessages:       10,
			ChunkTrigger:       30,
			ChunkSize:          20,
			PersistEveryChunks: 2,
			ConflictRetries:    3,
			ConflictBackoffMs:  100,
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			PollIntervalSeconds: 30,
			BatchSize:           50,
			RetryBatchSize:      25,
			MaxRetries:          3,
			RetryDelayMinutes:   15,
			SendTimeoutSeconds:  30,
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Channels: ChannelsConfig{
			Default: "console",
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			WhatsApp: WhatsAppConfig{
				Enabled:     false,
				APIBase:     "https://graph.facebook.com/v21.0",
				WebhookPath: "/webhook/whatsapp",
			},
			Console: ConsoleConfig{
				Enabled: true,
			},
		},
		API: APIConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Events: EventsConfig{
			NATS: NATSConfig{
				Enabled:       false,
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "convpipe",
				QueueGroup:    "convpipe",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
