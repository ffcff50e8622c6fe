package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"convpipe/internal/bus"
	"convpipe/internal/channel"
	"convpipe/internal/config"
	"convpipe/internal/provider"
	"convpipe/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the installation",
		Long: `Verifies that the configuration, database, providers and enabled
transports are reachable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("convpipe doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r report

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'convpipe init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.finish()
			}
			r.pass("Config validation", "valid")

			if v, err := checkDatabase(cfg.Store.DBPath); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", fmt.Sprintf("%s (schema v%d)", cfg.Store.DBPath, v))
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			names := make([]string, 0, len(cfg.Providers))
			for name := range cfg.Providers {
				names = append(names, name)
			}
			sort.Strings(names)
			enabled := 0
			for _, name := range names {
				pc := cfg.Providers[name]
				if !pc.Enabled {
					continue
				}
				enabled++
				if err := provider.LoadProvider(name, pc, logger).Healthy(ctx); err != nil {
					r.warn("Provider: "+name, err.Error())
				} else {
					r.pass("Provider: "+name, "reachable")
				}
			}
			if enabled == 0 {
				r.fail("Providers", "no providers enabled")
			}

			if tc := cfg.Channels.Telegram; tc.Enabled {
				tg := channel.NewTelegram(channel.TelegramConfig{Token: tc.Token, Logger: logger})
				if err := tg.Connect(); err != nil {
					r.fail("Telegram", err.Error())
				} else {
					r.pass("Telegram", "bot token accepted")
				}
			}
			if wc := cfg.Channels.WhatsApp; wc.Enabled {
				switch {
				case wc.AccessToken == "" || wc.PhoneNumberID == "":
					r.fail("WhatsApp", "accessToken and phoneNumberId are required")
				case wc.AppSecret == "":
					r.warn("WhatsApp", "appSecret empty: webhook signatures are not checked")
				default:
					r.pass("WhatsApp", "configured")
				}
				if !cfg.API.Enabled {
					r.warn("WhatsApp webhook", "api.enabled is false; inbound messages cannot arrive")
				}
			}

			if cfg.API.Enabled {
				if err := checkPort(cfg.API.Addr()); err != nil {
					r.warn("API port", fmt.Sprintf("%s may be in use: %v", cfg.API.Addr(), err))
				} else {
					r.pass("API port", cfg.API.Addr()+" available")
				}
				if cfg.API.APIKey == "" {
					r.warn("API auth", "api.apiKey empty: /api is unauthenticated")
				}
			}

			if nc := cfg.Events.NATS; nc.Enabled {
				conn, err := bus.ConnectNATS(nc.URL, logger)
				if err != nil {
					r.fail("NATS", err.Error())
				} else {
					conn.Close()
					r.pass("NATS", nc.URL)
				}
			}

			return r.finish()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) finish() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

// checkDatabase opens the store, which runs migrations, and reports the
// schema version.
func checkDatabase(dbPath string) (int, error) {
	st, err := store.NewSQLiteStore(config.ExpandPath(dbPath), logger)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	return store.GetSchemaVersion(st.DB())
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
