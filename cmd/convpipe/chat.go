package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"convpipe/internal/channel"
)

func chatCmd() *cobra.Command {
	var (
		quiet       int
		counterpart string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the pipeline from the terminal",
		Long: `Runs the full pipeline with the console as the only transport: your lines are
inbound messages, replies are printed after the quiet window. Useful for trying a
persona or provider before connecting a real channel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			logClose, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer logClose.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if quiet > 0 {
				cfg.Debounce.QuietWindowSeconds = quiet
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			console := channel.NewConsole(channel.ConsoleConfig{
				Counterpart: counterpart,
				Tenant:      cfg.General.Tenant,
				Logger:      logger,
			})
			a.router.Register(console)

			go a.pipeline.Run(ctx, a.inbound)
			if cfg.Scheduler.Enabled {
				go a.scheduler.Run(ctx)
			}
			return console.Start(ctx, a.inbound)
		},
	}
	cmd.Flags().IntVar(&quiet, "quiet", 0, "override debounce.quietWindowSeconds")
	cmd.Flags().StringVar(&counterpart, "as", "local", "console counterpart id")
	return cmd
}
