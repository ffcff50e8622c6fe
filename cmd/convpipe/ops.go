package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"convpipe/internal/config"
	"convpipe/internal/domain"
	"convpipe/internal/scheduler"
)

// The commands below work directly on the database. Cancels from here are
// conditional updates like any other, but they cannot see which records a
// running `serve` has in flight; prefer the API against a live process.

func withScheduler(fn func(ctx context.Context, cfg *config.Config, s *scheduler.Scheduler) error) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	s := scheduler.New(scheduler.Config{
		Store:         st,
		Conversations: st,
		MaxRetries:    cfg.Scheduler.MaxRetries,
		Logger:        logger,
	})
	return fn(context.Background(), cfg, s)
}

func scheduleCmd() *cobra.Command {
	var (
		req domain.ScheduleRequest
		at  string
		in  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a message for later delivery",
		Example: `  convpipe schedule --to whatsapp:+15551234 --in 2h --content "Your table is ready"
  convpipe schedule --to telegram:42 --at 2026-11-01T09:00:00Z --kind nurture --context "ask how the trial is going"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case at != "":
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				req.ScheduledFor = t
			case in > 0:
				req.ScheduledFor = time.Now().Add(in)
			default:
				return fmt.Errorf("one of --at or --in is required")
			}
			return withScheduler(func(ctx context.Context, cfg *config.Config, s *scheduler.Scheduler) error {
				if req.Tenant == "" {
					req.Tenant = cfg.General.Tenant
				}
				m, err := s.Schedule(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.CounterpartAddress, "to", "", "counterpart address, e.g. telegram:42")
	f.StringVar(&req.Tenant, "tenant", "", "tenant (default: general.tenant)")
	f.StringVar(&req.Kind, "kind", domain.KindCustom, "follow_up | reminder | nurture | custom")
	f.StringVar(&req.Content, "content", "", "literal message text")
	f.StringVar(&req.GenerationContext, "context", "", "instructions for generating the text at send time")
	f.StringVar(&req.TriggerEvent, "trigger", "", "trigger event label")
	f.IntVar(&req.MaxRetries, "max-retries", 0, "retry budget (default: scheduler.maxRetries)")
	f.StringVar(&at, "at", "", "absolute send time (RFC3339)")
	f.DurationVar(&in, "in", 0, "relative send time, e.g. 90m")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func cancelCmd() *cobra.Command {
	var req domain.CancelRequest
	cmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel scheduled messages by id, or by counterpart and kind",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				req.ID = args[0]
			}
			return withScheduler(func(ctx context.Context, cfg *config.Config, s *scheduler.Scheduler) error {
				n, err := s.Cancel(ctx, req)
				if err != nil {
					return err
				}
				fmt.Printf("cancelled %d message(s)\n", n)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Counterpart, "to", "", "counterpart address")
	f.StringVar(&req.Tenant, "tenant", "", "tenant")
	f.StringVar(&req.Kind, "kind", "", "only this kind")
	return cmd
}

func listCmd() *cobra.Command {
	var (
		filter domain.ScheduleFilter
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = domain.ScheduleStatus(status)
			return withScheduler(func(ctx context.Context, cfg *config.Config, s *scheduler.Scheduler) error {
				items, err := s.List(ctx, filter)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(items)
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTO\tKIND\tSTATUS\tSCHEDULED FOR\tRETRIES\tERROR")
				for _, m := range items {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
						m.ID, m.CounterpartAddress, m.Kind, m.Status,
						m.ScheduledFor.Local().Format(time.DateTime), m.RetryCount, m.MaxRetries,
						truncate(m.ErrorMessage, 40))
				}
				return tw.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.Tenant, "tenant", "", "tenant")
	f.StringVar(&filter.Counterpart, "to", "", "counterpart address")
	f.StringVar(&filter.Kind, "kind", "", "kind")
	f.StringVar(&status, "status", "", "pending | sent | failed | cancelled")
	f.IntVar(&filter.Limit, "limit", 50, "maximum rows (0 for all)")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func statsCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count scheduled messages per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(func(ctx context.Context, cfg *config.Config, s *scheduler.Scheduler) error {
				st, err := s.Stats(ctx, tenant)
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant (default: all)")
	return cmd
}

func summarizeTenantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summarize-tenant [tenant]",
		Short: "Fold recent conversation summaries into the tenant summary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			tenant := cfg.General.Tenant
			if len(args) == 1 {
				tenant = args[0]
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			r, err := buildResponder(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), tenantSummaryLimit)
			defer cancel()
			ts, err := newSummarizer(cfg, st, r).SummarizeTenant(ctx, tenant)
			if err != nil {
				return err
			}
			return printJSON(ts)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
