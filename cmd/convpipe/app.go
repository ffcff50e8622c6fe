package main

import (
	"fmt"

	"convpipe/internal/bus"
	"convpipe/internal/channel"
	"convpipe/internal/config"
	"convpipe/internal/lock"
	"convpipe/internal/orchestrator"
	"convpipe/internal/pipeline"
	"convpipe/internal/provider"
	"convpipe/internal/responder"
	"convpipe/internal/scheduler"
	"convpipe/internal/store"
	"convpipe/internal/summarizer"
)

// app is the wired pipeline shared by serve and chat.
type app struct {
	cfg          *config.Config
	store        *store.SQLiteStore
	events       *bus.EventBus
	inbound      *bus.InMemoryBus
	router       *channel.Router
	responder    *responder.LLM
	summarizer   *summarizer.Summarizer
	scheduler    *scheduler.Scheduler
	orchestrator *orchestrator.Orchestrator
	pipeline     *pipeline.Inbound
}

// openStore opens the SQLite database named by the config.
func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(config.ExpandPath(cfg.Store.DBPath), logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return st, nil
}

// buildResponder builds the LLM responder over the configured provider
// chain.
func buildResponder(cfg *config.Config) (*responder.LLM, error) {
	prov, err := provider.NewFactory(cfg, logger).Build()
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}
	pc := cfg.Providers[cfg.General.DefaultProvider]
	return responder.New(responder.Config{
		Provider:    prov,
		Persona:     cfg.General.Persona,
		Model:       pc.DefaultModel,
		Temperature: pc.Temperature,
		MaxTokens:   pc.MaxTokens,
		Logger:      logger,
	}), nil
}

func newSummarizer(cfg *config.Config, st *store.SQLiteStore, r *responder.LLM) *summarizer.Summarizer {
	s := cfg.Summary
	return summarizer.New(summarizer.Config{
		Store:              st,
		Responder:          r,
		Threshold:          s.Threshold,
		TailMessages:       s.TailMessages,
		ChunkTrigger:       s.ChunkTrigger,
		ChunkSize:          s.ChunkSize,
		PersistEveryChunks: s.PersistEveryChunks,
		ConflictRetries:    s.ConflictRetries,
		ConflictBackoff:    s.ConflictBackoff(),
		Logger:             logger,
	})
}

// buildApp wires store, responder, summarizer, scheduler, orchestrator and
// the inbound pipeline. Transports are registered on a.router by the caller.
func buildApp(cfg *config.Config) (*app, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	r, err := buildResponder(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		store:     st,
		events:    bus.NewEventBus(logger),
		inbound:   bus.New(256, logger),
		router:    channel.NewRouter(),
		responder: r,
	}
	locks := lock.NewRegistry()
	a.summarizer = newSummarizer(cfg, st, r)

	sc := cfg.Scheduler
	a.scheduler = scheduler.New(scheduler.Config{
		Store:          st,
		Conversations:  st,
		Context:        a.summarizer,
		Responder:      r,
		Transport:      a.router,
		Locks:          locks,
		Events:         a.events,
		PollInterval:   sc.PollInterval(),
		BatchSize:      sc.BatchSize,
		RetryBatchSize: sc.RetryBatchSize,
		MaxRetries:     sc.MaxRetries,
		RetryDelay:     sc.RetryDelay(),
		SendTimeout:    sc.SendTimeout(),
		Logger:         logger,
	})

	rc := cfg.Reply
	a.orchestrator = orchestrator.New(orchestrator.Config{
		Store:              st,
		Summarizer:         a.summarizer,
		Responder:          r,
		Transport:          a.router,
		Locks:              locks,
		FollowUps:          a.scheduler,
		Events:             a.events,
		MaxAttempts:        rc.MaxAttempts,
		BackoffBase:        rc.BackoffBase(),
		ReplyTimeout:       rc.Timeout(),
		SendTimeout:        sc.SendTimeout(),
		HandoffMessage:     rc.HandoffMessage,
		FollowUpDelay:      rc.FollowUp.Delay(),
		FollowUpMaxRetries: rc.FollowUp.MaxRetries,
		Logger:             logger,
	})

	a.pipeline = pipeline.New(pipeline.Config{
		Store:         st,
		Handler:       a.orchestrator,
		FollowUps:     a.scheduler,
		Observer:      a.orchestrator,
		Events:        a.events,
		DefaultTenant: cfg.General.Tenant,
		QuietWindow:   cfg.Debounce.QuietWindow(),
		Logger:        logger,
	})
	return a, nil
}

// setDefaultTransport applies channels.default, keeping the first
// registered transport when the configured one is not available.
func (a *app) setDefaultTransport() {
	if a.cfg.Channels.Default == "" {
		return
	}
	if err := a.router.SetDefault(a.cfg.Channels.Default); err != nil {
		logger.Warn("default channel unavailable", "channel", a.cfg.Channels.Default, "err", err)
	}
}

// Close stops the debouncer, drains nothing further and closes the store.
func (a *app) Close() {
	a.pipeline.Stop()
	a.inbound.Close()
	if err := a.store.Close(); err != nil {
		logger.Warn("store close", "err", err)
	}
}
