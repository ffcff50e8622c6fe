// Package scheduler durably schedules future outbound messages and drives
// them through a retry state machine until they are sent or exhausted.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"convpipe/internal/bus"
	"convpipe/internal/domain"
	"convpipe/internal/lock"
	"convpipe/internal/retry"
)

const (
	defaultPollInterval   = 30 * time.Second
	defaultBatchSize      = 50
	defaultRetryBatchSize = 25
	defaultRetryDelay     = 15 * time.Minute
	defaultSendTimeout    = 30 * time.Second
	defaultGenTimeout     = 60 * time.Second
	defaultLockWait       = 5 * time.Second
)

// ContextBuilder renders conversation context for generated messages.
type ContextBuilder interface {
	BuildContext(ctx context.Context, convID string) (string, error)
}

// Scheduler is the only writer of scheduled message status fields.
type Scheduler struct {
	store     domain.ScheduleStore
	convs     domain.ConversationStore
	context   ContextBuilder
	responder domain.Responder
	transport domain.Transport
	locks     *lock.Registry
	events    bus.Emitter

	pollInterval   time.Duration
	batchSize      int
	retryBatchSize int
	policy         retry.Policy
	sendTimeout    time.Duration
	genTimeout     time.Duration
	lockWait       time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}

	now    func() time.Time
	logger *slog.Logger
}

// Config configures a Scheduler.
type Config struct {
	Store         domain.ScheduleStore
	Conversations domain.ConversationStore
	Context       ContextBuilder
	Responder     domain.Responder
	Transport     domain.Transport
	Locks         *lock.Registry
	Events        bus.Emitter

	PollInterval   time.Duration
	BatchSize      int
	RetryBatchSize int
	MaxRetries     int
	RetryDelay     time.Duration
	// Backoff overrides the constant RetryDelay between failed attempts.
	Backoff           func(n int) time.Duration
	SendTimeout       time.Duration
	GenerationTimeout time.Duration
	// LockWait bounds how long one delivery waits for a counterpart busy with
	// a live reply; the record is left for the next poll.
	LockWait time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		store:          cfg.Store,
		convs:          cfg.Conversations,
		context:        cfg.Context,
		responder:      cfg.Responder,
		transport:      cfg.Transport,
		locks:          cfg.Locks,
		events:         cfg.Events,
		pollInterval:   cfg.PollInterval,
		batchSize:      cfg.BatchSize,
		retryBatchSize: cfg.RetryBatchSize,
		sendTimeout:    cfg.SendTimeout,
		genTimeout:     cfg.GenerationTimeout,
		lockWait:       cfg.LockWait,
		inFlight:       make(map[string]struct{}),
		now:            cfg.Now,
		logger:         cfg.Logger,
	}
	if s.locks == nil {
		s.locks = lock.NewRegistry()
	}
	if s.events == nil {
		s.events = bus.Nop{}
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.retryBatchSize <= 0 {
		s.retryBatchSize = defaultRetryBatchSize
	}
	s.policy = retry.Policy{MaxAttempts: cfg.MaxRetries, Backoff: cfg.Backoff}
	if s.policy.MaxAttempts <= 0 {
		s.policy.MaxAttempts = domain.DefaultMaxRetries
	}
	if s.policy.Backoff == nil {
		delay := cfg.RetryDelay
		if delay <= 0 {
			delay = defaultRetryDelay
		}
		s.policy.Backoff = retry.Constant(delay)
	}
	if s.lockWait <= 0 {
		s.lockWait = defaultLockWait
	}
	if s.sendTimeout <= 0 {
		s.sendTimeout = defaultSendTimeout
	}
	if s.genTimeout <= 0 {
		s.genTimeout = defaultGenTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Schedule creates a pending record. scheduledFor must be in the future and
// at least one of content or generation context must be set.
func (s *Scheduler) Schedule(ctx context.Context, req domain.ScheduleRequest) (*domain.ScheduledMessage, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if req.Kind == "" {
		req.Kind = domain.KindCustom
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.policy.MaxAttempts
	}

	convID := req.ConversationID
	if convID == "" && s.convs != nil {
		conv, err := s.convs.FindOrCreate(ctx, req.Tenant, req.CounterpartAddress)
		if err != nil {
			return nil, fmt.Errorf("resolve conversation: %w", err)
		}
		convID = conv.ID
	}

	m := &domain.ScheduledMessage{
		ConversationID:     convID,
		CounterpartAddress: req.CounterpartAddress,
		Tenant:             req.Tenant,
		Kind:               req.Kind,
		Content:            strings.TrimSpace(req.Content),
		GenerationContext:  strings.TrimSpace(req.GenerationContext),
		ScheduledFor:       req.ScheduledFor.UTC(),
		TriggerEvent:       req.TriggerEvent,
		Status:             domain.StatusPending,
		MaxRetries:         maxRetries,
	}
	if err := s.store.CreateScheduled(ctx, m); err != nil {
		return nil, err
	}

	s.logger.Info("message scheduled",
		"id", m.ID,
		"tenant", m.Tenant,
		"counterpart", m.CounterpartAddress,
		"kind", m.Kind,
		"scheduled_for", m.ScheduledFor,
	)
	s.events.Emit(bus.Event{
		Type:   bus.EventScheduledCreated,
		Source: "scheduler",
		Payload: map[string]any{
			"id":            m.ID,
			"kind":          m.Kind,
			"counterpart":   m.CounterpartAddress,
			"scheduled_for": m.ScheduledFor,
		},
	})
	return m, nil
}

func (s *Scheduler) validate(req domain.ScheduleRequest) error {
	var problems []string
	if strings.TrimSpace(req.Tenant) == "" {
		problems = append(problems, "tenant is required")
	}
	if strings.TrimSpace(req.CounterpartAddress) == "" {
		problems = append(problems, "counterpart is required")
	}
	if !req.ScheduledFor.After(s.now()) {
		problems = append(problems, "scheduledFor must be in the future")
	}
	if strings.TrimSpace(req.Content) == "" && strings.TrimSpace(req.GenerationContext) == "" {
		problems = append(problems, "content or generation context is required")
	}
	if req.MaxRetries < 0 {
		problems = append(problems, "maxRetries must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidSchedule, strings.Join(problems, "; "))
	}
	return nil
}

// Cancel terminalizes records matching req that have not been sent. Records
// with a send attempt in progress are left alone. Cancelling nothing is not
// an error.
func (s *Scheduler) Cancel(ctx context.Context, req domain.CancelRequest) (int, error) {
	if req.ID == "" && req.Counterpart == "" {
		return 0, fmt.Errorf("%w: cancel needs an id or a counterpart", domain.ErrInvalidSchedule)
	}
	// Holding mu keeps a delivery from starting between the in-flight
	// snapshot and the store update.
	s.mu.Lock()
	n, err := s.store.CancelScheduled(ctx, domain.ScheduleFilter{
		ID:          req.ID,
		Tenant:      req.Tenant,
		Counterpart: req.Counterpart,
		Kind:        req.Kind,
	}, s.inFlightLocked())
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("scheduled messages cancelled",
			"id", req.ID,
			"counterpart", req.Counterpart,
			"kind", req.Kind,
			"count", n,
		)
		s.events.Emit(bus.Event{
			Type:    bus.EventScheduledCancelled,
			Source:  "scheduler",
			Payload: map[string]any{"id": req.ID, "counterpart": req.Counterpart, "kind": req.Kind, "count": n},
		})
	}
	return n, nil
}

// List returns scheduled messages matching f.
func (s *Scheduler) List(ctx context.Context, f domain.ScheduleFilter) ([]domain.ScheduledMessage, error) {
	return s.store.ListScheduled(ctx, f)
}

// Stats counts records per state for tenant ("" for all tenants).
func (s *Scheduler) Stats(ctx context.Context, tenant string) (domain.ScheduleStats, error) {
	return s.store.ScheduledStats(ctx, tenant)
}

func (s *Scheduler) inFlightLocked() []string {
	ids := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	return ids
}

func (s *Scheduler) markInFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) clearInFlight(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}
