package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"convpipe/internal/domain"
)

const defaultCooldown = 30 * time.Second

// Failover answers from the first provider in the chain that works. A member
// that fails transiently sits out a cooldown so later replies do not wait on
// it again; a request the provider rejected as malformed ends the chain, since
// every member receives the same prompt.
type Failover struct {
	members  []*member
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type member struct {
	provider domain.Provider

	mu        sync.Mutex
	downUntil time.Time
	failures  int
}

// FailoverConfig configures a Failover chain.
type FailoverConfig struct {
	Providers []domain.Provider
	// Cooldown is how long a transiently failing member is skipped.
	Cooldown time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// NewFailover builds a chain tried in the order given.
func NewFailover(cfg FailoverConfig) *Failover {
	f := &Failover{
		cooldown: cfg.Cooldown,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	for _, p := range cfg.Providers {
		f.members = append(f.members, &member{provider: p})
	}
	if f.cooldown <= 0 {
		f.cooldown = defaultCooldown
	}
	if f.now == nil {
		f.now = time.Now
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

func (f *Failover) Name() string {
	names := make([]string, len(f.members))
	for i, m := range f.members {
		names[i] = m.provider.Name()
	}
	return "failover(" + strings.Join(names, ",") + ")"
}

func (f *Failover) Models() []string {
	var all []string
	seen := make(map[string]bool)
	for _, m := range f.members {
		for _, model := range m.provider.Models() {
			if !seen[model] {
				seen[model] = true
				all = append(all, model)
			}
		}
	}
	return all
}

// Healthy succeeds when any member answers its health check.
func (f *Failover) Healthy(ctx context.Context) error {
	var errs []error
	for _, m := range f.members {
		err := m.provider.Healthy(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.provider.Name(), err))
	}
	return fmt.Errorf("no healthy provider: %w", errors.Join(errs...))
}

// Chat tries members in order, skipping those cooling down. When every member
// is cooling down the whole chain is tried anyway.
func (f *Failover) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if len(f.members) == 0 {
		return nil, errors.New("failover chain is empty")
	}
	order := f.available()

	var lastErr error
	for pos, m := range order {
		name := m.provider.Name()
		resp, err := m.provider.Chat(ctx, req)
		if err == nil {
			if m.recover() {
				f.logger.Info("provider recovered", "provider", name)
			}
			if pos > 0 {
				f.logger.Info("reply served by fallback provider", "provider", name, "position", pos+1)
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if RequestRejected(err) {
			f.logger.Warn("provider rejected the request, not trying other providers",
				"provider", name,
				"status", statusCode(err),
				"err", err,
			)
			return nil, err
		}

		until := m.fail(f.now().Add(f.cooldown))
		f.logger.Warn("provider failed, trying next",
			"provider", name,
			"position", pos+1,
			"status", statusCode(err),
			"cooldown_until", until,
			"err", err,
		)
	}
	return nil, fmt.Errorf("all %d providers failed: %w", len(order), lastErr)
}

// available returns members not cooling down, or every member when all are.
func (f *Failover) available() []*member {
	now := f.now()
	var up []*member
	for _, m := range f.members {
		if m.upAt(now) {
			up = append(up, m)
		}
	}
	if len(up) == 0 {
		return f.members
	}
	return up
}

func (m *member) upAt(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !now.Before(m.downUntil)
}

func (m *member) fail(until time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	m.downUntil = until
	return until
}

// recover clears the failure state and reports whether there was any.
func (m *member) recover() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	had := m.failures > 0
	m.failures = 0
	m.downUntil = time.Time{}
	return had
}

// RequestRejected reports whether a provider refused the request itself
// (400, 413, 422). Auth and not-found answers are specific to one provider's
// configuration and do not count.
func RequestRejected(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
