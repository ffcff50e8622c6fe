package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convpipe/internal/channel"
	"convpipe/internal/domain"
	"convpipe/internal/scheduler"
	"convpipe/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeOperator struct {
	mu      sync.Mutex
	enabled map[string]bool
	sent    []string
}

func (f *fakeOperator) OperatorSend(ctx context.Context, convID, operator, body string) (domain.Message, error) {
	if convID == "missing" {
		return domain.Message{}, fmt.Errorf("conversation %s: %w", convID, domain.ErrNotFound)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, operator+":"+body)
	return domain.Message{ConversationID: convID, Direction: domain.Outbound, Body: body, SentBy: domain.SentByOperator + ":" + operator}, nil
}

func (f *fakeOperator) SetResponderEnabled(ctx context.Context, convID string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[convID] = enabled
	return nil
}

type fakeContext struct{}

func (fakeContext) BuildContext(ctx context.Context, convID string) (string, error) {
	return "Summary: booked a table\nuser: thanks", nil
}

type fakeTenants struct{}

func (fakeTenants) SummarizeTenant(ctx context.Context, tenant string) (*domain.TenantSummary, error) {
	return &domain.TenantSummary{Tenant: tenant, Text: "mostly bookings", ConversationsCovered: 2}, nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.InboundEvent
}

func (b *recordingBus) Publish(evt domain.InboundEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}
func (b *recordingBus) Subscribe() <-chan domain.InboundEvent { return nil }
func (b *recordingBus) Close()                                {}

type fixture struct {
	srv   *Server
	store *store.SQLiteStore
	op    *fakeOperator
	bus   *recordingBus
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sched := scheduler.New(scheduler.Config{Store: st, Conversations: st, Logger: testLogger()})
	f := &fixture{store: st, op: &fakeOperator{enabled: map[string]bool{}}, bus: &recordingBus{}}
	f.srv = New(Config{
		APIKey:        apiKey,
		InboundSecret: "hook-secret",
		DefaultTenant: "acme",
		MetricsPath:   "/metrics",
		Scheduler:     sched,
		Operator:      f.op,
		Context:       fakeContext{},
		Tenants:       fakeTenants{},
		Conversations: st,
		Inbound:       f.bus,
		Logger:        testLogger(),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, "secret")

	rr := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)

	rr = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "convpipe_")
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t, "secret")

	rr := f.do(t, http.MethodGet, "/api/scheduled", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/scheduled", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/scheduled", nil, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/scheduled?token=secret", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestScheduleListStatsCancel(t *testing.T) {
	f := newFixture(t, "")

	rr := f.do(t, http.MethodPost, "/api/scheduled", map[string]any{
		"counterpart_address": "whatsapp:+15551234",
		"kind":                domain.KindReminder,
		"content":             "Your table is booked for 7pm",
		"scheduled_for":       time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[domain.ScheduledMessage](t, rr)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "acme", created.Tenant, "default tenant applies")
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.NotEmpty(t, created.ConversationID)

	rr = f.do(t, http.MethodPost, "/api/scheduled", map[string]any{
		"counterpart_address": "whatsapp:+15551234",
		"kind":                domain.KindFollowUp,
		"generation_context":  "check whether they still want the booking",
		"delay_seconds":       600,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/api/scheduled?kind=reminder", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Items []domain.ScheduledMessage `json:"items"`
		Count int                       `json:"count"`
	}](t, rr)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, created.ID, list.Items[0].ID)

	rr = f.do(t, http.MethodGet, "/api/scheduled/stats?tenant=acme", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, decode[domain.ScheduleStats](t, rr).Pending)

	rr = f.do(t, http.MethodDelete, "/api/scheduled/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"cancelled":1}`, rr.Body.String())

	rr = f.do(t, http.MethodPost, "/api/scheduled/cancel", domain.CancelRequest{
		Tenant: "acme", Counterpart: "whatsapp:+15551234", Kind: domain.KindFollowUp,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"cancelled":1}`, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/api/scheduled/stats", nil)
	stats := decode[domain.ScheduleStats](t, rr)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 2, stats.Cancelled)
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t, "")

	rr := f.do(t, http.MethodPost, "/api/scheduled", map[string]any{
		"counterpart_address": "telegram:1",
		"content":             "too late",
		"scheduled_for":       time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "future")

	rr = f.do(t, http.MethodPost, "/api/scheduled/cancel", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/scheduled?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestConversationRoutes(t *testing.T) {
	f := newFixture(t, "")
	conv, err := f.store.FindOrCreate(context.Background(), "acme", "telegram:42")
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/api/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "telegram:42", decode[domain.Conversation](t, rr).CounterpartAddress)

	rr = f.do(t, http.MethodGet, "/api/conversations/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodPut, "/api/conversations/"+conv.ID+"/responder", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, f.op.enabled[conv.ID])

	rr = f.do(t, http.MethodPut, "/api/conversations/"+conv.ID+"/responder", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", map[string]any{"operator": "dana", "text": "I'll handle this"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"dana:I'll handle this"}, f.op.sent)

	rr = f.do(t, http.MethodPost, "/api/conversations/missing/messages", map[string]any{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/conversations/"+conv.ID+"/context", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "booked a table")

	rr = f.do(t, http.MethodPost, "/api/tenants/acme/summary", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "mostly bookings", decode[domain.TenantSummary](t, rr).Text)
}

func TestInboundWebhook(t *testing.T) {
	f := newFixture(t, "secret")
	body := []byte(`{"tenant":"acme","counterpart":"sms:+1555","content":"still open?"}`)

	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/inbound", bytes.NewReader(body))
		if sig != "" {
			req.Header.Set("X-Signature-256", sig)
		}
		rr := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusUnauthorized, post("").Code)
	assert.Equal(t, http.StatusForbidden, post("sha256=00").Code)

	rr := post(channel.Sign(body, "hook-secret"))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	require.Len(t, f.bus.events, 1)
	evt := f.bus.events[0]
	assert.Equal(t, "sms", evt.Channel)
	assert.Equal(t, "sms:+1555", evt.Counterpart)
	assert.Equal(t, "still open?", evt.Body)
}
