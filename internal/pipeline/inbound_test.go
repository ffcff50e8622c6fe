package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"convpipe/internal/bus"
	"convpipe/internal/domain"
	"convpipe/internal/orchestrator"
	"convpipe/internal/store"
	"convpipe/internal/summarizer"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type recordingHandler struct {
	mu     sync.Mutex
	bursts []orchestrator.Burst
	done   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 8)}
}

func (h *recordingHandler) HandleBurst(ctx context.Context, b orchestrator.Burst) error {
	h.mu.Lock()
	h.bursts = append(h.bursts, b)
	h.mu.Unlock()
	h.done <- struct{}{}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bursts)
}

type recordingCanceller struct {
	mu   sync.Mutex
	reqs []domain.CancelRequest
}

func (c *recordingCanceller) Cancel(ctx context.Context, req domain.CancelRequest) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, req)
	return 0, nil
}

func inbound(counterpart, body string) domain.InboundEvent {
	return domain.InboundEvent{Tenant: "acme", Channel: "test", Counterpart: counterpart, Body: body}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
	}
}

func TestOnInboundMessage_CoalescesBurst(t *testing.T) {
	st := testStore(t)
	h := newRecordingHandler()
	fu := &recordingCanceller{}
	in := New(Config{Store: st, Handler: h, FollowUps: fu, QuietWindow: 80 * time.Millisecond, Logger: testLogger()})
	defer in.Stop()
	ctx := context.Background()

	for _, body := range []string{"Hi", "are you open tomorrow", "at 3pm?"} {
		if err := in.OnInboundMessage(ctx, inbound("alice", body)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	conv, err := st.FindOrCreate(ctx, "acme", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if conv.MessageCount != 3 {
		t.Errorf("all messages must be stored before the flush, got %d", conv.MessageCount)
	}
	if h.count() != 0 {
		t.Error("flushed inside the quiet window")
	}

	waitFor(t, h.done)
	time.Sleep(120 * time.Millisecond)
	if h.count() != 1 {
		t.Fatalf("expected exactly one burst, got %d", h.count())
	}
	b := h.bursts[0]
	if b.Prompt != "at 3pm?" {
		t.Errorf("prompt = %q, want last message", b.Prompt)
	}
	if len(b.Messages) != 3 || b.Messages[0].Body != "Hi" {
		t.Errorf("unexpected burst messages %+v", b.Messages)
	}
	if b.ConversationID != conv.ID {
		t.Errorf("burst for wrong conversation %q", b.ConversationID)
	}
	if len(fu.reqs) != 3 || fu.reqs[0].Kind != domain.KindFollowUp || fu.reqs[0].Counterpart != "alice" {
		t.Errorf("expected pending follow-ups cancelled on each inbound message, got %+v", fu.reqs)
	}
}

func TestOnInboundMessage_OperatorMessageTakesOver(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	h := newRecordingHandler()
	events := bus.NewEventBus(testLogger())
	var takeovers int
	events.On(bus.EventOperatorTakeover, func(bus.Event) { takeovers++ })
	in := New(Config{Store: st, Handler: h, Events: events, QuietWindow: 30 * time.Millisecond, Logger: testLogger()})
	defer in.Stop()

	evt := inbound("alice", "forwarded from the shop phone")
	evt.SentBy = "operator:sam"
	if err := in.OnInboundMessage(ctx, evt); err != nil {
		t.Fatal(err)
	}
	if in.PendingBursts() != 0 {
		t.Error("operator message must not start a burst")
	}
	conv, _ := st.FindOrCreate(ctx, "acme", "alice")
	if conv.ResponderEnabled {
		t.Error("operator message must disable the responder")
	}
	if takeovers != 1 {
		t.Errorf("expected one takeover event, got %d", takeovers)
	}
	msgs, err := st.ListMessages(ctx, conv.ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Direction != domain.Outbound || msgs[0].SentBy != "operator:sam" {
		t.Fatalf("operator message recorded as %+v", msgs)
	}

	if err := in.OnInboundMessage(ctx, inbound("alice", "thanks!")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(90 * time.Millisecond)
	if h.count() != 0 || in.PendingBursts() != 0 {
		t.Error("no automated reply after an operator took over")
	}
}

func TestOnInboundMessage_OperatorMessageThroughOrchestrator(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	fu := &recordingCanceller{}
	orch := orchestrator.New(orchestrator.Config{
		Store:     st,
		Responder: &failingResponder{},
		Transport: &capturingTransport{},
		FollowUps: &cancelOnlyFollowUps{fu},
		Logger:    testLogger(),
	})
	in := New(Config{Store: st, Handler: orch, Observer: orch, QuietWindow: 20 * time.Millisecond, Logger: testLogger()})
	defer in.Stop()

	evt := inbound("alice", "I'll call you in five minutes")
	evt.SentBy = "operator:console"
	if err := in.OnInboundMessage(ctx, evt); err != nil {
		t.Fatal(err)
	}
	conv, _ := st.FindOrCreate(ctx, "acme", "alice")
	if conv.ResponderEnabled {
		t.Error("responder still enabled after operator message")
	}
	msgs, _ := st.ListMessages(ctx, conv.ID, 0, 0)
	if len(msgs) != 1 || msgs[0].Direction != domain.Outbound {
		t.Fatalf("operator message recorded as %+v", msgs)
	}
	fu.mu.Lock()
	defer fu.mu.Unlock()
	if len(fu.reqs) != 1 || fu.reqs[0].Kind != domain.KindFollowUp {
		t.Errorf("pending follow-ups should be cancelled on takeover, got %+v", fu.reqs)
	}
}

type cancelOnlyFollowUps struct {
	*recordingCanceller
}

func (cancelOnlyFollowUps) Schedule(ctx context.Context, req domain.ScheduleRequest) (*domain.ScheduledMessage, error) {
	return nil, errors.New("not used")
}

func TestOnInboundMessage_DisabledResponderNotDebounced(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	conv, _ := st.FindOrCreate(ctx, "acme", "alice")
	if err := st.SetResponderEnabled(ctx, conv.ID, false); err != nil {
		t.Fatal(err)
	}
	h := newRecordingHandler()
	in := New(Config{Store: st, Handler: h, QuietWindow: 20 * time.Millisecond, Logger: testLogger()})
	defer in.Stop()

	if err := in.OnInboundMessage(ctx, inbound("alice", "hello?")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	if h.count() != 0 || in.PendingBursts() != 0 {
		t.Error("disabled responder must bypass the debouncer")
	}
}

func TestOnInboundMessage_RejectsMissingCounterpart(t *testing.T) {
	in := New(Config{Store: testStore(t), Handler: newRecordingHandler(), Logger: testLogger()})
	defer in.Stop()
	if err := in.OnInboundMessage(context.Background(), domain.InboundEvent{Body: "x"}); err == nil {
		t.Error("expected error")
	}
}

func TestRun_ConsumesBusInOrder(t *testing.T) {
	st := testStore(t)
	h := newRecordingHandler()
	in := New(Config{Store: st, Handler: h, QuietWindow: 30 * time.Millisecond, DefaultTenant: "acme", Logger: testLogger()})
	defer in.Stop()

	b := bus.New(10, testLogger())
	for _, body := range []string{"one", "two", "three"} {
		b.Publish(domain.InboundEvent{Channel: "test", Counterpart: "bob", Body: body})
	}
	b.Close()

	in.Run(context.Background(), b)
	waitFor(t, h.done)

	msgs, err := st.ListMessages(context.Background(), h.bursts[0].ConversationID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, m := range msgs {
		got = append(got, m.Body)
	}
	if strings.Join(got, ",") != "one,two,three" {
		t.Errorf("arrival order not kept: %v", got)
	}
}

type failingResponder struct {
	mu    sync.Mutex
	calls int
}

func (r *failingResponder) Reply(ctx context.Context, prompt string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return "", errors.New("model overloaded")
}

func (r *failingResponder) Summarize(ctx context.Context, req domain.SummaryRequest) (*domain.StructuredSummary, error) {
	return nil, errors.New("model overloaded")
}

type capturingTransport struct {
	mu   sync.Mutex
	sent []string
}

func (c *capturingTransport) Name() string { return "capture" }

func (c *capturingTransport) Send(ctx context.Context, counterpart, content string) (domain.DeliveryReceipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, content)
	return domain.DeliveryReceipt{Transport: "capture", SentAt: time.Now()}, nil
}

func TestResponderExhaustionScenario(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	resp := &failingResponder{}
	tr := &capturingTransport{}
	events := bus.NewEventBus(testLogger())
	handoff := make(chan struct{}, 1)
	events.On(bus.EventReplyHandoff, func(bus.Event) { handoff <- struct{}{} })

	orch := orchestrator.New(orchestrator.Config{
		Store:      st,
		Summarizer: summarizer.New(summarizer.Config{Store: st, Responder: resp, Logger: testLogger()}),
		Responder:  resp,
		Transport:  tr,
		Events:     events,
		Sleep:      func(context.Context, time.Duration) error { return nil },
		Logger:     testLogger(),
	})
	in := New(Config{Store: st, Handler: orch, QuietWindow: 20 * time.Millisecond, Logger: testLogger()})
	defer in.Stop()

	if err := in.OnInboundMessage(ctx, inbound("alice", "hello")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, handoff)

	conv, _ := st.FindOrCreate(ctx, "acme", "alice")
	if conv.ResponderEnabled {
		t.Fatal("responder should be disabled after three failures")
	}
	tr.mu.Lock()
	sent := len(tr.sent)
	tr.mu.Unlock()
	if sent != 1 {
		t.Errorf("expected exactly one hand-off message, got %d", sent)
	}

	if err := in.OnInboundMessage(ctx, inbound("alice", "is anyone there?")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)
	resp.mu.Lock()
	calls := resp.calls
	resp.mu.Unlock()
	if calls != 3 {
		t.Errorf("no automated attempts expected after hand-off, got %d calls", calls)
	}
	if in.PendingBursts() != 0 {
		t.Error("no burst should be pending for a handed-off conversation")
	}
}
