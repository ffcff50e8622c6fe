package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

const waPath = "/webhook/whatsapp"

func newTestWhatsApp(apiBase string) (*WhatsApp, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	w := NewWhatsApp(WhatsAppConfig{
		APIBase:       apiBase,
		AccessToken:   "token",
		AppSecret:     "app-secret",
		VerifyToken:   "verify-me",
		PhoneNumberID: "1234",
		Tenant:        "acme",
		Logger:        testLogger(),
	})
	r := gin.New()
	w.RegisterRoutes(r, waPath)
	return w, r
}

func TestWhatsApp_Verify(t *testing.T) {
	_, r := newTestWhatsApp("")

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, waPath+"?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=abc", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "abc" {
		t.Errorf("verify: code=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, waPath+"?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=abc", nil))
	if rr.Code != http.StatusForbidden {
		t.Errorf("wrong token: expected 403, got %d", rr.Code)
	}
}

const waDelivery = `{
  "object": "whatsapp_business_account",
  "entry": [{"id": "e1", "changes": [{"field": "messages", "value": {
    "messaging_product": "whatsapp",
    "messages": [
      {"from": "15551234", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "Hi there"}},
      {"from": "15551234", "id": "wamid.2", "timestamp": "1700000001", "type": "image"}
    ]
  }}]}]
}`

func TestWhatsApp_Receive(t *testing.T) {
	w, r := newTestWhatsApp("")
	b := newCaptureBus()
	w.bus = b

	req := httptest.NewRequest(http.MethodPost, waPath, strings.NewReader(waDelivery))
	req.Header.Set("X-Hub-Signature-256", Sign([]byte(waDelivery), "app-secret"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	events := b.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 text event, got %d", len(events))
	}
	e := events[0]
	if e.Counterpart != "whatsapp:15551234" || e.Body != "Hi there" || e.Tenant != "acme" || e.ExternalID != "wamid.1" {
		t.Errorf("unexpected event %+v", e)
	}
	if e.Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp = %v", e.Timestamp)
	}
}

func TestWhatsApp_ReceiveRejects(t *testing.T) {
	w, r := newTestWhatsApp("")
	w.bus = newCaptureBus()

	req := httptest.NewRequest(http.MethodPost, waPath, strings.NewReader(waDelivery))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("bad signature: expected 403, got %d", rr.Code)
	}

	body := "not json"
	req = httptest.NewRequest(http.MethodPost, waPath, strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", Sign([]byte(body), "app-secret"))
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad json: expected 400, got %d", rr.Code)
	}
}

func TestWhatsApp_Send(t *testing.T) {
	var got map[string]any
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, path = r.Header.Get("Authorization"), r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.out"}]}`))
	}))
	defer srv.Close()

	wa, _ := newTestWhatsApp(srv.URL)
	rcpt, err := wa.Send(context.Background(), "15551234", "see you at 3")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rcpt.MessageID != "wamid.out" || rcpt.Transport != "whatsapp" {
		t.Errorf("unexpected receipt %+v", rcpt)
	}
	if path != "/1234/messages" || auth != "Bearer token" {
		t.Errorf("path=%q auth=%q", path, auth)
	}
	if got["to"] != "15551234" {
		t.Errorf("to = %v", got["to"])
	}
}

func TestWhatsApp_SendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid token"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	wa, _ := newTestWhatsApp(srv.URL)
	_, err := wa.Send(context.Background(), "15551234", "x")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("expected 401 error, got %v", err)
	}
}
