package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"convpipe/internal/domain"
)

const (
	whatsappDefaultBase = "https://graph.facebook.com/v21.0"
	whatsappMaxBody     = 1 << 20
)

// WhatsApp is a transport over the WhatsApp Business Cloud API. Sends go to
// the Graph API; inbound messages arrive on a signed webhook and are
// published as "whatsapp:<phone>".
type WhatsApp struct {
	apiBase       string
	accessToken   string
	appSecret     string
	verifyToken   string
	phoneNumberID string
	tenant        string
	client        *http.Client

	mu     sync.Mutex
	bus    domain.MessageBus
	logger *slog.Logger
}

type WhatsAppConfig struct {
	APIBase       string
	AccessToken   string
	AppSecret     string // empty disables signature checks
	VerifyToken   string
	PhoneNumberID string
	Tenant        string
	Client        *http.Client
	Logger        *slog.Logger
}

func NewWhatsApp(cfg WhatsAppConfig) *WhatsApp {
	if cfg.APIBase == "" {
		cfg.APIBase = whatsappDefaultBase
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WhatsApp{
		apiBase:       cfg.APIBase,
		accessToken:   cfg.AccessToken,
		appSecret:     cfg.AppSecret,
		verifyToken:   cfg.VerifyToken,
		phoneNumberID: cfg.PhoneNumberID,
		tenant:        cfg.Tenant,
		client:        cfg.Client,
		logger:        cfg.Logger,
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

// Start attaches the bus the webhook publishes to and blocks until ctx is done.
func (w *WhatsApp) Start(ctx context.Context, bus domain.MessageBus) error {
	w.mu.Lock()
	w.bus = bus
	w.mu.Unlock()
	w.logger.Info("whatsapp channel ready", "phone_number_id", w.phoneNumberID)
	<-ctx.Done()
	return nil
}

func (w *WhatsApp) Stop() error { return nil }

// RegisterRoutes mounts the verification and delivery endpoints at path.
func (w *WhatsApp) RegisterRoutes(r gin.IRouter, path string) {
	r.GET(path, w.Verify)
	r.POST(path, w.Receive)
}

// Verify answers the Graph API subscription challenge.
func (w *WhatsApp) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && w.verifyToken != "" && token == w.verifyToken {
		w.logger.Info("whatsapp webhook verified")
		c.String(http.StatusOK, challenge)
		return
	}
	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	c.AbortWithStatus(http.StatusForbidden)
}

// Receive handles a webhook delivery. Only text messages are published;
// status callbacks and media are acknowledged and ignored.
func (w *WhatsApp) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, whatsappMaxBody))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	if w.appSecret != "" && !VerifySignature(body, w.appSecret, c.GetHeader("X-Hub-Signature-256")) {
		w.logger.Warn("whatsapp invalid signature")
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp bad payload", "err", err)
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	bus := w.bus
	w.mu.Unlock()
	if bus == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "channel not started"})
		return
	}

	published := 0
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || msg.Text == nil {
					continue
				}
				w.logger.Info("whatsapp message received", "from", msg.From, "text_len", len(msg.Text.Body))
				bus.Publish(domain.InboundEvent{
					Tenant:      w.tenant,
					Channel:     w.Name(),
					Counterpart: Address(w.Name(), msg.From),
					Body:        msg.Text.Body,
					ExternalID:  msg.ID,
					Timestamp:   msg.time(),
				})
				published++
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"received": published})
}

// Send delivers a text message via the Cloud API.
func (w *WhatsApp) Send(ctx context.Context, counterpart, content string) (domain.DeliveryReceipt, error) {
	url := fmt.Sprintf("%s/%s/messages", w.apiBase, w.phoneNumberID)

	body, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                counterpart,
		"type":              "text",
		"text":              map[string]string{"body": content},
	})
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.accessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return domain.DeliveryReceipt{}, fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return domain.DeliveryReceipt{}, fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}

	var out waSendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		w.logger.Debug("whatsapp send response not decoded", "err", err)
	}
	receipt := domain.DeliveryReceipt{Transport: w.Name(), SentAt: time.Now()}
	if len(out.Messages) > 0 {
		receipt.MessageID = out.Messages[0].ID
	}
	return receipt, nil
}

// --- WhatsApp webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []waMessage `json:"messages"`
}

type waMessage struct {
	From      string  `json:"from"`
	ID        string  `json:"id"`
	Timestamp string  `json:"timestamp"` // unix seconds as a string
	Type      string  `json:"type"`
	Text      *waText `json:"text,omitempty"`
}

func (m waMessage) time() time.Time {
	if sec, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil && sec > 0 {
		return time.Unix(sec, 0)
	}
	return time.Now()
}

type waText struct {
	Body string `json:"body"`
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}
