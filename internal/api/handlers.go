package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"convpipe/internal/channel"
	"convpipe/internal/domain"
	"convpipe/internal/metrics"
)

const maxInboundBody = 1 << 20

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(metrics.Collector.Uptime().Seconds()),
	})
}

// scheduleBody is ScheduleRequest plus a relative delay for callers that
// do not want to compute absolute times.
type scheduleBody struct {
	domain.ScheduleRequest
	DelaySeconds int `json:"delay_seconds,omitempty"`
}

func (s *Server) schedule(c *gin.Context) {
	var body scheduleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	req := body.ScheduleRequest
	if req.Tenant == "" {
		req.Tenant = s.cfg.DefaultTenant
	}
	if req.ScheduledFor.IsZero() && body.DelaySeconds > 0 {
		req.ScheduledFor = time.Now().Add(time.Duration(body.DelaySeconds) * time.Second)
	}
	m, err := s.cfg.Scheduler.Schedule(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) listScheduled(c *gin.Context) {
	f := domain.ScheduleFilter{
		Tenant:      c.Query("tenant"),
		Counterpart: c.Query("counterpart"),
		Kind:        c.Query("kind"),
		Status:      domain.ScheduleStatus(c.Query("status")),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		f.Limit = n
	}
	items, err := s.cfg.Scheduler.List(c.Request.Context(), f)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if items == nil {
		items = []domain.ScheduledMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (s *Server) scheduledStats(c *gin.Context) {
	stats, err := s.cfg.Scheduler.Stats(c.Request.Context(), c.Query("tenant"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) cancelByID(c *gin.Context) {
	n, err := s.cfg.Scheduler.Cancel(c.Request.Context(), domain.CancelRequest{ID: c.Param("id")})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

func (s *Server) cancel(c *gin.Context) {
	var req domain.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	n, err := s.cfg.Scheduler.Cancel(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": n})
}

func (s *Server) getConversation(c *gin.Context) {
	conv, err := s.cfg.Conversations.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) setResponder(c *gin.Context) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "enabled required"})
		return
	}
	if err := s.cfg.Operator.SetResponderEnabled(c.Request.Context(), c.Param("id"), *body.Enabled); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": c.Param("id"), "responder_enabled": *body.Enabled})
}

func (s *Server) operatorSend(c *gin.Context) {
	var body struct {
		Operator string `json:"operator"`
		Text     string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "text required"})
		return
	}
	msg, err := s.cfg.Operator.OperatorSend(c.Request.Context(), c.Param("id"), body.Operator, body.Text)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) conversationContext(c *gin.Context) {
	text, err := s.cfg.Context.BuildContext(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": c.Param("id"), "context": text})
}

func (s *Server) summarizeTenant(c *gin.Context) {
	ts, err := s.cfg.Tenants.SummarizeTenant(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, ts)
}

// inboundPayload is the body of a signed generic inbound delivery from a
// gateway that has no dedicated transport here.
type inboundPayload struct {
	Tenant      string `json:"tenant"`
	Channel     string `json:"channel"`
	Counterpart string `json:"counterpart"`
	Content     string `json:"content"`
	SentBy      string `json:"sent_by"`
	ExternalID  string `json:"external_id"`
}

func (s *Server) inbound(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboundBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	sig := c.GetHeader("X-Signature-256")
	if sig == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing signature"})
		return
	}
	if !channel.VerifySignature(body, s.cfg.InboundSecret, sig) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return
	}

	var p inboundPayload
	if err := json.Unmarshal(body, &p); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(p.Content) == "" || strings.TrimSpace(p.Counterpart) == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "counterpart and content are required"})
		return
	}
	if p.Channel == "" {
		p.Channel, _ = channel.SplitAddress(p.Counterpart)
	}
	if p.Channel == "" {
		p.Channel = "webhook"
	}

	s.logger.Info("inbound webhook received",
		"channel", p.Channel,
		"counterpart", p.Counterpart,
		"content_len", len(p.Content),
	)
	s.cfg.Inbound.Publish(domain.InboundEvent{
		Tenant:      p.Tenant,
		Channel:     p.Channel,
		Counterpart: p.Counterpart,
		Body:        p.Content,
		SentBy:      p.SentBy,
		ExternalID:  p.ExternalID,
		Timestamp:   time.Now(),
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
