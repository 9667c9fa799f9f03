package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/weighprint/internal/webhook"
)

type WebhookHandler struct {
	sender *webhook.WebhookSender
}

type WebhookResponse struct {
	Index     int      `json:"index"`
	URL       string   `json:"url"`
	Events    []string `json:"events"`
	HasSecret bool     `json:"has_secret"`
}

type TestWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewWebhookHandler(sender *webhook.WebhookSender) *WebhookHandler {
	return &WebhookHandler{sender: sender}
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	targets := h.sender.Targets()
	resp := make([]WebhookResponse, 0, len(targets))
	for i, t := range targets {
		events := t.Events
		if events == nil {
			events = []string{}
		}
		resp = append(resp, WebhookResponse{
			Index:     i,
			URL:       t.URL,
			Events:    events,
			HasSecret: t.Secret != "",
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": resp,
		"stats":    h.sender.Stats(),
	})
}

func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Invalid webhook index",
		})
		return
	}

	if err := h.sender.SendTest(index); err != nil {
		if err == webhook.ErrUnknownTarget {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Webhook not found",
			})
			return
		}
		c.JSON(http.StatusOK, TestWebhookResponse{
			Success: false,
			Message: "Failed to send webhook: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, TestWebhookResponse{Success: true, Message: "Webhook test successful"})
}

func RegisterWebhookRoutes(r *gin.RouterGroup, h *WebhookHandler) {
	r.GET("/webhooks", h.ListWebhooks)
	r.POST("/webhooks/:index/test", h.TestWebhook)
}
