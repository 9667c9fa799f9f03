// Package api assembles the orchestrator's HTTP surface.
package api

import (
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/orrn/weighprint/internal/api/handlers"
	"github.com/orrn/weighprint/internal/api/middleware"
	"github.com/orrn/weighprint/internal/webhook"
)

type Deps struct {
	Jobs     handlers.JobService
	Machines handlers.MachineLister
	Webhooks *webhook.WebhookSender
	Auth     *middleware.AuthMiddleware
	Checks   map[string]handlers.Check
	Logger   log.FieldLogger
}

// NewRouter mounts every route under /api, plus /healthz at the root.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(d.Logger))

	health := handlers.NewHealthHandler(d.Checks)
	handlers.RegisterHealthRoutes(r, health)

	public := r.Group("/api")
	protected := r.Group("/api", d.Auth.RequireAuth())

	handlers.RegisterPrintJobRoutes(protected, public, handlers.NewPrintJobHandler(d.Jobs))
	handlers.RegisterMachineRoutes(protected, handlers.NewMachineHandler(d.Machines))
	if d.Webhooks != nil {
		handlers.RegisterWebhookRoutes(protected, handlers.NewWebhookHandler(d.Webhooks))
	}

	return r
}
