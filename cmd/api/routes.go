package main

import (
	"net/http"

	"callbridge/internal/auth"
	"callbridge/internal/config"
	"callbridge/internal/dialer"
	"callbridge/internal/httpapi"
	"callbridge/internal/notify"
	"callbridge/internal/rbac"
	"callbridge/internal/reconcile"
	"callbridge/internal/reporting"
	"callbridge/internal/session"
	"callbridge/internal/telephony"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	cfg     config.Config
	auth    *auth.Manager
	calls   *dialer.Service
	reports *reporting.Service
	rec     *reconcile.Reconciler
	bridge  *session.Bridge
	stream  *notify.Stream
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Provider webhooks (public, signature-checked).
	{
		h := telephony.StatusWebhookHandler{
			Sink:          d.rec,
			PublicBaseURL: d.cfg.App.PublicBaseURL,
		}
		if d.cfg.UseTwilio() && d.cfg.Twilio.ValidateSignature {
			h.Validator = telephony.NewSignatureValidator(d.cfg.Twilio.AuthToken)
		}
		r.POST("/webhooks/twilio/status", h.HandleStatus)
	}
	if d.cfg.LiveKit.APIKey != "" && d.cfg.LiveKit.APISecret != "" {
		h := session.WebhookHandler{
			Bridge: d.bridge,
			Keys:   session.NewKeyProvider(d.cfg.LiveKit.APIKey, d.cfg.LiveKit.APISecret),
		}
		r.POST("/webhooks/livekit", h.Handle)
	}

	h := httpapi.Handlers{Auth: d.auth, Calls: d.calls, Reports: d.reports}

	// AUTH routes (token issuance).
	authGroup := r.Group("/v1/auth")
	{
		authGroup.POST("/login", h.Login)
		authGroup.POST("/refresh", h.Refresh)
	}

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(d.auth), rbac.RequireOperator())
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
		})

		// CALLS routes
		read := v1.Group("/calls", rbac.RequireAnyRole(rbac.CallViewers...))
		{
			read.GET("", h.ListActiveCalls)
			read.GET("/summary", h.CallsSummary)
			read.GET("/events", d.stream.ServeWS)
			read.GET("/:conversation_id", h.GetCall)
		}
		write := v1.Group("/calls", rbac.RequireAnyRole(rbac.CallOperators...))
		{
			write.POST("", h.RequestCall)
			write.POST("/:conversation_id/end", h.EndCall)
		}
	}
}
