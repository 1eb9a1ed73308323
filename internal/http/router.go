// README: HTTP router registration.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"shuttle/internal/access"
	"shuttle/internal/http/handlers"
	"shuttle/internal/http/middleware"
	"shuttle/internal/infra"
	"shuttle/internal/realtime"
)

// Sessions resolves driver profiles for authenticated accounts.
type Sessions interface {
	middleware.DriverResolver
	handlers.SessionInvalidator
}

type RouterDeps struct {
	Log        *zap.Logger
	Verifier   infra.TokenVerifier
	Sessions   Sessions
	Trips      handlers.TripService
	Assignment handlers.AssignmentService
	Drivers    handlers.DriverService
	Checkout   handlers.CheckoutService
	Webhooks   handlers.WebhookParser
	Invites    handlers.InviteService
	Feed       realtime.Feed
	// Health reports whether backing stores are reachable.
	Health func(ctx context.Context) error
}

func NewRouter(d RouterDeps) *gin.Engine {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Recovery(log), middleware.Logging(log), middleware.Metrics())

	r.GET("/health", func(c *gin.Context) {
		if d.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := d.Health(ctx); err != nil {
				c.String(http.StatusServiceUnavailable, "UNAVAILABLE")
				return
			}
		}
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	checkoutHandler := handlers.NewCheckoutHandler(d.Checkout, d.Webhooks, d.Trips)
	r.POST("/api/webhooks/stripe", checkoutHandler.Webhook)

	feedHandler := handlers.NewFeedHandler(d.Feed, d.Verifier, d.Sessions, log)
	r.GET("/api/driver/trips/feed", feedHandler.Serve)

	api := r.Group("/api", middleware.Auth(d.Verifier, d.Sessions))
	tripHandler := handlers.NewTripHandler(d.Trips, d.Assignment)
	driverHandler := handlers.NewDriverHandler(d.Drivers, d.Sessions)
	inviteHandler := handlers.NewInviteHandler(d.Invites)

	api.POST("/checkout/cash", checkoutHandler.Cash)
	api.POST("/checkout/card/intents", checkoutHandler.StartCard)
	api.POST("/checkout/card/confirm", checkoutHandler.ConfirmCard)
	api.GET("/checkout/card/return", checkoutHandler.Return)

	api.GET("/trips", tripHandler.ListMine)
	api.GET("/trips/:id", tripHandler.Get)
	api.GET("/trips/:id/payment", checkoutHandler.TripPayment)
	api.POST("/trips/:id/cancel", tripHandler.Cancel)

	api.POST("/invites/:code/redeem", inviteHandler.Redeem)

	drv := api.Group("/driver", middleware.RequireRole(access.RoleDriver))
	drv.GET("/profile", driverHandler.Profile)
	drv.GET("/documents", driverHandler.Documents)
	drv.POST("/documents", driverHandler.Upload)
	drv.POST("/submit", driverHandler.Submit)
	drv.PUT("/availability", driverHandler.Availability)
	drv.GET("/trips", tripHandler.ListAssigned)
	drv.POST("/trips/:id/acknowledge", tripHandler.Acknowledge)
	drv.POST("/trips/:id/accept", tripHandler.Accept)
	drv.POST("/trips/:id/start", tripHandler.Start)
	drv.POST("/trips/:id/complete", tripHandler.Complete)
	drv.POST("/trips/:id/cancel", tripHandler.Cancel)

	adm := api.Group("/admin", middleware.RequireRole(access.RoleAdmin))
	adm.GET("/trips", tripHandler.List)
	adm.GET("/trips/:id/events", tripHandler.Events)
	adm.POST("/trips/:id/assign", tripHandler.Assign)
	adm.POST("/trips/:id/reassign", tripHandler.Reassign)
	adm.POST("/trips/:id/auto-assign", tripHandler.AutoAssign)
	adm.POST("/trips/:id/unassign", tripHandler.Unassign)
	adm.POST("/trips/:id/status", tripHandler.OverrideStatus)
	adm.POST("/trips/:id/cancel", tripHandler.Cancel)
	adm.GET("/drivers", driverHandler.List)
	adm.GET("/drivers/:id/documents", driverHandler.AdminDocuments)
	adm.POST("/drivers/:id/approve", driverHandler.Approve)
	adm.POST("/drivers/:id/decline", driverHandler.Decline)
	adm.PUT("/drivers/:id/availability", driverHandler.AdminAvailability)
	adm.GET("/drivers/:id/availability", driverHandler.AvailabilityLog)
	adm.POST("/documents/:id/verify", driverHandler.VerifyDocument)
	adm.GET("/invites", inviteHandler.List)
	adm.GET("/invites/:code", inviteHandler.Get)
	adm.POST("/invites", inviteHandler.Create)

	return r
}
