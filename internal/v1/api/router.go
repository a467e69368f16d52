// Package api mounts the HTTP surface: the JWT-guarded management API under
// /api/v1, the API-key internal surface under /internal-api/v1, the
// media-server callback endpoint, and the operational probes. Handlers stay
// thin; every decision lives in the services they call.
package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/ovmeet/backend/internal/v1/auth"
	"github.com/ovmeet/backend/internal/v1/config"
	"github.com/ovmeet/backend/internal/v1/health"
	"github.com/ovmeet/backend/internal/v1/middleware"
	"github.com/ovmeet/backend/internal/v1/ratelimit"
	"github.com/ovmeet/backend/internal/v1/recording"
	"github.com/ovmeet/backend/internal/v1/room"
	"github.com/ovmeet/backend/internal/v1/storage"
	"github.com/ovmeet/backend/internal/v1/webhook"
)

// Deps collects everything the HTTP surface needs.
type Deps struct {
	Config       *config.Config
	Rooms        *room.Service
	Recordings   *recording.Service
	Auth         *auth.Service
	GlobalConfig storage.ConfigRepository
	Dispatcher   *webhook.Dispatcher
	Receiver     *webhook.Receiver
	Limiter      *ratelimit.RateLimiter
	Health       *health.Handler
}

// NewRouter builds the gin engine with every route, guard, and rate-limit
// tier wired in.
func NewRouter(d Deps) *gin.Engine {
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = d.Config.Origins()
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderAPIKey)
	router.Use(cors.New(corsConfig))

	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("ovmeet-backend"))

	rooms := NewRoomsHandler(d.Rooms)
	meetings := NewMeetingsHandler(d.Rooms)
	participants := NewParticipantsHandler(d.Rooms, d.GlobalConfig, false)
	recordings := NewRecordingsHandler(d.Recordings)
	configOps := NewConfigHandler(d.GlobalConfig, d.Dispatcher)
	authOps := NewAuthHandler(d.Auth)

	// The internal surface authenticates with the API key, which already
	// satisfies the join-requires-auth rule.
	internalParticipants := NewParticipantsHandler(d.Rooms, d.GlobalConfig, true)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	router.GET("/health/live", d.Health.Liveness)
	router.GET("/health/ready", d.Health.Readiness)

	// Media-server callbacks authenticate with their own signature scheme,
	// so no rate-limit tier fronts them.
	router.POST("/livekit/webhook", func(c *gin.Context) {
		if err := d.Receiver.Receive(c.Request); err != nil {
			middleware.RenderError(c, err)
			return
		}
		c.Status(http.StatusOK)
	})

	v1 := router.Group("/api/v1")
	{
		// Credential endpoints sit in front of the JWT guard, budgeted per IP.
		authRoutes := v1.Group("/auth", d.Limiter.PublicMiddleware())
		{
			authRoutes.POST("/login", authOps.Login)
			authRoutes.POST("/refresh", authOps.Refresh)
			authRoutes.POST("/logout", authOps.Logout)
		}

		// Joining a room may be anonymous depending on the security config,
		// so the guard is optional and the handler applies the rule.
		participantRoutes := v1.Group("/participants", d.Limiter.PublicMiddleware(), middleware.OptionalUser(d.Auth))
		{
			participantRoutes.POST("/token", participants.Token)
			participantRoutes.POST("/token/refresh", participants.RefreshToken)
		}

		// Recorded media admits either an authenticated user or a share link.
		mediaRoutes := v1.Group("/recordings", d.Limiter.PublicMiddleware(), middleware.OptionalUser(d.Auth))
		{
			mediaRoutes.GET("/:recordingId/media", recordings.Media)
		}

		user := v1.Group("", middleware.RequireUser(d.Auth), d.Limiter.GlobalMiddleware())
		{
			user.POST("/rooms", rooms.Create)
			user.GET("/rooms", rooms.List)
			user.GET("/rooms/:roomId", rooms.Get)
			user.PATCH("/rooms/:roomId/status", rooms.UpdateStatus)
			user.DELETE("/rooms/:roomId", rooms.Delete)

			user.POST("/meetings/:roomId/end", meetings.End)
			user.DELETE("/meetings/:roomId/participants/:participantName", meetings.Kick)

			user.GET("/recordings", recordings.List)
			user.POST("/recordings/start", recordings.Start)
			user.GET("/recordings/:recordingId", recordings.Get)
			user.DELETE("/recordings/:recordingId", recordings.Delete)
			user.POST("/recordings/:recordingId/stop", recordings.Stop)
			user.GET("/recordings/:recordingId/url", recordings.ShareURL)

			user.POST("/users/change-password", authOps.ChangePassword)

			admin := user.Group("", middleware.RequireAdmin())
			{
				admin.GET("/config/security", configOps.GetSecurity)
				admin.PUT("/config/security", configOps.PutSecurity)
				admin.GET("/config/webhooks", configOps.GetWebhooks)
				admin.PUT("/config/webhooks", configOps.PutWebhooks)
				admin.POST("/config/webhooks/test", configOps.TestWebhook)
				admin.GET("/config/rooms/appearance", configOps.GetAppearance)
				admin.PUT("/config/rooms/appearance", configOps.PutAppearance)

				admin.GET("/auth/api-keys", authOps.ListAPIKeys)
				admin.POST("/auth/api-keys", authOps.CreateAPIKey)
				admin.DELETE("/auth/api-keys", authOps.RevokeAPIKeys)
			}
		}
	}

	internal := router.Group("/internal-api/v1", middleware.RequireAPIKey(d.Auth), d.Limiter.GlobalMiddleware())
	{
		internal.POST("/rooms", rooms.Create)
		internal.GET("/rooms", rooms.List)
		internal.GET("/rooms/:roomId", rooms.Get)
		internal.PATCH("/rooms/:roomId/status", rooms.UpdateStatus)
		internal.DELETE("/rooms/:roomId", rooms.Delete)

		internal.POST("/meetings/:roomId/end", meetings.End)
		internal.DELETE("/meetings/:roomId/participants/:participantName", meetings.Kick)

		internal.POST("/participants/token", internalParticipants.Token)
		internal.POST("/participants/token/refresh", internalParticipants.RefreshToken)

		internal.GET("/recordings", recordings.List)
		internal.POST("/recordings/start", recordings.Start)
		internal.GET("/recordings/:recordingId", recordings.Get)
		internal.DELETE("/recordings/:recordingId", recordings.Delete)
		internal.POST("/recordings/:recordingId/stop", recordings.Stop)
		internal.GET("/recordings/:recordingId/url", recordings.ShareURL)
	}

	return router
}
