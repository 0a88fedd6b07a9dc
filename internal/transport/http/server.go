package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/hub"
)

// NewServer builds an HTTP server with the WebSocket endpoint and the admin API.
func NewServer(h *hub.Hub, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)

	ws := NewWSHandler(h, WSConfig{
		MaxFrameBytes: cfg.Server.MaxFrameBytes,
		HelloTimeout:  cfg.Server.HelloTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
	}, logger)
	router.GET("/ws", UpgradeLimitMiddleware(cfg.Server.UpgradesPerMinute, logger), gin.WrapH(ws))

	if cfg.Server.AdminToken != "" {
		admin := NewAdminHandlers(h, logger)
		group := router.Group("/admin")
		group.Use(AdminAuthMiddleware(cfg.Server.AdminToken, logger))
		{
			group.GET("/sessions", admin.ListSessions)
			group.POST("/sessions/:id/kick", admin.KickSession)
			group.POST("/users/:id/ban", admin.BanUser)
			group.DELETE("/users/:id/ban", admin.UnbanUser)
			group.GET("/config/idle-timeout", admin.GetIdleTimeout)
			group.PUT("/config/idle-timeout", admin.SetIdleTimeout)
			group.GET("/presence/stream", admin.StreamPresence)
			group.GET("/presence/:user", admin.GetPresence)
			group.GET("/rooms/:room", admin.GetRoom)
			group.PUT("/rooms/:room/members/:user", admin.AddMember)
			group.DELETE("/rooms/:room/members/:user", admin.RemoveMember)
			group.GET("/scopes/halted", admin.ListHalted)
			group.POST("/scopes/resume", admin.ResumeScope)
			group.GET("/scopes/history", admin.History)
		}
	} else {
		logger.Warn().Msg("admin token not set, admin API disabled")
	}

	return &stdhttp.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
