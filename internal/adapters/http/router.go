package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/classlink/live/internal/adapters/signal"
	"github.com/classlink/live/internal/config"
	"github.com/classlink/live/internal/protocol"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives anonymous visitors a stable identity cookie so
// presence survives page reloads even before login.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.SignalWSController) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("LiveSessions", store))
	r.Use(ClientTokenMiddleware())

	log.Info().Str("module", "adapters.http").Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("uid", c.Query("uid")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	// ICE configuration endpoint. Clients consume it once per call setup and
	// fall back to a public STUN default when it is unreachable.
	api.GET("/ice", func(c *gin.Context) {
		out := make([]protocol.ICEServer, 0, len(cfg.ICEServers))
		for _, s := range cfg.ICEServers {
			out = append(out, protocol.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			})
		}
		c.JSON(http.StatusOK, out)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
