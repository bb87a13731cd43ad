package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/quasipeer/internal/adapters/signal"
	"github.com/dkeye/quasipeer/internal/app/orch"
	"github.com/dkeye/quasipeer/internal/config"
	"github.com/dkeye/quasipeer/internal/core"
	"github.com/dkeye/quasipeer/internal/domain"
	"github.com/dkeye/quasipeer/internal/health"
)

type Deps struct {
	Orch   *orch.Orchestrator
	Signal *signal.SignalWSController
	Health *health.Checker
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	// always 200, degradation is reported in the body
	r.GET("/health", func(c *gin.Context) {
		hctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		c.JSON(http.StatusOK, d.Health.Check(hctx))
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.Use(TokenMiddleware(cfg.JWTSecret))

	api.GET("/meetings", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"meetings": d.Orch.Registry.ListMeetings()})
	})

	api.GET("/meetings/:id/participants", func(c *gin.Context) {
		ps := d.Orch.Registry.ListMeetingParticipants(domain.MeetingID(c.Param("id")))
		if len(ps) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"participants": ps})
	})

	api.GET("/meetings/:id/summary", func(c *gin.Context) {
		sum, err := d.Orch.Summary.Stored(c.Request.Context(), domain.MeetingID(c.Param("id")))
		switch {
		case errors.Is(err, core.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "no summary for meeting"})
		case err != nil:
			log.Error().Err(err).Str("module", "adapters.http").Str("meeting", c.Param("id")).Msg("load summary")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		default:
			c.JSON(http.StatusOK, sum)
		}
	})

	// POST /api/ai/microphone {"active": bool} opens or closes the transcription gate
	api.POST("/ai/microphone", func(c *gin.Context) {
		var req struct {
			Active *bool `json:"active" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid active flag"})
			return
		}
		resolved := d.Orch.SetMicrophoneActive(*req.Active)
		c.JSON(http.StatusOK, gin.H{"active": *req.Active, "resolved": resolved})
	})

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("ws signal endpoint hit")
		d.Signal.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Bool("auth", cfg.JWTSecret != "").Msg("router setup")
	return r
}
