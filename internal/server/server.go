package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/logger"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/gomithril/embeddinglab/internal/config"
	"github.com/gomithril/embeddinglab/session"
	"github.com/gomithril/embeddinglab/view"
)

type Server struct {
	config      *config.Config
	controller  *session.Controller
	hub         *hub
	unsubscribe func()
	ginEngine   *gin.Engine
	inner       *http.Server
}

func NewServer(cfg *config.Config, controller *session.Controller) (*Server, error) {
	gin.SetMode(getGinMode(cfg.LogLevel))
	r := gin.New()

	tmpl, err := view.Templates()
	if err != nil {
		return nil, fmt.Errorf("failed to parse page templates: %w", err)
	}
	r.SetHTMLTemplate(tmpl)

	r.Use(logger.SetLogger(
		logger.WithUTC(true),
		logger.WithSkipPath([]string{"/api/events", "/healthz"}),
	))
	r.Use(cors.New(corsConfig(cfg.CorsOrigins)))
	r.Use(gin.Recovery())

	s := &Server{
		config:     cfg,
		controller: controller,
		hub:        newHub(),
		ginEngine:  r,
		inner: &http.Server{
			Handler: r,
			Addr:    cfg.Addr(),
		},
	}
	s.unsubscribe = controller.Subscribe(func(snap session.Snapshot) {
		s.hub.publish(snap.Seq, view.Render(snap))
	})
	s.setupRoutes()

	return s, nil
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        300 * time.Second,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.ginEngine
}

func (s *Server) Start() error {
	log.Info().Str("addr", s.inner.Addr).Msg("Starting server")
	if err := s.inner.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop ends all event streams and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	log.Info().Msg("Stopping server")
	s.unsubscribe()
	s.hub.close()

	return s.inner.Shutdown(ctx)
}

func getGinMode(level string) string {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return gin.DebugMode
	default:
		return gin.ReleaseMode
	}
}
