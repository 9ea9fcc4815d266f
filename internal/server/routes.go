package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) setupRoutes() {
	s.ginEngine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.ginEngine.GET("/", s.index)

	api := s.ginEngine.Group("/api")
	api.GET("/state", s.getState)
	api.GET("/events", s.streamEvents)

	api.POST("/model/url", s.loadFromURL)
	api.POST("/model/files", s.loadFromFiles)
	api.POST("/runtime/reset", s.resetRuntime)

	api.POST("/embeddings", s.createEmbedding)
	api.DELETE("/embeddings", s.clearEmbedding)
}
