package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gomithril/embeddinglab/session"
	"github.com/gomithril/embeddinglab/view"
)

type loadURLRequest struct {
	URL string `json:"url"`
}

type embedRequest struct {
	Text string `json:"text"`
}

// stateResponse carries the rendered state plus the raw fields behind it.
type stateResponse struct {
	view.State
	Status     string      `json:"status"`
	Progress   *int        `json:"progress"`
	HasRuntime bool        `json:"has_runtime"`
	Embedding  view.Vector `json:"embedding,omitempty"`
}

func newStateResponse(snap session.Snapshot) stateResponse {
	return stateResponse{
		State:      view.Render(snap),
		Status:     snap.Status,
		Progress:   snap.Progress,
		HasRuntime: snap.HasRuntime,
		Embedding:  view.Vector(snap.Embedding),
	}
}

func (s *Server) respond(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, newStateResponse(s.controller.Snapshot()))
	case errors.Is(err, session.ErrBusy):
		c.JSON(http.StatusConflict, newStateResponse(s.controller.Snapshot()))
	case errors.Is(err, session.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
	}
}

// detached keeps a load running when the browser goes away mid-download.
func detached(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func (s *Server) index(c *gin.Context) {
	c.HTML(http.StatusOK, view.PageTemplate, view.NewPage(
		s.config.ModelURL,
		s.config.DefaultText,
		s.config.UploadExt,
		s.controller.Snapshot(),
	))
}

func (s *Server) getState(c *gin.Context) {
	s.respond(c, nil)
}

func (s *Server) streamEvents(c *gin.Context) {
	id, updates := s.hub.subscribe()
	defer s.hub.unsubscribe(id)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	snap := s.controller.Snapshot()
	c.SSEvent("message", view.Render(snap))
	c.Writer.Flush()

	sent := snap.Seq
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-updates:
			if !ok {
				return false
			}
			if ev.seq <= sent {
				return true
			}
			sent = ev.seq
			c.SSEvent("message", ev.state)
			return true
		}
	})
}

func (s *Server) loadFromURL(c *gin.Context) {
	var req loadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "failed to parse request body"})
		return
	}
	s.respond(c, s.controller.LoadFromURL(detached(c), req.URL))
}

func (s *Server) loadFromFiles(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "failed to parse multipart form"})
		return
	}
	blobs := uploadBlobs(form.File["files"], s.config.UploadExt)
	s.respond(c, s.controller.LoadFromFiles(detached(c), blobs))
}

func (s *Server) resetRuntime(c *gin.Context) {
	s.respond(c, s.controller.ResetRuntime())
}

func (s *Server) createEmbedding(c *gin.Context) {
	var req embedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "failed to parse request body"})
		return
	}
	s.respond(c, s.controller.CreateEmbedding(c.Request.Context(), req.Text))
}

func (s *Server) clearEmbedding(c *gin.Context) {
	s.controller.Clear()
	s.respond(c, nil)
}
