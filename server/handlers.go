package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/santiagomed/kiln/core"
	"github.com/santiagomed/kiln/metrics"
	"github.com/santiagomed/kiln/store"
)

func errorStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidRequest),
		errors.Is(err, store.ErrInvalidProjectID),
		errors.Is(err, store.ErrPathEscapes):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrQueueFull), errors.Is(err, core.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, core.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, core.ErrConflict):
		return "conflict"
	case errors.Is(err, core.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, core.ErrShuttingDown):
		return "shutting_down"
	}
	return "error"
}

func (s *Server) abort(c *gin.Context, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.WithField("request_id", c.GetString("request_id")).Error(err.Error())
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// generate starts a run and streams its progress as "status" events.
func (s *Server) generate(c *gin.Context) {
	var body core.Request
	if err := c.ShouldBindJSON(&body); err != nil {
		s.abort(c, fmt.Errorf("%w: %v", core.ErrInvalidRequest, err))
		return
	}

	run, err := s.engine.Submit(c.Request.Context(), core.NewRequest(body.Prompt, body.ProjectID))
	if err != nil {
		metrics.RunsRejected.WithLabelValues(rejectReason(err)).Inc()
		s.abort(c, err)
		return
	}
	defer run.Detach()

	s.logger.WithField("run", run.ID).WithField("request_id", c.GetString("request_id")).
		Info("Streaming generation run for project " + body.ProjectID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	events := run.Events()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("status", gin.H{
				"status": ev.Message,
				"stage":  ev.Stage.String(),
				"level":  ev.Level,
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) listFiles(c *gin.Context) {
	tree, err := s.store.ListTree(c.Param("projectId"))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

func (s *Server) readFile(c *gin.Context) {
	content, err := s.store.ReadFile(c.Param("projectId"), strings.TrimPrefix(c.Param("filePath"), "/"))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": string(content)})
}

func (s *Server) preview(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("filePath"), "/")
	content, err := s.store.ReadFile(c.Param("projectId"), rel)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.Data(http.StatusOK, contentType(rel, content), content)
}

func contentType(name string, content []byte) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	if mt := mimetype.Detect(content); mt != nil {
		return mt.String()
	}
	return "application/octet-stream"
}

func (s *Server) download(c *gin.Context) {
	id := c.Param("projectId")
	var buf bytes.Buffer
	if err := s.store.Export(id, &buf); err != nil {
		s.abort(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}
