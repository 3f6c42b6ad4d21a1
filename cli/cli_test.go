package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/santiagomed/kiln/config"
	"github.com/santiagomed/kiln/fs"
	"github.com/santiagomed/kiln/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprint(w, f)
		}
	})
	mux.HandleFunc("/api/projects/p1/files", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"name":"src","path":"src","type":"folder","children":[{"name":"app.js","path":"src/app.js","type":"file"}]},{"name":"prd.json","path":"prd.json","type":"file"}]`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Generate(t *testing.T) {
	srv := sseServer(t,
		"event:status\ndata:{\"status\":\"Researching ideas for your project...\",\"stage\":\"research_querying\",\"level\":\"info\"}\n\n",
		"event:other\ndata:{\"status\":\"ignored\"}\n\n",
		"event:status\ndata:{\"status\":\"Build complete!\",\"stage\":\"completed\",\"level\":\"info\"}\n\n",
	)

	var got []StatusEvent
	err := NewClient(srv.URL, nil).Generate(context.Background(), "Build a todo app", "p1", func(ev StatusEvent) {
		got = append(got, ev)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "research_querying", got[0].Stage)
	assert.Equal(t, "Build complete!", got[1].Status)
}

func TestClient_GenerateReportsFailure(t *testing.T) {
	srv := sseServer(t,
		"event:status\ndata:{\"status\":\"Error: model unavailable\",\"stage\":\"failed\",\"level\":\"error\"}\n\n",
	)

	err := NewClient(srv.URL, nil).Generate(context.Background(), "x", "p1", func(StatusEvent) {})
	assert.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestClient_GenerateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":"a generation run is already in progress for this project"}`)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, nil).Generate(context.Background(), "x", "p1", func(StatusEvent) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "already in progress")
}

func TestClient_Tree(t *testing.T) {
	srv := sseServer(t)
	tree, err := NewClient(srv.URL+"/", nil).Tree(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, tree, 2)
	assert.Equal(t, fs.NodeFolder, tree[0].Type)
	assert.Equal(t, "src/app.js", tree[0].Children[0].Path)

	out := renderTree(tree, "")
	assert.Contains(t, out, "src/")
	assert.Contains(t, out, "  app.js")
	assert.True(t, strings.HasSuffix(out, "prd.json"))
}

func TestGenerateModel_Statuses(t *testing.T) {
	m := newGenerateModel(genFlags{project: "p1", server: "http://localhost:1"}, logger.NewNullLogger())
	defer m.Shutdown()
	m.state = Processing

	next, _ := m.Update(statusMsg{Status: "Planning the project files...", Stage: "planning_files", Level: "info"})
	m = next.(generateCmdModel)
	next, _ = m.Update(statusMsg{Status: "Warning: skipping unsafe path \"../x\".", Stage: "planning_files", Level: "warning"})
	m = next.(generateCmdModel)
	require.Len(t, m.statuses, 2)
	assert.Contains(t, m.View(), "Planning the project files...")

	failure := errors.New("generation failed: boom")
	next, _ = m.Update(doneMsg{err: failure})
	m = next.(generateCmdModel)
	assert.Equal(t, Finished, m.state)
	assert.Equal(t, failure, m.Err())
}

func TestGenerateModel_CancelIsNotAnError(t *testing.T) {
	m := newGenerateModel(genFlags{project: "p1", server: "http://localhost:1"}, nil)
	m.err = context.Canceled
	assert.NoError(t, m.Err())
}

func TestNewApp(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.DefaultConfig()
	cfg.ProjectsDir = filepath.Join(t.TempDir(), "projects")

	a, err := newApp(cfg, logger.NewNullLogger())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	a.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/projects/p1/files", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}
