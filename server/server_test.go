package server

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/santiagomed/kiln/core"
	"github.com/santiagomed/kiln/fs"
	"github.com/santiagomed/kiln/llm"
	"github.com/santiagomed/kiln/lock"
	"github.com/santiagomed/kiln/logger"
	"github.com/santiagomed/kiln/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeModel struct {
	gate chan struct{}
}

func (m *fakeModel) Complete(ctx context.Context, model string, messages []llm.Message, structured bool) (string, error) {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	user := messages[len(messages)-1].Content
	switch {
	case strings.Contains(messages[0].Content, "market researcher"):
		return `{"queries": []}`, nil
	case strings.Contains(user, "list every file"):
		return `{"files": ["index.html", "css/site.css"]}`, nil
	case structured:
		return `{"projectName": "TodoMaster", "description": "todos", "coreFeatures": ["add"]}`, nil
	}
	return "generated", nil
}

type noSearch struct{}

func (noSearch) Search(ctx context.Context, query string) string { return "" }

type fixture struct {
	model  *fakeModel
	store  *store.ProjectStore
	engine *core.Engine
	server *Server
}

func newFixture(t *testing.T, start bool, queue int) *fixture {
	t.Helper()
	f := &fixture{
		model: &fakeModel{},
		store: store.NewProjectStore(fs.NewMemoryFileSystem()),
	}
	sm := core.NewDefaultStepManager(core.Dependencies{
		Model:  f.model,
		Search: noSearch{},
		Store:  f.store,
		Models: core.Models{Research: "m", Requirements: "m", Plan: "m", Code: "m"},
	})
	p := core.NewPipeline(sm, f.store, nil, logger.NewNullLogger())
	f.engine = core.NewEngine(p, lock.NewMemoryLocker(), 1, queue, logger.NewNullLogger())
	if start {
		f.engine.Start(context.Background())
	}
	t.Cleanup(func() { f.engine.Shutdown(time.Second) })
	f.server = New(f.engine, f.store, Options{Metrics: true}, logger.NewNullLogger())
	return f
}

func (f *fixture) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	f.server.Handler().ServeHTTP(w, req)
	return w
}

type statusEvent struct {
	Status string `json:"status"`
	Stage  string `json:"stage"`
	Level  string `json:"level"`
}

func readEvents(t *testing.T, r io.Reader) []statusEvent {
	t.Helper()
	var events []statusEvent
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev statusEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestGenerate_StreamsStatusEvents(t *testing.T) {
	f := newFixture(t, true, 4)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/generate", "application/json",
		strings.NewReader(`{"prompt": "Build a todo app", "projectId": "p1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	events := readEvents(t, resp.Body)
	require.NotEmpty(t, events)
	assert.Equal(t, "Researching ideas for your project...", events[0].Status)
	last := events[len(events)-1]
	assert.Equal(t, "Build complete!", last.Status)
	assert.Equal(t, "completed", last.Stage)
	assert.Equal(t, "info", last.Level)

	content, err := f.store.ReadFile("p1", "css/site.css")
	require.NoError(t, err)
	assert.Equal(t, "generated", string(content))
}

func TestGenerate_Rejections(t *testing.T) {
	f := newFixture(t, false, 1)

	w := f.do(http.MethodPost, "/api/generate", strings.NewReader(`{"prompt": "", "projectId": "p1"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/generate", strings.NewReader(`not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/generate", strings.NewReader(`{"prompt": "x", "projectId": "../etc"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Not started, so this run stays queued and holds the p1 lock.
	_, err := f.engine.Submit(context.Background(), core.NewRequest("Build a todo app", "p1"))
	require.NoError(t, err)

	w = f.do(http.MethodPost, "/api/generate", strings.NewReader(`{"prompt": "again", "projectId": "p1"}`))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(http.MethodPost, "/api/generate", strings.NewReader(`{"prompt": "a blog", "projectId": "p2"}`))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, core.ErrQueueFull.Error(), body["error"])
}

func seed(t *testing.T, st *store.ProjectStore) {
	t.Helper()
	require.NoError(t, st.WriteRequirements("p1", map[string]string{"projectName": "TodoMaster"}))
	require.NoError(t, st.WriteFile("p1", "index.html", []byte("<h1>hi</h1>")))
	require.NoError(t, st.WriteFile("p1", "src/app.js", []byte("console.log(1)")))
	require.NoError(t, st.WriteFile("p1", "assets/LOGO", []byte("\x89PNG\r\n\x1a\n0000")))
}

func TestFiles(t *testing.T) {
	f := newFixture(t, false, 1)
	seed(t, f.store)

	w := f.do(http.MethodGet, "/api/projects/p1/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tree []fs.Node
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tree))
	byName := map[string]fs.Node{}
	for _, n := range tree {
		byName[n.Name] = n
	}
	assert.Equal(t, fs.NodeFolder, byName["src"].Type)
	assert.Equal(t, fs.NodeFile, byName["index.html"].Type)
	require.Len(t, byName["src"].Children, 1)
	assert.Equal(t, "src/app.js", byName["src"].Children[0].Path)

	w = f.do(http.MethodGet, "/api/projects/missing/files", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = f.do(http.MethodGet, "/api/projects/p1/files/src/app.js", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"content": "console.log(1)"}`, w.Body.String())

	w = f.do(http.MethodGet, "/api/projects/p1/files/nope.txt", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"error"`)

	w = f.do(http.MethodGet, "/api/projects/p1/files/src", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/projects/p1/files/a/../../secret", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPreview(t *testing.T) {
	f := newFixture(t, false, 1)
	seed(t, f.store)

	w := f.do(http.MethodGet, "/api/preview/p1/index.html", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, "<h1>hi</h1>", w.Body.String())

	w = f.do(http.MethodGet, "/api/preview/p1/assets/LOGO", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	w = f.do(http.MethodGet, "/api/preview/p1/missing.css", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownload(t *testing.T) {
	f := newFixture(t, false, 1)
	seed(t, f.store)

	w := f.do(http.MethodGet, "/api/projects/p1/download", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `p1.zip`)

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, file := range zr.File {
		names = append(names, file.Name)
	}
	assert.Contains(t, names, "src/app.js")
	assert.Contains(t, names, store.RequirementsFile)

	w = f.do(http.MethodGet, "/api/projects/missing/download", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, false, 1)

	w := f.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status": "ok"}`, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc")
	w = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Header().Get(RequestIDHeader))

	w = f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kiln_http_requests_total")
}
