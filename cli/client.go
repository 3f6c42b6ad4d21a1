package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/santiagomed/kiln/core"
	"github.com/santiagomed/kiln/fs"
	"github.com/santiagomed/kiln/logger"
)

// ErrRunFailed is returned when the server reports a fatal error for the run.
var ErrRunFailed = errors.New("generation failed")

// StatusEvent is one "status" frame of the generate stream.
type StatusEvent struct {
	Status string `json:"status"`
	Stage  string `json:"stage"`
	Level  string `json:"level"`
}

// Client talks to a running kiln server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     logger.Logger
}

func NewClient(baseURL string, l logger.Logger) *Client {
	if l == nil {
		l = logger.NewNullLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     l,
	}
}

// Generate starts a run and calls handle for every status event until the
// stream ends.
func (c *Client) Generate(ctx context.Context, prompt, projectID string, handle func(StatusEvent)) error {
	body, err := json.Marshal(core.Request{Prompt: prompt, ProjectID: projectID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error contacting server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	var failure string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if event != "status" {
				continue
			}
			var ev StatusEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &ev); err != nil {
				c.logger.Warn(fmt.Sprintf("Skipping malformed status frame: %v", err))
				continue
			}
			if ev.Level == string(core.LevelError) {
				failure = ev.Status
			}
			handle(ev)
		case line == "":
			event = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading event stream: %w", err)
	}
	if failure != "" {
		return fmt.Errorf("%w: %s", ErrRunFailed, strings.TrimPrefix(failure, "Error: "))
	}
	return nil
}

// Tree fetches the file tree of a project.
func (c *Client) Tree(ctx context.Context, projectID string) ([]fs.Node, error) {
	u := fmt.Sprintf("%s/api/projects/%s/files", c.baseURL, url.PathEscape(projectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error contacting server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var tree []fs.Node
	if err := json.NewDecoder(resp.Body).Decode(&tree); err != nil {
		return nil, fmt.Errorf("error decoding file tree: %w", err)
	}
	return tree, nil
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, body.Error)
}
