package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/santiagomed/kiln/logger"
	tellm "github.com/santiagomed/tellm/sdk"
	"github.com/sashabaranov/go-openai"
)

var (
	// ErrModelUnavailable is returned when the model endpoint cannot serve a completion.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrModelTimeout is returned when a completion exceeds the client timeout.
	ErrModelTimeout = errors.New("model timeout")
)

const (
	RoleSystem = openai.ChatMessageRoleSystem
	RoleUser   = openai.ChatMessageRoleUser
)

type Message struct {
	Role    string
	Content string
}

type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	TellmURL string
	BatchID  string
}

// Client issues single-attempt chat completions against an OpenAI-compatible endpoint.
type Client struct {
	openAIClient *openai.Client
	config       Config
	tellmClient  *tellm.Client
	logger       logger.Logger
}

func NewClient(cfg Config, l logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("model base url is required")
	}
	if l == nil {
		l = logger.NewNullLogger()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	c := &Client{
		openAIClient: openai.NewClientWithConfig(oc),
		config:       cfg,
		logger:       l,
	}
	if cfg.TellmURL != "" {
		c.tellmClient = tellm.NewClient(cfg.TellmURL)
		c.config.BatchID = EnsureBatchID(cfg.BatchID)
	}
	return c, nil
}

// Complete sends messages to model and returns the first choice's content.
// When structured is set the endpoint is asked for a JSON object.
func (c *Client) Complete(ctx context.Context, model string, messages []Message, structured bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if structured {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := c.openAIClient.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyError(ctx, model, err)
	}
	c.logger.WithField("model", model).
		WithField("prompt_tokens", resp.Usage.PromptTokens).
		WithField("completion_tokens", resp.Usage.CompletionTokens).
		Debug(fmt.Sprintf("Completion finished in %v", time.Since(start)))

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned from %s", ErrModelUnavailable, model)
	}
	res := resp.Choices[0].Message.Content

	if c.tellmClient != nil {
		prompt := ""
		if len(messages) > 0 {
			prompt = messages[len(messages)-1].Content
		}
		if err := c.tellmClient.Log(c.config.BatchID, prompt, res); err != nil {
			c.logger.WithField("warning", err).Warn("failed to log to tellm")
		}
	}

	return res, nil
}

func classifyError(ctx context.Context, model string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrModelTimeout, model, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrModelTimeout, model, err)
	}

	e := &openai.APIError{}
	if errors.As(err, &e) {
		switch e.HTTPStatusCode {
		case 404:
			return fmt.Errorf("%w: model %s not found", ErrModelUnavailable, model)
		case 429:
			return fmt.Errorf("%w: rate limited by model server", ErrModelUnavailable)
		default:
			return fmt.Errorf("%w: %s returned %d: %s", ErrModelUnavailable, model, e.HTTPStatusCode, e.Message)
		}
	}
	reqErr := &openai.RequestError{}
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: %s returned %d", ErrModelUnavailable, model, reqErr.HTTPStatusCode)
	}
	return fmt.Errorf("%w: %s: %v", ErrModelUnavailable, model, err)
}
