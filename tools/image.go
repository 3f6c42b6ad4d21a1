package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/santiagomed/kiln/logger"
	"github.com/sashabaranov/go-openai"
)

var ErrNoImage = errors.New("image server returned no image")

type ImageConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Size    string
	Timeout time.Duration
}

// ImageClient generates images through an OpenAI-compatible images endpoint.
type ImageClient struct {
	openAIClient *openai.Client
	config       ImageConfig
	logger       logger.Logger
}

func NewImageClient(cfg ImageConfig, l logger.Logger) *ImageClient {
	if l == nil {
		l = logger.NewNullLogger()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &ImageClient{
		openAIClient: openai.NewClientWithConfig(oc),
		config:       cfg,
		logger:       l,
	}
}

// Generate returns the decoded bytes of one image rendered from prompt.
func (c *ImageClient) Generate(ctx context.Context, prompt string) ([]byte, error) {
	start := time.Now()
	resp, err := c.openAIClient.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          c.config.Model,
		Size:           c.config.Size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		N:              1,
	})
	if err != nil {
		return nil, fmt.Errorf("image generation failed: %w", err)
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, ErrNoImage
	}

	img, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("error decoding image: %w", err)
	}
	c.logger.WithField("model", c.config.Model).Debug(fmt.Sprintf("Generated %d byte image in %v", len(img), time.Since(start)))
	return img, nil
}
