package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/joseph-ayodele/invoice-pipeline/internal/docai"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// Config for the Gemini client.
type Config struct {
	APIKey string
	Model  string // default "gemini-1.5-flash"
}

// Client implements docai.Client with the Gemini API.
type Client struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
	logger *slog.Logger
}

func NewClient(ctx context.Context, cfg Config, logger *slog.Logger, opts ...option.ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(cfg.APIKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	model := client.GenerativeModel(cfg.Model)
	model.SetTemperature(0)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(docai.BuildPrompt())}}

	return &Client{client: client, model: model, name: cfg.Model, logger: logger}, nil
}

func (c *Client) ExtractEntities(ctx context.Context, content []byte, mimeType string) (*entity.StructuredEntities, error) {
	start := time.Now()
	resp, err := c.model.GenerateContent(ctx,
		genai.Blob{MIMEType: mimeType, Data: content},
		genai.Text("Extract the invoice entities and line items."),
	)
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, &docai.ResponseError{Err: fmt.Errorf("no response from gemini")}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	out, err := docai.DecodeEntities([]byte(docai.StripFences(text.String())), c.logger)
	if err != nil {
		c.logger.Error("docai.gemini.decode_failed", "model", c.name, "error", err)
		return nil, err
	}
	c.logger.Info("docai.gemini.ok",
		"model", c.name,
		"entities", len(out.Entities),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// Close closes the Gemini client
func (c *Client) Close() error {
	return c.client.Close()
}
