package vertex

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"

	"github.com/joseph-ayodele/invoice-pipeline/internal/docai"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// Config for the Vertex AI client.
type Config struct {
	ProjectID string
	Location  string // default "us-central1"
	Model     string // default "gemini-1.5-flash"
}

// Client implements docai.Client with a Vertex AI hosted Gemini model.
type Client struct {
	baseClient *genai.Client
	model      *genai.GenerativeModel
	name       string
	logger     *slog.Logger
}

func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("vertex: project id is required")
	}
	if cfg.Location == "" {
		cfg.Location = "us-central1"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseClient, err := genai.NewClient(ctx, cfg.ProjectID, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := baseClient.GenerativeModel(cfg.Model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(docai.BuildPrompt())},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &Client{baseClient: baseClient, model: model, name: cfg.Model, logger: logger}, nil
}

func (c *Client) ExtractEntities(ctx context.Context, content []byte, mimeType string) (*entity.StructuredEntities, error) {
	start := time.Now()
	resp, err := c.model.GenerateContent(ctx,
		genai.Blob{MIMEType: mimeType, Data: content},
		genai.Text("Extract the invoice entities and line items."),
	)
	if err != nil {
		return nil, fmt.Errorf("vertex generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &docai.ResponseError{Err: fmt.Errorf("no candidates from vertex")}
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	out, err := docai.DecodeEntities([]byte(docai.StripFences(text.String())), c.logger)
	if err != nil {
		c.logger.Error("docai.vertex.decode_failed", "model", c.name, "error", err)
		return nil, err
	}
	c.logger.Info("docai.vertex.ok",
		"model", c.name,
		"entities", len(out.Entities),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (c *Client) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
