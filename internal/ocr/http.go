package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/transport"
)

// HTTPClient talks to a remote OCR/layout service exposing
// POST {base}/v1/text and POST {base}/v1/layout.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type imageRequest struct {
	Image string `json:"image"`
}

type wireWord struct {
	Text string             `json:"text"`
	Box  entity.BoundingBox `json:"box"`
}

type wireText struct {
	Text  string     `json:"text"`
	Words []wireWord `json:"words"`
}

type wireLayout struct {
	Text          string            `json:"text"`
	Tables        [][][]string      `json:"tables"`
	KeyValuePairs map[string]string `json:"key_value_pairs"`
}

var (
	textSchema   = transport.NewSchema(buildTextSchema)
	layoutSchema = transport.NewSchema(buildLayoutSchema)
)

func buildTextSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"text", "words"},
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
			"words": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []string{"text"},
					"properties": map[string]any{
						"text": map[string]any{"type": "string"},
						"box":  map[string]any{"type": "object"},
					},
				},
			},
		},
	}
}

func buildLayoutSchema() map[string]any {
	cell := map[string]any{"type": "string"}
	return map[string]any{
		"type":     "object",
		"required": []string{"text"},
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
			"tables": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "array", "items": cell},
				},
			},
			"key_value_pairs": map[string]any{
				"type":                 "object",
				"additionalProperties": cell,
			},
		},
	}
}

func (c *HTTPClient) call(ctx context.Context, path string, image []byte, schema *transport.Schema, out any) error {
	raw, err := transport.SendJSON(ctx, c.http, c.baseURL+path,
		imageRequest{Image: base64.StdEncoding.EncodeToString(image)}, nil, c.logger)
	if err != nil {
		return err
	}
	if err := schema.Validate(raw); err != nil {
		c.logger.Error("ocr.http.schema_validation_failed", "path", path, "error", err)
		return &SchemaError{Err: err}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &SchemaError{Err: fmt.Errorf("decode %s response: %w", path, err)}
	}
	return nil
}

func (c *HTTPClient) DetectText(ctx context.Context, image []byte) (TextDetection, error) {
	var w wireText
	if err := c.call(ctx, "/v1/text", image, textSchema, &w); err != nil {
		return TextDetection{}, err
	}
	det := TextDetection{Text: Normalize(w.Text)}
	for _, word := range w.Words {
		det.Words = append(det.Words, word.Text)
		det.Boxes = append(det.Boxes, word.Box)
	}
	return det, nil
}

func (c *HTTPClient) AnalyzeLayout(ctx context.Context, image []byte) (Layout, error) {
	var w wireLayout
	if err := c.call(ctx, "/v1/layout", image, layoutSchema, &w); err != nil {
		return Layout{}, err
	}
	out := Layout{Text: Normalize(w.Text), KeyValuePairs: w.KeyValuePairs}
	if out.KeyValuePairs == nil {
		out.KeyValuePairs = map[string]string{}
	}
	for _, t := range w.Tables {
		out.Tables = append(out.Tables, entity.Table(t))
	}
	return out, nil
}

// SchemaError marks a response that does not match the expected shape.
// Retrying will not fix it.
type SchemaError struct {
	Err error
}

func (e *SchemaError) Error() string   { return "ocr response: " + e.Err.Error() }
func (e *SchemaError) Unwrap() error   { return e.Err }
func (e *SchemaError) Temporary() bool { return false }
