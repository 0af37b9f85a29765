package docai

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/transport"
)

// HTTPConfig configures a generic document-AI endpoint.
type HTTPConfig struct {
	URL       string // full endpoint URL
	Processor string // forwarded as "processor"
	APIKey    string // sent as X-API-Key when set
	Timeout   time.Duration
}

// HTTPClient posts {"processor","mime_type","content"} and expects
// {"entities":{...},"tables":[...]} or {"entities":{...},"line_items":[...]}.
type HTTPClient struct {
	cfg    HTTPConfig
	http   *http.Client
	logger *slog.Logger
}

func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &HTTPClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

type processRequest struct {
	Processor string `json:"processor,omitempty"`
	MIMEType  string `json:"mime_type"`
	Content   string `json:"content"`
}

func (c *HTTPClient) ExtractEntities(ctx context.Context, content []byte, mimeType string) (*entity.StructuredEntities, error) {
	start := time.Now()
	var headers map[string]string
	if c.cfg.APIKey != "" {
		headers = map[string]string{"X-API-Key": c.cfg.APIKey}
	}
	raw, err := transport.SendJSON(ctx, c.http, c.cfg.URL, processRequest{
		Processor: c.cfg.Processor,
		MIMEType:  mimeType,
		Content:   base64.StdEncoding.EncodeToString(content),
	}, headers, c.logger)
	if err != nil {
		return nil, err
	}

	out, err := DecodeEntities(raw, c.logger)
	if err != nil {
		c.logger.Error("docai.http.schema_validation_failed", "error", err)
		return nil, err
	}
	c.logger.Info("docai.http.ok",
		"entities", len(out.Entities),
		"tables", len(out.Tables),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}
