package docai

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	documentai "google.golang.org/api/documentai/v1"
	"google.golang.org/api/option"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// DocumentAIClient calls a Google Document AI invoice processor through the
// REST API.
type DocumentAIClient struct {
	svc       *documentai.Service
	processor string
	logger    *slog.Logger
}

// NewDocumentAIClient targets processor, a resource name of the form
// projects/P/locations/L/processors/ID. The regional endpoint is derived
// from L; later options override it.
func NewDocumentAIClient(ctx context.Context, processor string, logger *slog.Logger, opts ...option.ClientOption) (*DocumentAIClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := processorLocation(processor)
	if err != nil {
		return nil, err
	}
	opts = append([]option.ClientOption{
		option.WithEndpoint(fmt.Sprintf("https://%s-documentai.googleapis.com/", loc)),
	}, opts...)
	svc, err := documentai.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai service: %w", err)
	}
	return &DocumentAIClient{svc: svc, processor: processor, logger: logger}, nil
}

func processorLocation(name string) (string, error) {
	parts := strings.Split(name, "/")
	if len(parts) < 6 || parts[0] != "projects" || parts[2] != "locations" || parts[4] != "processors" {
		return "", fmt.Errorf("invalid processor name %q", name)
	}
	return parts[3], nil
}

func (c *DocumentAIClient) ExtractEntities(ctx context.Context, content []byte, mimeType string) (*entity.StructuredEntities, error) {
	start := time.Now()
	req := &documentai.GoogleCloudDocumentaiV1ProcessRequest{
		RawDocument: &documentai.GoogleCloudDocumentaiV1RawDocument{
			Content:  base64.StdEncoding.EncodeToString(content),
			MimeType: mimeType,
		},
	}
	resp, err := c.svc.Projects.Locations.Processors.Process(c.processor, req).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if resp.Document == nil {
		return nil, &ResponseError{Err: fmt.Errorf("no document in response")}
	}

	out := FromDocument(resp.Document)
	c.logger.Info("docai.documentai.ok",
		"entities", len(out.Entities),
		"tables", len(out.Tables),
		"pages", len(resp.Document.Pages),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// FromDocument maps a processed Document AI document onto StructuredEntities:
// the first mention of each entity type, and the body rows of every table.
// Dates prefer the normalized value.
func FromDocument(doc *documentai.GoogleCloudDocumentaiV1Document) *entity.StructuredEntities {
	out := &entity.StructuredEntities{Entities: map[string]string{}}
	for _, e := range doc.Entities {
		if _, seen := out.Entities[e.Type]; seen {
			continue
		}
		v := strings.TrimSpace(e.MentionText)
		if e.Type == entity.EntityInvoiceDate && e.NormalizedValue != nil && e.NormalizedValue.Text != "" {
			v = e.NormalizedValue.Text
		}
		if v != "" {
			out.Entities[e.Type] = v
		}
	}
	for _, p := range doc.Pages {
		for _, t := range p.Tables {
			var table entity.Table
			for _, r := range t.BodyRows {
				row := make([]string, 0, len(r.Cells))
				for _, cell := range r.Cells {
					row = append(row, anchorText(doc.Text, cell.Layout))
				}
				table = append(table, row)
			}
			if len(table) > 0 {
				out.Tables = append(out.Tables, table)
			}
		}
	}
	return out
}

func anchorText(text string, l *documentai.GoogleCloudDocumentaiV1DocumentPageLayout) string {
	if l == nil || l.TextAnchor == nil {
		return ""
	}
	if l.TextAnchor.Content != "" {
		return strings.TrimSpace(l.TextAnchor.Content)
	}
	var b strings.Builder
	for _, s := range l.TextAnchor.TextSegments {
		start, end := int(s.StartIndex), int(s.EndIndex)
		if start < 0 || end > len(text) || start >= end {
			continue
		}
		b.WriteString(text[start:end])
	}
	return strings.TrimSpace(b.String())
}
