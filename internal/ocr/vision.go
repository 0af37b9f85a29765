package ocr

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// VisionClient calls the Google Cloud Vision REST API.
type VisionClient struct {
	svc    *vision.Service
	logger *slog.Logger
}

// NewVisionClient builds a Vision client. With no options it uses
// application default credentials.
func NewVisionClient(ctx context.Context, logger *slog.Logger, opts ...option.ClientOption) (*VisionClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	svc, err := vision.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision service: %w", err)
	}
	return &VisionClient{svc: svc, logger: logger}, nil
}

func (c *VisionClient) annotate(ctx context.Context, image []byte, feature string) (*vision.AnnotateImageResponse, error) {
	req := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{{
			Image:    &vision.Image{Content: base64.StdEncoding.EncodeToString(image)},
			Features: []*vision.Feature{{Type: feature}},
		}},
	}
	resp, err := c.svc.Images.Annotate(req).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if len(resp.Responses) == 0 {
		return nil, fmt.Errorf("vision %s: empty response", feature)
	}
	r := resp.Responses[0]
	if r.Error != nil && r.Error.Code != 0 {
		return nil, fmt.Errorf("vision %s: code %d: %s", feature, r.Error.Code, r.Error.Message)
	}
	return r, nil
}

// DetectText runs TEXT_DETECTION. The first annotation holds the full text,
// the rest are individual words.
func (c *VisionClient) DetectText(ctx context.Context, image []byte) (TextDetection, error) {
	r, err := c.annotate(ctx, image, "TEXT_DETECTION")
	if err != nil {
		return TextDetection{}, err
	}
	var det TextDetection
	for i, a := range r.TextAnnotations {
		if i == 0 {
			det.Text = Normalize(a.Description)
			continue
		}
		det.Words = append(det.Words, a.Description)
		det.Boxes = append(det.Boxes, boxFromPoly(a.BoundingPoly))
	}
	c.logger.Debug("ocr.vision.text.ok", "words", len(det.Words))
	return det, nil
}

// AnalyzeLayout runs DOCUMENT_TEXT_DETECTION. TABLE blocks become tables
// (one row per paragraph, one cell per word) and text blocks containing a
// colon become key/value pairs. When no TABLE block is reported, tables are
// derived from the column spacing of the full text.
func (c *VisionClient) AnalyzeLayout(ctx context.Context, image []byte) (Layout, error) {
	r, err := c.annotate(ctx, image, "DOCUMENT_TEXT_DETECTION")
	if err != nil {
		return Layout{}, err
	}
	out := Layout{KeyValuePairs: map[string]string{}}
	if r.FullTextAnnotation == nil {
		return out, nil
	}
	out.Text = Normalize(r.FullTextAnnotation.Text)

	for _, page := range r.FullTextAnnotation.Pages {
		for _, block := range page.Blocks {
			switch block.BlockType {
			case "TABLE":
				var table entity.Table
				for _, para := range block.Paragraphs {
					row := make([]string, 0, len(para.Words))
					for _, w := range para.Words {
						row = append(row, wordText(w))
					}
					table = append(table, row)
				}
				out.Tables = append(out.Tables, table)
			case "TEXT":
				var words []string
				for _, para := range block.Paragraphs {
					for _, w := range para.Words {
						words = append(words, wordText(w))
					}
				}
				if k, v, ok := strings.Cut(strings.Join(words, " "), ":"); ok {
					k, v = strings.TrimSpace(k), strings.TrimSpace(v)
					if k != "" && v != "" {
						out.KeyValuePairs[k] = v
					}
				}
			}
		}
	}
	if len(out.Tables) == 0 {
		out.Tables = LayoutFromText(out.Text).Tables
	}
	c.logger.Debug("ocr.vision.layout.ok", "tables", len(out.Tables), "kv_pairs", len(out.KeyValuePairs))
	return out, nil
}

func wordText(w *vision.Word) string {
	var b strings.Builder
	for _, s := range w.Symbols {
		b.WriteString(s.Text)
	}
	return b.String()
}

func boxFromPoly(p *vision.BoundingPoly) entity.BoundingBox {
	if p == nil || len(p.Vertices) == 0 {
		return entity.BoundingBox{}
	}
	minX, minY := p.Vertices[0].X, p.Vertices[0].Y
	maxX, maxY := minX, minY
	for _, v := range p.Vertices[1:] {
		minX, maxX = min(minX, v.X), max(maxX, v.X)
		minY, maxY = min(minY, v.Y), max(maxY, v.Y)
	}
	return entity.BoundingBox{X: int(minX), Y: int(minY), Width: int(maxX - minX), Height: int(maxY - minY)}
}
