package ocr

import (
	"context"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// TextDetection is the word-level output for one page image.
type TextDetection struct {
	Words []string
	Boxes []entity.BoundingBox
	Text  string
}

// Layout is the document-layout output for one page image.
type Layout struct {
	Text          string
	Tables        []entity.Table
	KeyValuePairs map[string]string
}

// Client is the OCR/layout collaborator. Both calls take a single page image.
type Client interface {
	DetectText(ctx context.Context, image []byte) (TextDetection, error)
	AnalyzeLayout(ctx context.Context, image []byte) (Layout, error)
}
