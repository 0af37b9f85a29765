package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/invoice-pipeline/internal/docai"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/ocr"
	"github.com/joseph-ayodele/invoice-pipeline/internal/preprocess"
)

// Recognizer turns a document into an OCRResult and optional structured entities.
type Recognizer interface {
	Recognize(ctx context.Context, doc entity.Document) (*entity.OCRResult, error)
	GetStructuredEntities(ctx context.Context, res *entity.OCRResult) *entity.StructuredEntities
}

// Rasterizer renders one page content to the images that get OCRed.
type Rasterizer func(ctx context.Context, content []byte) ([][]byte, error)

// Adapter normalizes calls to the OCR/layout and structured-entity
// collaborators. The entities client may be nil.
type Adapter struct {
	ocr       ocr.Client
	entities  docai.Client
	pool      *preprocess.Pool
	rasterize Rasterizer
	retry     *Retrier
	logger    *slog.Logger
}

func NewAdapter(ocrClient ocr.Client, entities docai.Client, pool *preprocess.Pool, retry *Retrier, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if retry == nil {
		retry = NewRetrier(DefaultRetryPolicy(), logger)
	}
	a := &Adapter{ocr: ocrClient, entities: entities, pool: pool, retry: retry, logger: logger}
	if pool != nil {
		a.rasterize = pool.Rasterize
	} else {
		a.rasterize = func(_ context.Context, content []byte) ([][]byte, error) {
			return preprocess.PageImages(content)
		}
	}
	return a
}

// WithRasterizer replaces how page contents become images.
func (a *Adapter) WithRasterizer(fn Rasterizer) *Adapter {
	a.rasterize = fn
	return a
}

// Recognize OCRs each page independently: rasterize, preprocess, then run
// text detection and layout analysis on the same image in parallel.
// Page results are concatenated in page order. A PDF that reached here
// unsplit is rendered page by page.
func (a *Adapter) Recognize(ctx context.Context, doc entity.Document) (*entity.OCRResult, error) {
	start := time.Now()
	res := &entity.OCRResult{
		Filename:      doc.Filename,
		KeyValuePairs: map[string]string{},
		RawContent:    doc.Content,
	}

	var texts []string
	n := 0
	for i, content := range doc.PageContents() {
		images, err := a.rasterize(ctx, content)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%s page %d: %w", doc.Filename, i+1, err)
		}
		if len(images) > 1 {
			a.logger.Warn("extract.page.unsplit", "filename", doc.Filename, "page", i+1, "rendered", len(images))
		}
		for _, img := range images {
			n++
			det, layout, err := a.recognizePage(ctx, doc.Filename, n, img)
			if err != nil {
				return nil, err
			}
			res.Words = append(res.Words, det.Words...)
			for _, b := range det.Boxes {
				b.Page = n
				res.BoundingBoxes = append(res.BoundingBoxes, b)
			}
			text := det.Text
			if strings.TrimSpace(text) == "" {
				text = layout.Text
			}
			texts = append(texts, text)
			res.Tables = append(res.Tables, layout.Tables...)
			for k, v := range layout.KeyValuePairs {
				if _, ok := res.KeyValuePairs[k]; !ok {
					res.KeyValuePairs[k] = v
				}
			}
		}
	}
	res.NumPages = n
	res.IsMultipage = doc.IsMultipage || n > 1
	res.Text = strings.Join(texts, "\n\n")

	a.logger.Info("extract.recognize.ok",
		"filename", doc.Filename,
		"pages", res.NumPages,
		"words", len(res.Words),
		"tables", len(res.Tables),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (a *Adapter) recognizePage(ctx context.Context, filename string, n int, img []byte) (ocr.TextDetection, ocr.Layout, error) {
	if a.pool != nil {
		clean, err := a.pool.Process(ctx, img)
		switch {
		case ctx.Err() != nil:
			return ocr.TextDetection{}, ocr.Layout{}, ctx.Err()
		case err != nil:
			a.logger.Warn("extract.preprocess.skipped", "filename", filename, "page", n, "error", err)
		default:
			img = clean
		}
	}

	var det ocr.TextDetection
	var layout ocr.Layout
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.retry.Do(gctx, "detect_text", func(ctx context.Context) error {
			var err error
			det, err = a.ocr.DetectText(ctx, img)
			return err
		})
	})
	g.Go(func() error {
		return a.retry.Do(gctx, "analyze_layout", func(ctx context.Context) error {
			var err error
			layout, err = a.ocr.AnalyzeLayout(ctx, img)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		a.logger.Error("extract.recognize.failed", "filename", filename, "page", n, "error", err)
		return ocr.TextDetection{}, ocr.Layout{}, err
	}
	return det, layout, nil
}

// GetStructuredEntities asks the structured-entity collaborator about the
// original document bytes. Failure after retries yields nil, never an error.
func (a *Adapter) GetStructuredEntities(ctx context.Context, res *entity.OCRResult) *entity.StructuredEntities {
	if a.entities == nil || res == nil {
		return nil
	}
	mimeType := DetectMIME(res.Filename, res.RawContent)
	var out *entity.StructuredEntities
	err := a.retry.Do(ctx, "extract_entities", func(ctx context.Context) error {
		var err error
		out, err = a.entities.ExtractEntities(ctx, res.RawContent, mimeType)
		return err
	})
	if err != nil {
		a.logger.Warn("extract.entities.unavailable", "filename", res.Filename, "mime", mimeType, "error", err)
		return nil
	}
	return out
}
