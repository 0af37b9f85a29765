package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// FSLoader reads submitted documents from the local filesystem.
type FSLoader struct {
	logger   *slog.Logger
	maxBytes int64
	splitter PageSplitter
}

type Option func(*FSLoader)

// WithMaxBytes overrides the per-file size cap.
func WithMaxBytes(n int64) Option {
	return func(l *FSLoader) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// WithSplitter replaces the PDF page splitter.
func WithSplitter(s PageSplitter) Option {
	return func(l *FSLoader) {
		if s != nil {
			l.splitter = s
		}
	}
}

func NewFSLoader(logger *slog.Logger, opts ...Option) *FSLoader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &FSLoader{
		logger:   logger,
		maxBytes: constants.MaxUploadBytes,
		splitter: PDFCPUSplitter{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load implements Loader. Per-file problems are reported as Failures;
// only context cancellation aborts the whole load.
func (l *FSLoader) Load(ctx context.Context, paths []string, workDir string) ([]entity.Document, []Failure, error) {
	var docs []entity.Document
	var failures []Failure

	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return docs, failures, err
		}
		ext := constants.NormalizeExt(filepath.Ext(p))
		if !AllowedExt(ext) {
			failures = append(failures, Failure{Path: p, Err: fmt.Sprintf("%v: extension %q", common.ErrUnsupportedFile, ext)})
			continue
		}

		if constants.MapExtToFormat(ext) == constants.ARCHIVE {
			dest := filepath.Join(workDir, fmt.Sprintf("archive-%d", i))
			inner, err := Unzip(p, dest, l.maxBytes)
			if err != nil {
				l.logger.Warn("ingest.zip.failed", "path", p, "error", err)
				failures = append(failures, Failure{Path: p, Err: err.Error()})
				continue
			}
			l.logger.Info("ingest.zip.ok", "path", p, "entries", len(inner))
			for _, e := range inner {
				doc, err := l.loadFile(ctx, e.Path, workDir)
				if err != nil {
					failures = append(failures, Failure{Path: e.Path, Err: err.Error()})
					continue
				}
				doc.Filename = e.Name
				docs = append(docs, doc)
			}
			continue
		}

		doc, err := l.loadFile(ctx, p, workDir)
		if err != nil {
			l.logger.Warn("ingest.file.failed", "path", p, "error", err)
			failures = append(failures, Failure{Path: p, Err: err.Error()})
			continue
		}
		docs = append(docs, doc)
	}

	l.logger.Info("ingest.load.ok", "documents", len(docs), "failures", len(failures))
	return docs, failures, nil
}

func (l *FSLoader) loadFile(ctx context.Context, path, workDir string) (entity.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return entity.Document{}, err
	}
	if info.IsDir() {
		return entity.Document{}, fmt.Errorf("%w: %s is a directory", common.ErrUnsupportedFile, path)
	}
	if info.Size() > l.maxBytes {
		return entity.Document{}, fmt.Errorf("%w: %s is %d bytes, limit %d", common.ErrInvalidInput, filepath.Base(path), info.Size(), l.maxBytes)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return entity.Document{}, err
	}
	sum := sha256.Sum256(content)
	doc := entity.Document{
		Filename:    filepath.Base(path),
		Content:     content,
		ContentHash: hex.EncodeToString(sum[:]),
	}

	if constants.MapExtToFormat(filepath.Ext(path)) != constants.PDF {
		return doc, nil
	}
	pages, err := l.splitter.Split(ctx, path, filepath.Join(workDir, "pages-"+doc.ContentHash[:16]))
	if err != nil {
		// Unsplittable PDFs are still sent through as one document.
		l.logger.Warn("ingest.pdf.split_failed", "path", path, "error", err)
		return doc, nil
	}
	if len(pages) > 1 {
		doc.IsMultipage = true
		doc.Pages = pages
	}
	l.logger.Debug("ingest.pdf.ok", "path", path, "pages", doc.PageCount())
	return doc, nil
}
