package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/joseph-ayodele/invoice-pipeline/internal/cache"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/extract"
	"github.com/joseph-ayodele/invoice-pipeline/internal/invoice"
)

// SourceCache marks an outcome served from the result cache.
const SourceCache invoice.Source = "cache"

// Outcome is the result of processing one document. When Err is set the
// invoice is a degraded placeholder carrying only filename and pages.
type Outcome struct {
	Invoice entity.Invoice
	Source  invoice.Source
	Err     error
}

// Degraded reports whether extraction failed for this document.
func (o Outcome) Degraded() bool { return o.Err != nil }

// Processor coordinates cache lookup, recognition, structured entities and
// invoice extraction for a single document.
type Processor struct {
	logger     *slog.Logger
	recognizer extract.Recognizer
	extractor  *invoice.Extractor
	cache      *cache.ResultCache
	group      singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context a shared extraction runs on. It is detached from
// every caller and cancelled once no caller is waiting.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewProcessor builds a Processor. resultCache may be nil.
func NewProcessor(logger *slog.Logger, recognizer extract.Recognizer, extractor *invoice.Extractor, resultCache *cache.ResultCache) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if extractor == nil {
		extractor = invoice.NewExtractor(logger)
	}
	return &Processor{
		logger:     logger,
		recognizer: recognizer,
		extractor:  extractor,
		cache:      resultCache,
		flights:    map[string]*flight{},
	}
}

type flightResult struct {
	inv    entity.Invoice
	source invoice.Source
}

// Process extracts one document. Concurrent calls for identical content,
// from any task, share a single extraction; a caller whose ctx ends stops
// waiting without disturbing the others. A collaborator failure yields a
// degraded outcome instead of an error return.
func (p *Processor) Process(ctx context.Context, doc entity.Document) Outcome {
	key := doc.ContentHash
	if key == "" {
		key = "name:" + doc.Filename
	}
	f := p.join(ctx, key)
	ch := p.group.DoChan(key, func() (any, error) {
		return p.process(f.ctx, doc)
	})

	var (
		v      any
		err    error
		shared bool
	)
	select {
	case r := <-ch:
		v, err, shared = r.Val, r.Err, r.Shared
	case <-ctx.Done():
		err = context.Cause(ctx)
	}
	p.leave(key, f)

	if err != nil {
		err = fmt.Errorf("extract %s: %w", doc.Filename, err)
		p.logger.Error("processor.document.failed", "filename", doc.Filename, "content_hash", doc.ContentHash, "error", err)
		return Outcome{
			Invoice: entity.Invoice{Filename: doc.Filename, Pages: doc.PageCount()},
			Err:     err,
		}
	}
	res := v.(flightResult)
	inv := res.inv
	inv.Filename = doc.Filename
	if shared {
		p.logger.Debug("processor.document.shared", "filename", doc.Filename, "content_hash", doc.ContentHash)
	}
	return Outcome{Invoice: inv, Source: res.source}
}

// join registers the caller on the flight for key, creating it on first use.
func (p *Processor) join(ctx context.Context, key string) *flight {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: common.WithContentHash(fctx, key), cancel: cancel}
		p.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops the caller. The last one out cancels the flight and makes
// the next caller start a fresh extraction.
func (p *Processor) leave(key string, f *flight) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if p.flights[key] == f {
		delete(p.flights, key)
		p.group.Forget(key)
	}
}

func (p *Processor) process(ctx context.Context, doc entity.Document) (flightResult, error) {
	start := time.Now()
	if cached, ok := p.cache.Get(ctx, doc.ContentHash); ok {
		p.logger.Info("processor.cache.hit", "filename", doc.Filename, "content_hash", doc.ContentHash)
		return flightResult{inv: *cached, source: SourceCache}, nil
	}

	ocrRes, err := p.recognizer.Recognize(ctx, doc)
	if err != nil {
		return flightResult{}, fmt.Errorf("recognize: %w", err)
	}
	ents := p.recognizer.GetStructuredEntities(ctx, ocrRes)

	c := p.extractor.Extract(ocrRes, ents)
	if c.Invoice.Pages < doc.PageCount() {
		c.Invoice.Pages = doc.PageCount()
	}
	p.cache.Set(ctx, doc.ContentHash, &c.Invoice)

	p.logger.Info("processor.document.ok",
		"filename", doc.Filename,
		"content_hash", doc.ContentHash,
		"source", string(c.Source),
		"invoice_number", c.Invoice.InvoiceNumber,
		"items", len(c.Invoice.Items),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return flightResult{inv: c.Invoice, source: c.Source}, nil
}
