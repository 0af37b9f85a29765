package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/invoice-pipeline/internal/cache"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/invoice"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const invoiceText = `Acme Supplies Inc
123 Main Street
Invoice Number: INV-2024-001
Date: 03/15/2024
Subtotal: $100.00 Tax: $8.00 Total: $108.00`

type fakeRecognizer struct {
	recognizeCalls atomic.Int32
	entityCalls    atomic.Int32
	err            error
	failFor        map[string]bool
	entities       *entity.StructuredEntities
}

func (f *fakeRecognizer) Recognize(_ context.Context, doc entity.Document) (*entity.OCRResult, error) {
	f.recognizeCalls.Add(1)
	if f.err != nil || f.failFor[doc.Filename] {
		return nil, errors.New("ocr service unavailable")
	}
	return &entity.OCRResult{
		Filename:   doc.Filename,
		Text:       invoiceText,
		Tables:     []entity.Table{{{"Widget", "2", "50.00", "100.00"}}},
		NumPages:   doc.PageCount(),
		RawContent: doc.Content,
	}, nil
}

func (f *fakeRecognizer) GetStructuredEntities(context.Context, *entity.OCRResult) *entity.StructuredEntities {
	f.entityCalls.Add(1)
	return f.entities
}

func doc(name, content string) entity.Document {
	return entity.Document{Filename: name, Content: []byte(content), ContentHash: "hash-" + content}
}

func TestProcessExtractsInvoice(t *testing.T) {
	rec := &fakeRecognizer{}
	p := NewProcessor(quietLogger(), rec, nil, nil)

	o := p.Process(context.Background(), doc("a.pdf", "A"))
	require.NoError(t, o.Err)
	assert.False(t, o.Degraded())
	assert.Equal(t, invoice.SourceHeuristic, o.Source)
	assert.Equal(t, "a.pdf", o.Invoice.Filename)
	assert.Equal(t, "INV-2024-001", o.Invoice.InvoiceNumber)
	assert.Equal(t, "108.00", o.Invoice.FinalTotal.Decimal.StringFixed(2))
	assert.Equal(t, int32(1), rec.entityCalls.Load())
}

func TestProcessUsesEntitiesWhenValid(t *testing.T) {
	rec := &fakeRecognizer{entities: &entity.StructuredEntities{Entities: map[string]string{
		entity.EntityInvoiceID:    "DOC-12345",
		entity.EntitySupplierName: "Globex",
	}}}
	o := NewProcessor(quietLogger(), rec, nil, nil).Process(context.Background(), doc("a.pdf", "A"))
	require.NoError(t, o.Err)
	assert.Equal(t, invoice.SourceEntities, o.Source)
	assert.Equal(t, "DOC-12345", o.Invoice.InvoiceNumber)
}

func TestProcessCacheRoundTrip(t *testing.T) {
	rec := &fakeRecognizer{}
	rc := cache.NewResultCache(cache.NewMemoryStore(), 0, quietLogger())
	p := NewProcessor(quietLogger(), rec, nil, rc)

	first := p.Process(context.Background(), doc("a.pdf", "same"))
	second := p.Process(context.Background(), doc("b.pdf", "same"))

	require.NoError(t, second.Err)
	assert.Equal(t, int32(1), rec.recognizeCalls.Load())
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, "b.pdf", second.Invoice.Filename)
	assert.Equal(t, first.Invoice.InvoiceNumber, second.Invoice.InvoiceNumber)
	assert.True(t, first.Invoice.FinalTotal.Decimal.Equal(second.Invoice.FinalTotal.Decimal))
}

func TestProcessDegradesOnFailure(t *testing.T) {
	rec := &fakeRecognizer{err: errors.New("down")}
	rc := cache.NewResultCache(cache.NewMemoryStore(), 0, quietLogger())
	p := NewProcessor(quietLogger(), rec, nil, rc)

	d := doc("scan.pdf", "X")
	d.Pages = [][]byte{[]byte("p1"), []byte("p2")}
	o := p.Process(context.Background(), d)
	require.Error(t, o.Err)
	assert.True(t, o.Degraded())
	assert.Equal(t, entity.Invoice{Filename: "scan.pdf", Pages: 2}, o.Invoice)

	_, cached := rc.Get(context.Background(), d.ContentHash)
	assert.False(t, cached)
}

func TestProcessBatchDedupesIdenticalContent(t *testing.T) {
	rec := &fakeRecognizer{}
	p := NewProcessor(quietLogger(), rec, nil, nil)

	var mu sync.Mutex
	var progress []int
	docs := []entity.Document{doc("a.pdf", "same"), doc("b.pdf", "other"), doc("c.pdf", "same")}
	outs := p.ProcessBatch(context.Background(), docs, 1, func(n int) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, n)
	})

	require.Len(t, outs, 3)
	assert.Equal(t, int32(2), rec.recognizeCalls.Load())
	assert.Equal(t, "a.pdf", outs[0].Invoice.Filename)
	assert.Equal(t, "c.pdf", outs[2].Invoice.Filename)
	assert.Equal(t, outs[0].Invoice.InvoiceNumber, outs[2].Invoice.InvoiceNumber)
	assert.Equal(t, outs[0].Invoice.Items, outs[2].Invoice.Items)
	assert.Equal(t, []int{1, 2, 3}, progress)
}

func TestProcessBatchKeepsGoingAfterFailure(t *testing.T) {
	rec := &fakeRecognizer{failFor: map[string]bool{"bad.pdf": true}}
	p := NewProcessor(quietLogger(), rec, nil, nil)

	docs := []entity.Document{doc("good.pdf", "1"), doc("bad.pdf", "2"), doc("fine.pdf", "3")}
	outs := p.ProcessBatch(context.Background(), docs, 3, nil)

	assert.Equal(t, []string{"bad.pdf"}, FailedDocuments(outs))
	invs := Invoices(outs)
	require.Len(t, invs, 3)
	assert.Equal(t, "INV-2024-001", invs[0].InvoiceNumber)
	assert.Equal(t, "bad.pdf", invs[1].Filename)
	assert.Empty(t, invs[1].InvoiceNumber)
}

// gatedRecognizer blocks every Recognize until release is closed or the
// call's ctx ends.
type gatedRecognizer struct {
	fakeRecognizer
	entered   chan struct{}
	enterOnce sync.Once
	release   chan struct{}
	cancelled chan struct{}
}

func newGatedRecognizer() *gatedRecognizer {
	return &gatedRecognizer{
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
		cancelled: make(chan struct{}, 4),
	}
}

func (g *gatedRecognizer) Recognize(ctx context.Context, d entity.Document) (*entity.OCRResult, error) {
	g.enterOnce.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return g.fakeRecognizer.Recognize(ctx, d)
	case <-ctx.Done():
		g.cancelled <- struct{}{}
		return nil, ctx.Err()
	}
}

func (p *Processor) waiters(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.flights[key]; ok {
		return f.waiters
	}
	return 0
}

func TestSharedExtractionSurvivesOtherCallersCancellation(t *testing.T) {
	rec := newGatedRecognizer()
	p := NewProcessor(quietLogger(), rec, nil, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	doneA := make(chan Outcome, 1)
	go func() { doneA <- p.Process(ctxA, doc("a.pdf", "same")) }()
	<-rec.entered

	doneB := make(chan Outcome, 1)
	go func() { doneB <- p.Process(context.Background(), doc("b.pdf", "same")) }()
	require.Eventually(t, func() bool { return p.waiters("hash-same") == 2 }, 2*time.Second, time.Millisecond)

	cancelA()
	a := <-doneA
	assert.True(t, a.Degraded())
	assert.ErrorIs(t, a.Err, context.Canceled)
	assert.Equal(t, "a.pdf", a.Invoice.Filename)

	close(rec.release)
	b := <-doneB
	require.NoError(t, b.Err)
	assert.Equal(t, "b.pdf", b.Invoice.Filename)
	assert.Equal(t, "INV-2024-001", b.Invoice.InvoiceNumber)
	assert.Equal(t, int32(1), rec.recognizeCalls.Load())
	assert.Empty(t, rec.cancelled)
	assert.Equal(t, 0, p.waiters("hash-same"))
}

func TestAbandonedExtractionIsCancelledAndRestarted(t *testing.T) {
	rec := newGatedRecognizer()
	p := NewProcessor(quietLogger(), rec, nil, nil)

	ctxA, cancelA := context.WithCancel(context.Background())
	doneA := make(chan Outcome, 1)
	go func() { doneA <- p.Process(ctxA, doc("a.pdf", "same")) }()
	<-rec.entered
	cancelA()

	a := <-doneA
	assert.True(t, a.Degraded())
	select {
	case <-rec.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned extraction was not cancelled")
	}

	close(rec.release)
	b := p.Process(context.Background(), doc("b.pdf", "same"))
	require.NoError(t, b.Err)
	assert.Equal(t, "b.pdf", b.Invoice.Filename)
	assert.Equal(t, int32(1), rec.recognizeCalls.Load())
}
