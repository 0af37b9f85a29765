package core

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// ProcessBatch fans documents out with at most limit in flight and joins
// them. Byte-identical documents are extracted once and the outcome is
// copied to the duplicates. Results are aligned with docs. onDone, if set,
// receives the running count of completed documents.
func (p *Processor) ProcessBatch(ctx context.Context, docs []entity.Document, limit int, onDone func(done int)) []Outcome {
	out := make([]Outcome, len(docs))
	if limit < 1 {
		limit = 1
	}

	firstByHash := map[string]int{}
	dupOf := map[int]int{}
	var unique []int
	for i, d := range docs {
		if d.ContentHash != "" {
			if j, ok := firstByHash[d.ContentHash]; ok {
				dupOf[i] = j
				continue
			}
			firstByHash[d.ContentHash] = i
		}
		unique = append(unique, i)
	}

	var done atomic.Int32
	report := func() {
		n := done.Add(1)
		if onDone != nil {
			onDone(int(n))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, i := range unique {
		g.Go(func() error {
			out[i] = p.Process(gctx, docs[i])
			report()
			return nil
		})
	}
	_ = g.Wait()

	for i := range docs {
		j, ok := dupOf[i]
		if !ok {
			continue
		}
		o := out[j]
		o.Invoice.Filename = docs[i].Filename
		o.Invoice.Items = append([]entity.InvoiceItem(nil), o.Invoice.Items...)
		out[i] = o
		p.logger.Debug("processor.document.duplicate", "filename", docs[i].Filename, "same_as", docs[j].Filename)
		report()
	}
	return out
}

// FailedDocuments lists the filenames of degraded outcomes.
func FailedDocuments(outcomes []Outcome) []string {
	var failed []string
	for _, o := range outcomes {
		if o.Degraded() {
			failed = append(failed, o.Invoice.Filename)
		}
	}
	return failed
}

// Invoices returns the invoice of every outcome, degraded ones included.
func Invoices(outcomes []Outcome) []entity.Invoice {
	invs := make([]entity.Invoice, len(outcomes))
	for i, o := range outcomes {
		invs[i] = o.Invoice
	}
	return invs
}
