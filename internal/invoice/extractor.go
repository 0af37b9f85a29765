package invoice

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/parse"
)

// Extractor turns recognition output into an Invoice. Structured entities
// are preferred when they pass the validity check; the heuristic tier always
// yields a best-effort result.
type Extractor struct {
	logger *slog.Logger
}

func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract runs the entity tier, then the heuristic tier. ents may be nil.
func (e *Extractor) Extract(res *entity.OCRResult, ents *entity.StructuredEntities) Candidate {
	if c, ok := e.FromEntities(res, ents); ok {
		e.logger.Debug("invoice.extract.entities", "filename", res.Filename)
		return c
	}
	c := e.Heuristic(res)
	e.logger.Debug("invoice.extract.heuristic",
		"filename", res.Filename,
		"invoice_number", c.Invoice.InvoiceNumber,
		"items", len(c.Invoice.Items),
	)
	return c
}

// FromEntities builds a candidate from named entities. It reports false when
// ents is absent or the candidate fails IsValidCandidate.
func (e *Extractor) FromEntities(res *entity.OCRResult, ents *entity.StructuredEntities) (Candidate, bool) {
	if ents == nil || len(ents.Entities) == 0 {
		return Candidate{}, false
	}
	inv := entity.Invoice{
		Filename:      res.Filename,
		InvoiceNumber: strings.TrimSpace(ents.Get(entity.EntityInvoiceID)),
		Vendor: entity.Vendor{
			Name: strings.TrimSpace(ents.Get(entity.EntitySupplierName)),
			Address: entity.Address{
				Street:     strings.TrimSpace(ents.Get(entity.EntitySupplierAddress)),
				City:       strings.TrimSpace(ents.Get(entity.EntitySupplierCity)),
				State:      strings.TrimSpace(ents.Get(entity.EntitySupplierState)),
				Country:    strings.TrimSpace(ents.Get(entity.EntitySupplierCountry)),
				PostalCode: strings.TrimSpace(ents.Get(entity.EntitySupplierZip)),
			},
		},
		GrandTotal: parse.ParseDecimal(ents.Get(entity.EntitySubtotalAmount)),
		Taxes:      parse.ParseDecimal(ents.Get(entity.EntityTotalTaxAmount)),
		FinalTotal: parse.ParseDecimal(ents.Get(entity.EntityTotalAmount)),
		Pages:      pageCount(res),
	}
	if raw := strings.TrimSpace(ents.Get(entity.EntityInvoiceDate)); raw != "" {
		if d, ok := parse.ParseDate(raw); ok {
			inv.InvoiceDate = &d
		} else {
			inv.DateText = raw
		}
	}
	if !IsValidCandidate(inv) {
		return Candidate{}, false
	}

	for _, t := range ents.Tables {
		inv.Items = append(inv.Items, e.parseRows(res.Filename, t)...)
	}
	if len(ents.Tables) == 0 && len(res.Tables) > 0 {
		inv.Items = e.itemsFromTable(res.Filename, res.Tables[0])
	}
	return Candidate{Invoice: inv, Source: SourceEntities}, true
}

// Heuristic extracts fields from recognized text and the first detected table.
func (e *Extractor) Heuristic(res *entity.OCRResult) Candidate {
	inv := entity.Invoice{
		Filename:      res.Filename,
		InvoiceNumber: findInvoiceNumber(res.Text),
		Vendor:        findVendor(res.Text),
		Pages:         pageCount(res),
	}
	if d, raw := findDate(res.Text); d != nil {
		inv.InvoiceDate = d
	} else {
		inv.DateText = raw
	}
	inv.GrandTotal, inv.Taxes, inv.FinalTotal = findTotals(res.Text)
	if len(res.Tables) > 0 {
		inv.Items = e.itemsFromTable(res.Filename, res.Tables[0])
	}
	return Candidate{Invoice: inv, Source: SourceHeuristic}
}

// itemsFromTable parses rows after the header. A first row that already
// parses as an item is kept, since some layouts carry no header.
func (e *Extractor) itemsFromTable(filename string, t entity.Table) []entity.InvoiceItem {
	if len(t) == 0 {
		return nil
	}
	if _, ok := parseItem(t[0]); !ok {
		t = t[1:]
	}
	return e.parseRows(filename, t)
}

func (e *Extractor) parseRows(filename string, rows entity.Table) []entity.InvoiceItem {
	var items []entity.InvoiceItem
	for i, row := range rows {
		item, ok := parseItem(row)
		if !ok {
			e.logger.Debug("invoice.item.skipped", "filename", filename, "row", i, "cells", len(row))
			continue
		}
		items = append(items, item)
	}
	return items
}

// parseItem reads {description, int quantity, unit price, total}.
func parseItem(row []string) (entity.InvoiceItem, bool) {
	if len(row) < 4 {
		return entity.InvoiceItem{}, false
	}
	desc := strings.TrimSpace(row[0])
	qty, err := strconv.Atoi(strings.TrimSpace(row[1]))
	if err != nil || desc == "" {
		return entity.InvoiceItem{}, false
	}
	return entity.InvoiceItem{
		Description: desc,
		Quantity:    qty,
		UnitPrice:   parse.ParseDecimal(row[2]),
		Total:       parse.ParseDecimal(row[3]),
	}, true
}

func pageCount(res *entity.OCRResult) int {
	if res.NumPages > 0 {
		return res.NumPages
	}
	return 1
}
