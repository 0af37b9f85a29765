package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/parse"
)

// Format selects the serialization of an export.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts csv, xlsx and excel in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return FormatCSV, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	}
	return "", common.NewAppError("EXPORT_FORMAT", fmt.Sprintf("unsupported export format %q", s), common.ErrInvalidInput)
}

const (
	InvoiceSheet = "Invoices"
	ItemSheet    = "Line Items"
	listSep      = "; "
)

var (
	InvoiceColumns = []string{
		"Filename", "Invoice Number", "Vendor Name", "Vendor Street", "Vendor City",
		"Vendor State", "Vendor Postal Code", "Vendor Country", "Invoice Date",
		"Grand Total", "Taxes", "Final Total", "Pages", "Validation Warnings", "Anomaly Flags",
	}
	ItemColumns = []string{
		"Invoice Number", "Description", "Quantity", "Unit Price", "Total", "Validation Warnings", "Anomaly Flags",
	}
)

// Record is an invoice with the annotations merged in at export time.
type Record struct {
	Invoice  entity.Invoice
	Warnings []string
	Flags    []string
}

// Records zips validation outcomes and anomaly flags, both aligned with the batch.
func Records(outcomes []entity.ValidationOutcome, flags []entity.AnomalyFlag) []Record {
	out := make([]Record, len(outcomes))
	for i, o := range outcomes {
		out[i] = Record{Invoice: o.Invoice, Warnings: o.Warnings}
		if i < len(flags) {
			out[i].Flags = flags[i].Flags
		}
	}
	return out
}

// Service renders invoice batches as CSV or XLSX bytes.
type Service struct {
	logger *slog.Logger
}

func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

// Export serializes records in the requested format.
func (s *Service) Export(records []Record, format Format) ([]byte, error) {
	switch format {
	case FormatCSV:
		return s.ExportCSV(records)
	case FormatXLSX:
		return s.ExportXLSX(records)
	}
	return nil, common.NewAppError("EXPORT_FORMAT", fmt.Sprintf("unsupported export format %q", format), common.ErrInvalidInput)
}

// ExportCSV writes the invoice table, a blank line, a "Line Items:" marker
// and then the item table.
func (s *Service) ExportCSV(records []Record) ([]byte, error) {
	start := time.Now()
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := append([][]string{InvoiceColumns}, invoiceRows(records)...)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("csv invoices: %w", err)
	}
	buf.WriteString("\nLine Items:\n")
	items := itemRows(records)
	if err := w.WriteAll(append([][]string{ItemColumns}, items...)); err != nil {
		return nil, fmt.Errorf("csv items: %w", err)
	}

	s.logger.Info("export.csv.ok",
		"invoices", len(records),
		"items", len(items),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// ExportXLSX returns a workbook with an "Invoices" and a "Line Items" sheet.
// Money cells are written as fixed two-decimal strings.
func (s *Service) ExportXLSX(records []Record) ([]byte, error) {
	start := time.Now()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", InvoiceSheet); err != nil {
		return nil, fmt.Errorf("xlsx rename sheet: %w", err)
	}
	if _, err := f.NewSheet(ItemSheet); err != nil {
		return nil, fmt.Errorf("xlsx new sheet: %w", err)
	}

	invRows := invoiceRows(records)
	if err := writeSheet(f, InvoiceSheet, InvoiceColumns, invRows, map[int]bool{12: true}); err != nil {
		return nil, err
	}
	items := itemRows(records)
	if err := writeSheet(f, ItemSheet, ItemColumns, items, map[int]bool{2: true}); err != nil {
		return nil, err
	}
	idx, _ := f.GetSheetIndex(InvoiceSheet)
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"invoices", len(records),
		"items", len(items),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// writeSheet writes header and rows. Columns listed in intCols are stored
// as numbers; every other cell stays a string.
func writeSheet(f *excelize.File, sheet string, header []string, rows [][]string, intCols map[int]bool) error {
	widths := make([]int, len(header))
	all := append([][]string{header}, rows...)
	for r, row := range all {
		values := make([]any, len(row))
		for c, v := range row {
			values[c] = v
			if r > 0 && intCols[c] {
				if n, err := strconv.Atoi(v); err == nil {
					values[c] = n
				}
			}
			if l := utf8.RuneCountInString(v); c < len(widths) && l > widths[c] {
				widths[c] = l
			}
		}
		cell, _ := excelize.CoordinatesToCellName(1, r+1)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("xlsx %s row %d: %w", sheet, r+1, err)
		}
	}
	for c, w := range widths {
		col, _ := excelize.ColumnNumberToName(c + 1)
		_ = f.SetColWidth(sheet, col, col, float64(min(w+2, 80)))
	}
	return nil
}

func invoiceRows(records []Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		inv := r.Invoice
		a := inv.Vendor.Address
		rows = append(rows, []string{
			inv.Filename,
			inv.InvoiceNumber,
			inv.Vendor.Name,
			a.Street,
			a.City,
			a.State,
			a.PostalCode,
			a.Country,
			formatDate(inv.InvoiceDate),
			parse.FormatDecimal(inv.GrandTotal),
			parse.FormatDecimal(inv.Taxes),
			parse.FormatDecimal(inv.FinalTotal),
			strconv.Itoa(inv.Pages),
			strings.Join(r.Warnings, listSep),
			strings.Join(r.Flags, listSep),
		})
	}
	return rows
}

// itemRows groups items by invoice, in batch order.
func itemRows(records []Record) [][]string {
	var rows [][]string
	for _, r := range records {
		warnings := strings.Join(r.Warnings, listSep)
		flags := strings.Join(r.Flags, listSep)
		for _, item := range r.Invoice.Items {
			rows = append(rows, []string{
				r.Invoice.InvoiceNumber,
				item.Description,
				strconv.Itoa(item.Quantity),
				parse.FormatDecimal(item.UnitPrice),
				parse.FormatDecimal(item.Total),
				warnings,
				flags,
			})
		}
	}
	return rows
}

func formatDate(d *time.Time) string {
	if d == nil {
		return ""
	}
	return d.Format(time.DateOnly)
}
