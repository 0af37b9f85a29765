package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/parse"
)

func testService() *Service {
	return NewService(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sampleRecords() []Record {
	d := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	acme := entity.Invoice{
		Filename:      "acme.pdf",
		InvoiceNumber: "INV-2024-001",
		Vendor: entity.Vendor{Name: "Acme, Inc", Address: entity.Address{
			Street: "123 Main Street", City: "Springfield", State: "IL", PostalCode: "62704", Country: "US",
		}},
		InvoiceDate: &d,
		GrandTotal:  parse.ParseDecimal("100"),
		Taxes:       parse.ParseDecimal("8.5"),
		FinalTotal:  parse.ParseDecimal("108.50"),
		Items: []entity.InvoiceItem{
			{Description: "Widget", Quantity: 2, UnitPrice: parse.ParseDecimal("50"), Total: parse.ParseDecimal("100")},
			{Description: "Shipping", Quantity: 1, UnitPrice: parse.ParseDecimal("0.1"), Total: parse.ParseDecimal("0.10")},
		},
		Pages: 2,
	}
	degraded := entity.Invoice{Filename: "scan.png", Pages: 1}
	return []Record{
		{Invoice: acme},
		{Invoice: degraded, Warnings: []string{"Missing date: no invoice date found", "Extraction failed: boom"}, Flags: []string{"Missing vendor name"}},
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"csv": FormatCSV, "CSV": FormatCSV, "xlsx": FormatXLSX, " Excel ": FormatXLSX} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("pdf")
	assert.True(t, errors.Is(err, common.ErrInvalidInput))

	_, err = testService().Export(nil, Format("pdf"))
	assert.True(t, errors.Is(err, common.ErrInvalidInput))
}

func TestRecordsAlignsAnnotations(t *testing.T) {
	outcomes := []entity.ValidationOutcome{
		{Invoice: entity.Invoice{Filename: "a.pdf"}, Warnings: []string{"w"}},
		{Invoice: entity.Invoice{Filename: "b.pdf"}},
	}
	flags := []entity.AnomalyFlag{{Flags: []string{}}, {Flags: []string{"f"}}}
	recs := Records(outcomes, flags)
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"w"}, recs[0].Warnings)
	assert.Empty(t, recs[0].Flags)
	assert.Equal(t, "b.pdf", recs[1].Invoice.Filename)
	assert.Equal(t, []string{"f"}, recs[1].Flags)
}

func TestExportCSV(t *testing.T) {
	data, err := testService().Export(sampleRecords(), FormatCSV)
	require.NoError(t, err)

	parts := strings.SplitN(string(data), "\nLine Items:\n", 2)
	require.Len(t, parts, 2)

	invoices, err := csv.NewReader(strings.NewReader(parts[0])).ReadAll()
	require.NoError(t, err)
	require.Len(t, invoices, 3)
	assert.Equal(t, InvoiceColumns, invoices[0])
	assert.Equal(t, []string{
		"acme.pdf", "INV-2024-001", "Acme, Inc", "123 Main Street", "Springfield", "IL", "62704", "US",
		"2024-03-15", "100.00", "8.50", "108.50", "2", "", "",
	}, invoices[1])
	assert.Equal(t, "", invoices[2][8])
	assert.Equal(t, "", invoices[2][9])
	assert.Equal(t, "Missing date: no invoice date found; Extraction failed: boom", invoices[2][13])
	assert.Equal(t, "Missing vendor name", invoices[2][14])

	items, err := csv.NewReader(strings.NewReader(parts[1])).ReadAll()
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, ItemColumns, items[0])
	assert.Equal(t, []string{"INV-2024-001", "Widget", "2", "50.00", "100.00", "", ""}, items[1])
	assert.Equal(t, "0.10", items[2][3])
}

func TestExportXLSX(t *testing.T) {
	data, err := testService().Export(sampleRecords(), FormatXLSX)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Equal(t, []string{InvoiceSheet, ItemSheet}, f.GetSheetList())

	rows, err := f.GetRows(InvoiceSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, InvoiceColumns, rows[0])
	assert.Equal(t, "100.00", rows[1][9])
	assert.Equal(t, "8.50", rows[1][10])
	assert.Equal(t, "108.50", rows[1][11])
	assert.Equal(t, "2", rows[1][12])

	taxType, err := f.GetCellType(InvoiceSheet, "K2")
	require.NoError(t, err)
	assert.NotEqual(t, excelize.CellTypeNumber, taxType)

	items, err := f.GetRows(ItemSheet)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, ItemColumns, items[0])
	require.GreaterOrEqual(t, len(items[1]), 5)
	assert.Equal(t, []string{"INV-2024-001", "Widget", "2", "50.00", "100.00"}, items[1][:5])
}

func TestExportEmptyBatch(t *testing.T) {
	data, err := testService().ExportXLSX(nil)
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	rows, err := f.GetRows(ItemSheet)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLocalSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	sink, err := NewLocalSink(dir)
	require.NoError(t, err)

	p, err := sink.Put(context.Background(), "../escape/task_invoices.csv", []byte("a,b\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "task_invoices.csv"), p)
	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sink.Put(ctx, "x.csv", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/csv", contentType("a.CSV"))
	assert.Contains(t, contentType("a.xlsx"), "spreadsheetml")
	assert.Equal(t, "application/octet-stream", contentType("a.bin"))
}
