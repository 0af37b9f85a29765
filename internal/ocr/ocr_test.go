package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const tsvHeader = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n"

// tsvFixture is a two-column header line, a key/value line and a
// three-row, four-column table.
var tsvFixture = tsvHeader + strings.Join([]string{
	"1\t1\t0\t0\t0\t0\t0\t0\t800\t600\t-1\t",
	"5\t1\t1\t1\t1\t1\t10\t10\t60\t12\t95\tInvoice",
	"5\t1\t1\t1\t1\t2\t75\t10\t40\t12\t95\tNumber:",
	"5\t1\t1\t1\t1\t3\t120\t10\t60\t12\t95\tINV-1001",
	"5\t1\t2\t1\t1\t1\t10\t40\t80\t12\t90\tDescription",
	"5\t1\t2\t1\t1\t2\t200\t40\t30\t12\t90\tQty",
	"5\t1\t2\t1\t1\t3\t300\t40\t40\t12\t90\tPrice",
	"5\t1\t2\t1\t1\t4\t400\t40\t40\t12\t90\tTotal",
	"5\t1\t2\t1\t2\t1\t10\t60\t50\t12\t90\tWidget",
	"5\t1\t2\t1\t2\t2\t65\t60\t30\t12\t90\tblue",
	"5\t1\t2\t1\t2\t3\t200\t60\t10\t12\t90\t2",
	"5\t1\t2\t1\t2\t4\t300\t60\t40\t12\t90\t5.00",
	"5\t1\t2\t1\t2\t5\t400\t60\t40\t12\t90\t10.00",
	"5\t1\t2\t1\t3\t1\t10\t80\t50\t12\t90\tGadget",
	"5\t1\t2\t1\t3\t2\t200\t80\t10\t12\t90\t1",
	"5\t1\t2\t1\t3\t3\t300\t80\t40\t12\t90\t7.50",
	"5\t1\t2\t1\t3\t4\t400\t80\t40\t12\t90\t7.50",
}, "\n") + "\n"

type fakeRunner struct {
	out  []byte
	err  error
	args []string
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) ([]byte, []byte, error) {
	f.args = args
	return f.out, []byte("boom"), f.err
}

func TestParseTSVAndGroupLines(t *testing.T) {
	words := parseTSV([]byte(tsvFixture))
	require.Len(t, words, 16)
	assert.Equal(t, entity.BoundingBox{Page: 1, X: 10, Y: 10, Width: 60, Height: 12}, words[0].box)

	lines := groupLines(words)
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"Invoice Number: INV-1001"}, lines[0])
	assert.Equal(t, []string{"Description", "Qty", "Price", "Total"}, lines[1])
	assert.Equal(t, []string{"Widget blue", "2", "5.00", "10.00"}, lines[2])
}

func TestTesseractClient(t *testing.T) {
	r := &fakeRunner{out: []byte(tsvFixture)}
	c := NewTesseractClient(TesseractConfig{Lang: "deu", TessdataDir: "/td"}, quietLogger()).WithRunner(r)

	det, err := c.DetectText(context.Background(), []byte("png"))
	require.NoError(t, err)
	assert.Len(t, det.Words, 16)
	assert.Len(t, det.Boxes, 16)
	assert.True(t, strings.HasPrefix(det.Text, "Invoice Number: INV-1001\n"))
	assert.Contains(t, r.args, "deu")
	assert.Contains(t, r.args, "/td")
	assert.Equal(t, "tsv", r.args[len(r.args)-1])

	layout, err := c.AnalyzeLayout(context.Background(), []byte("png"))
	require.NoError(t, err)
	require.Len(t, layout.Tables, 1)
	assert.Len(t, layout.Tables[0], 3)
	assert.Equal(t, "INV-1001", layout.KeyValuePairs["Invoice Number"])
}

func TestTesseractClientError(t *testing.T) {
	r := &fakeRunner{err: errors.New("exit 1")}
	c := NewTesseractClient(TesseractConfig{}, quietLogger()).WithRunner(r)
	_, err := c.DetectText(context.Background(), []byte("png"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestLayoutFromText(t *testing.T) {
	text := "ACME Corp\r\nDate: 2024-01-15\n\n" +
		"Item      Qty   Price   Total\n" +
		"Bolts     10    0.50    5.00\n" +
		"Nuts\t4\t0.25\t1.00\n" +
		"-----------\n" +
		"Total: 6.00\n"
	l := LayoutFromText(text)
	require.Len(t, l.Tables, 1)
	assert.Equal(t, entity.Table{
		{"Item", "Qty", "Price", "Total"},
		{"Bolts", "10", "0.50", "5.00"},
		{"Nuts", "4", "0.25", "1.00"},
	}, l.Tables[0])
	assert.Equal(t, "2024-01-15", l.KeyValuePairs["Date"])
	assert.Equal(t, "6.00", l.KeyValuePairs["Total"])
}

func TestLayoutFromCellsIgnoresSingleRowTables(t *testing.T) {
	l := LayoutFromCells([][]string{{"a", "b", "c"}, {"x"}, {"d", "e", "f"}})
	assert.Empty(t, l.Tables)
}

func TestHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req imageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Image)
		switch r.URL.Path {
		case "/v1/text":
			_, _ = w.Write([]byte(`{"text":"Invoice INV-1","words":[{"text":"Invoice","box":{"x":1,"y":2,"width":3,"height":4}},{"text":"INV-1"}]}`))
		case "/v1/layout":
			_, _ = w.Write([]byte(`{"text":"a","tables":[[["a","b"],["c","d"]]],"key_value_pairs":{"Date":"2024-01-01"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", 0, quietLogger())
	det, err := c.DetectText(context.Background(), []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"Invoice", "INV-1"}, det.Words)
	assert.Equal(t, 3, det.Boxes[0].Width)

	l, err := c.AnalyzeLayout(context.Background(), []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []entity.Table{{{"a", "b"}, {"c", "d"}}}, l.Tables)
	assert.Equal(t, "2024-01-01", l.KeyValuePairs["Date"])
}

func TestHTTPClientRejectsMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"words":"nope"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, 0, quietLogger()).DetectText(context.Background(), []byte{1})
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Temporary())
}

func TestVisionClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(string(body), "DOCUMENT_TEXT_DETECTION") {
			_, _ = w.Write([]byte(`{"responses":[{"fullTextAnnotation":{"text":"Invoice Number: A-1","pages":[{"blocks":[
				{"blockType":"TEXT","paragraphs":[{"words":[{"symbols":[{"text":"Date"},{"text":":"}]},{"symbols":[{"text":"2024"}]}]}]},
				{"blockType":"TABLE","paragraphs":[{"words":[{"symbols":[{"text":"a"}]},{"symbols":[{"text":"b"}]}]}]}
			]}]}}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"responses":[{"textAnnotations":[
			{"description":"Invoice A-1"},
			{"description":"Invoice","boundingPoly":{"vertices":[{"x":1,"y":2},{"x":11,"y":2},{"x":11,"y":8},{"x":1,"y":8}]}},
			{"description":"A-1"}
		]}]}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	c, err := NewVisionClient(ctx, quietLogger(), option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication())
	require.NoError(t, err)

	det, err := c.DetectText(ctx, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "Invoice A-1", det.Text)
	assert.Equal(t, []string{"Invoice", "A-1"}, det.Words)
	assert.Equal(t, entity.BoundingBox{X: 1, Y: 2, Width: 10, Height: 6}, det.Boxes[0])

	l, err := c.AnalyzeLayout(ctx, []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "2024", l.KeyValuePairs["Date"])
	assert.Equal(t, []entity.Table{{{"a", "b"}}}, l.Tables)
}
