package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PageSplitter splits a PDF on disk into ordered single-page contents.
type PageSplitter interface {
	Split(ctx context.Context, path, outDir string) ([][]byte, error)
}

// PDFCPUSplitter splits with pdfcpu. Single-page PDFs are returned as-is.
type PDFCPUSplitter struct{}

var reSplitPage = regexp.MustCompile(`_(\d+)\.pdf$`)

func (PDFCPUSplitter) Split(_ context.Context, path, outDir string) ([][]byte, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return nil, fmt.Errorf("page count: %w", err)
	}
	if n <= 1 {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return [][]byte{b}, nil
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	if err := api.SplitFile(path, outDir, 1, nil); err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(outDir, "*.pdf"))
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return pageIndex(files[i]) < pageIndex(files[j]) })

	pages := make([][]byte, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		pages = append(pages, b)
	}
	if len(pages) != n {
		return nil, fmt.Errorf("split produced %d pages, expected %d", len(pages), n)
	}
	return pages, nil
}

func pageIndex(name string) int {
	m := reSplitPage.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
