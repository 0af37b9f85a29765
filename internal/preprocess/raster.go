package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image/png"

	"github.com/gen2brain/go-fitz"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
)

// PageImages returns the images to OCR for one page content. PDFs are
// rendered with MuPDF, one PNG per page, so a PDF that was never split
// still yields all of its pages. Images pass through unchanged.
func PageImages(content []byte) ([][]byte, error) {
	if constants.SniffMIME(content) != "application/pdf" {
		return [][]byte{content}, nil
	}
	doc, err := fitz.NewFromMemory(content)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	n := doc.NumPage()
	if n == 0 {
		return nil, errors.New("PDF has no pages")
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		img, err := renderPage(doc, i)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, nil
}

// renderPage renders page n (zero based) to PNG.
func renderPage(doc *fitz.Document, n int) ([]byte, error) {
	img, err := doc.Image(n)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page %d: %w", n+1, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}
