package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

type TesseractConfig struct {
	Binary      string // binary name or absolute path; if empty -> "tesseract"
	Lang        string // default "eng"
	TessdataDir string
	PSM         int // page segmentation mode; 0 leaves tesseract's default
}

// TesseractClient runs a local tesseract binary. Layout is derived from
// word geometry in the TSV output, so both calls share one recognition.
type TesseractClient struct {
	cfg    TesseractConfig
	runner Runner
	logger *slog.Logger
}

func NewTesseractClient(cfg TesseractConfig, logger *slog.Logger) *TesseractClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Lang == "" {
		cfg.Lang = "eng"
	}
	return &TesseractClient{cfg: cfg, runner: execRunner{logger: logger}, logger: logger}
}

// WithRunner swaps the command runner.
func (c *TesseractClient) WithRunner(r Runner) *TesseractClient {
	c.runner = r
	return c
}

func (c *TesseractClient) DetectText(ctx context.Context, image []byte) (TextDetection, error) {
	words, err := c.recognize(ctx, image)
	if err != nil {
		return TextDetection{}, err
	}
	det := TextDetection{
		Words: make([]string, 0, len(words)),
		Boxes: make([]entity.BoundingBox, 0, len(words)),
	}
	lines := make([]string, 0)
	for _, cells := range groupLines(words) {
		lines = append(lines, strings.Join(cells, "  "))
	}
	for _, w := range words {
		det.Words = append(det.Words, w.text)
		det.Boxes = append(det.Boxes, w.box)
	}
	det.Text = Normalize(strings.Join(lines, "\n"))
	return det, nil
}

func (c *TesseractClient) AnalyzeLayout(ctx context.Context, image []byte) (Layout, error) {
	words, err := c.recognize(ctx, image)
	if err != nil {
		return Layout{}, err
	}
	return LayoutFromCells(groupLines(words)), nil
}

func (c *TesseractClient) recognize(ctx context.Context, image []byte) ([]tsvWord, error) {
	f, err := os.CreateTemp("", "invoice-ocr-*.png")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(f.Name()) }()
	if _, err := f.Write(image); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	// tesseract <file> stdout -l <lang> [--psm N] [--tessdata-dir D] tsv
	args := []string{f.Name(), "stdout", "-l", c.cfg.Lang}
	if c.cfg.PSM > 0 {
		args = append(args, "--psm", fmt.Sprintf("%d", c.cfg.PSM))
	}
	if c.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", c.cfg.TessdataDir)
	}
	args = append(args, "tsv")

	out, errb, err := c.runner.Run(ctx, c.cfg.Binary, args...)
	if err != nil {
		return nil, fmt.Errorf("tesseract: %w: %s", err, truncate(string(errb), 256))
	}
	words := parseTSV(out)
	c.logger.Debug("ocr.tesseract.ok", "words", len(words))
	return words, nil
}
