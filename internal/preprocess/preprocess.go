package preprocess

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	"image/png"
	"log/slog"
	"sort"
	"time"

	"github.com/gen2brain/heic"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
)

// Preprocessor normalizes page images before OCR: grayscale, median
// denoise, then Otsu binarization. Output is always PNG.
type Preprocessor struct {
	logger        *slog.Logger
	denoiseRadius int
}

func NewPreprocessor(logger *slog.Logger, denoiseRadius int) *Preprocessor {
	if logger == nil {
		logger = slog.Default()
	}
	if denoiseRadius < 0 {
		denoiseRadius = 0
	}
	return &Preprocessor{logger: logger, denoiseRadius: denoiseRadius}
}

// Process decodes an image page and returns the cleaned PNG bytes.
func (p *Preprocessor) Process(data []byte) ([]byte, error) {
	start := time.Now()
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	gray := ToGray(img)
	if p.denoiseRadius > 0 {
		gray = MedianFilter(gray, p.denoiseRadius)
	}
	t := OtsuThreshold(gray)
	bin := Binarize(gray, t)

	var buf bytes.Buffer
	if err := png.Encode(&buf, bin); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	b := bin.Bounds()
	p.logger.Debug("preprocess.ok",
		"width", b.Dx(),
		"height", b.Dy(),
		"threshold", t,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// Decode reads PNG, JPEG or HEIC bytes.
func Decode(data []byte) (image.Image, error) {
	if constants.SniffMIME(data) == "image/heic" {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC image: %w", err)
		}
		return img, nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// ToGray converts any image to 8-bit luminance.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma on 16-bit channels
			lum := (19595*r + 38470*g + 7471*bl + 1<<15) >> 24
			out.Pix[(y-b.Min.Y)*out.Stride+(x-b.Min.X)] = uint8(lum)
		}
	}
	return out
}

// MedianFilter replaces each pixel with the median of its (2r+1)² neighbourhood.
func MedianFilter(src *image.Gray, radius int) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	window := make([]uint8, 0, (2*radius+1)*(2*radius+1))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			window = window[:0]
			for dy := -radius; dy <= radius; dy++ {
				yy := clamp(y+dy, 0, h-1)
				for dx := -radius; dx <= radius; dx++ {
					xx := clamp(x+dx, 0, w-1)
					window = append(window, src.Pix[yy*src.Stride+xx])
				}
			}
			sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
			out.Pix[y*out.Stride+x] = window[len(window)/2]
		}
	}
	return out
}

// OtsuThreshold picks the threshold maximizing between-class variance.
func OtsuThreshold(g *image.Gray) uint8 {
	var hist [256]int
	b := g.Bounds()
	total := 0
	for y := 0; y < b.Dy(); y++ {
		row := g.Pix[y*g.Stride : y*g.Stride+b.Dx()]
		for _, v := range row {
			hist[v]++
			total++
		}
	}
	if total == 0 {
		return 128
	}
	var sum float64
	for i, c := range hist {
		sum += float64(i * c)
	}
	var sumB, maxVar float64
	var wB int
	best := 0
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > maxVar {
			maxVar = between
			best = t
		}
	}
	return uint8(best)
}

// Binarize maps pixels above t to white and the rest to black.
func Binarize(g *image.Gray, t uint8) *image.Gray {
	b := g.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if g.Pix[y*g.Stride+x] > t {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
