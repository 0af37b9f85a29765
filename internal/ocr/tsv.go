package ocr

import (
	"strconv"
	"strings"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// tsvWord is a level-5 row of tesseract TSV output.
type tsvWord struct {
	block, par, line int
	box              entity.BoundingBox
	text             string
}

// parseTSV reads tesseract TSV output:
// level page block par line word left top width height conf text
func parseTSV(out []byte) []tsvWord {
	var words []tsvWord
	for i, ln := range strings.Split(string(out), "\n") {
		if i == 0 || ln == "" {
			continue // header
		}
		cols := strings.SplitN(ln, "\t", 12)
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}
		n := make([]int, 10)
		ok := true
		for j := 1; j < 10; j++ {
			v, err := strconv.Atoi(cols[j])
			if err != nil {
				ok = false
				break
			}
			n[j] = v
		}
		if !ok {
			continue
		}
		words = append(words, tsvWord{
			block: n[2], par: n[3], line: n[4],
			box:  entity.BoundingBox{Page: n[1], X: n[6], Y: n[7], Width: n[8], Height: n[9]},
			text: text,
		})
	}
	return words
}

// groupLines groups words into lines in reading order and splits each line
// into cells wherever the horizontal gap exceeds the word height.
func groupLines(words []tsvWord) [][]string {
	type key struct{ block, par, line int }
	var order []key
	byLine := map[key][]tsvWord{}
	for _, w := range words {
		k := key{w.block, w.par, w.line}
		if _, seen := byLine[k]; !seen {
			order = append(order, k)
		}
		byLine[k] = append(byLine[k], w)
	}

	lines := make([][]string, 0, len(order))
	for _, k := range order {
		ws := byLine[k]
		var cells []string
		cur := ws[0].text
		for j := 1; j < len(ws); j++ {
			prev, w := ws[j-1].box, ws[j].box
			gap := w.X - (prev.X + prev.Width)
			if gap > max(prev.Height, w.Height) {
				cells = append(cells, cur)
				cur = ws[j].text
				continue
			}
			cur += " " + ws[j].text
		}
		lines = append(lines, append(cells, cur))
	}
	return lines
}
