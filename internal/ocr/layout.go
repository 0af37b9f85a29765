package ocr

import (
	"strings"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

const (
	minTableCells = 3
	minTableRows  = 2
)

// LayoutFromCells derives key/value pairs and tables from lines already
// split into cells. A table is a run of at least two consecutive lines with
// three or more cells; a key/value pair is a line of the form "Key: value".
func LayoutFromCells(lines [][]string) Layout {
	out := Layout{KeyValuePairs: map[string]string{}}
	var text strings.Builder
	var run entity.Table

	flush := func() {
		if len(run) >= minTableRows {
			out.Tables = append(out.Tables, run)
		}
		run = nil
	}

	for _, cells := range lines {
		joined := strings.Join(cells, " ")
		if text.Len() > 0 {
			text.WriteByte('\n')
		}
		text.WriteString(joined)

		if len(cells) >= minTableCells {
			run = append(run, append([]string(nil), cells...))
			continue
		}
		flush()

		if k, v, ok := strings.Cut(joined, ":"); ok {
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			if k != "" && v != "" {
				if _, dup := out.KeyValuePairs[k]; !dup {
					out.KeyValuePairs[k] = v
				}
			}
		}
	}
	flush()
	out.Text = text.String()
	return out
}

// LayoutFromText derives layout from plain text whose columns are separated
// by tabs or wide spacing.
func LayoutFromText(text string) Layout {
	var lines [][]string
	for _, ln := range strings.Split(Normalize(text), "\n") {
		if cells := SplitCells(ln); len(cells) > 0 {
			lines = append(lines, cells)
		}
	}
	return LayoutFromCells(lines)
}
