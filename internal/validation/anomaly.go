package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// Rule is one batch-relative anomaly check. Check returns flags keyed by the
// index of the invoice in the batch.
type Rule interface {
	Name() string
	Check(batch []entity.Invoice) map[int][]string
}

// RuleFunc adapts a function to Rule.
type RuleFunc struct {
	RuleName string
	Fn       func(batch []entity.Invoice) map[int][]string
}

func (r RuleFunc) Name() string                                   { return r.RuleName }
func (r RuleFunc) Check(batch []entity.Invoice) map[int][]string { return r.Fn(batch) }

// DefaultRules is the rule set used when none is given.
func DefaultRules() []Rule {
	return []Rule{
		MissingFields(),
		DuplicateNumbers(),
		MedianDeviation{MinBatch: 3, Ratio: decimal.NewFromInt(2)},
	}
}

// FlagAnomalies applies rules to the batch. The output is aligned with the
// input; an invoice with no anomalies has an empty Flags slice.
func FlagAnomalies(batch []entity.Invoice, rules ...Rule) []entity.AnomalyFlag {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	out := make([]entity.AnomalyFlag, len(batch))
	for i, inv := range batch {
		out[i] = entity.AnomalyFlag{InvoiceNumber: inv.InvoiceNumber, Filename: inv.Filename, Flags: []string{}}
	}
	for _, r := range rules {
		for i, flags := range r.Check(batch) {
			if i >= 0 && i < len(out) {
				out[i].Flags = append(out[i].Flags, flags...)
			}
		}
	}
	return out
}

// CountFlagged returns how many invoices carry at least one flag.
func CountFlagged(flags []entity.AnomalyFlag) int {
	n := 0
	for _, f := range flags {
		if len(f.Flags) > 0 {
			n++
		}
	}
	return n
}

// MissingFields flags invoices without a vendor name, date or invoice number.
func MissingFields() Rule {
	return RuleFunc{RuleName: "missing_fields", Fn: func(batch []entity.Invoice) map[int][]string {
		out := map[int][]string{}
		for i, inv := range batch {
			if strings.TrimSpace(inv.Vendor.Name) == "" {
				out[i] = append(out[i], "Missing vendor name")
			}
			if inv.InvoiceDate == nil {
				out[i] = append(out[i], "Missing invoice date")
			}
			if strings.TrimSpace(inv.InvoiceNumber) == "" {
				out[i] = append(out[i], "Missing invoice number")
			}
		}
		return out
	}}
}

// DuplicateNumbers flags every invoice whose number appears more than once.
func DuplicateNumbers() Rule {
	return RuleFunc{RuleName: "duplicate_numbers", Fn: func(batch []entity.Invoice) map[int][]string {
		seen := map[string][]int{}
		for i, inv := range batch {
			if n := strings.TrimSpace(inv.InvoiceNumber); n != "" {
				seen[n] = append(seen[n], i)
			}
		}
		out := map[int][]string{}
		for n, idx := range seen {
			if len(idx) < 2 {
				continue
			}
			for _, i := range idx {
				out[i] = append(out[i], fmt.Sprintf("Duplicate invoice number %s (%d occurrences)", n, len(idx)))
			}
		}
		return out
	}}
}

// MedianDeviation flags final totals more than Ratio times above or below
// the batch median. Batches smaller than MinBatch are not judged.
type MedianDeviation struct {
	MinBatch int
	Ratio    decimal.Decimal
}

func (MedianDeviation) Name() string { return "median_deviation" }

func (m MedianDeviation) Check(batch []entity.Invoice) map[int][]string {
	var totals []decimal.Decimal
	for _, inv := range batch {
		if inv.FinalTotal.Valid && inv.FinalTotal.Decimal.IsPositive() {
			totals = append(totals, inv.FinalTotal.Decimal)
		}
	}
	out := map[int][]string{}
	if len(totals) < m.MinBatch || len(totals) == 0 {
		return out
	}
	median := Median(totals)
	if !median.IsPositive() {
		return out
	}
	for i, inv := range batch {
		if !inv.FinalTotal.Valid || !inv.FinalTotal.Decimal.IsPositive() {
			continue
		}
		total := inv.FinalTotal.Decimal
		if total.GreaterThan(median.Mul(m.Ratio)) || total.Mul(m.Ratio).LessThan(median) {
			out[i] = append(out[i], fmt.Sprintf("Final total %s deviates from batch median %s",
				total.StringFixed(2), median.StringFixed(2)))
		}
	}
	return out
}

// Median of a non-empty slice; the input is not modified.
func Median(values []decimal.Decimal) decimal.Decimal {
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
