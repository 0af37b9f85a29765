package invoice

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/parse"
)

const minInvoiceNumberLen = 5

var (
	invoiceNumberPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)invoice\s*(?:number|num|no)\b\.?\s*[:#]?\s*([A-Za-z0-9][A-Za-z0-9/-]*)`),
		regexp.MustCompile(`(?i)invoice\s*#\s*:?\s*([A-Za-z0-9][A-Za-z0-9/-]*)`),
		regexp.MustCompile(`(?i)\binv(?:oice)?\s*[:#]\s*([A-Za-z0-9][A-Za-z0-9/-]*)`),
	}

	reTitleLine  = regexp.MustCompile(`(?i)^\s*(?:tax\s+|commercial\s+|proforma\s+)?invoice\s*$`)
	reLabelLine  = regexp.MustCompile(`(?i)invoice|date|bill\s+to|ship\s+to|:`)
	rePostalCode = regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`)
	reCityState  = regexp.MustCompile(`([A-Za-z][A-Za-z .'-]*[A-Za-z]),\s*([A-Z]{2})\b`)

	dateKeywords = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\binvoice\s+date\b`),
		regexp.MustCompile(`(?i)\b(?:issue\s+date|date\s+of\s+issue|issued(?:\s+on)?|dated)\b`),
		regexp.MustCompile(`(?i)\bdate\b`),
	}
	reDateShaped = regexp.MustCompile(`(?i)\b\d{1,4}[-/.]\d{1,2}[-/.]\d{1,4}\b` +
		`|\b\d{1,2}(?:st|nd|rd|th)?\s+(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?,?\s+\d{2,4}\b` +
		`|\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{2,4}\b`)
	reCompactDate = regexp.MustCompile(`\b(?:\d{8}|\d{6})\b`)
	reDMYDate     = regexp.MustCompile(`\b\d{1,2}[-/.]\d{1,2}[-/.]\d{4}\b`)

	// amount follows a label on the same line: optional colon, currency
	// symbol or ISO code, then the number.
	amountTail = `[ \t:=]*(?:USD|EUR|GBP|CAD|AUD|INR|CHF|JPY)?[ \t]*[$€£]?[ \t]*(-?\d[\d,]*(?:\.\d{1,2})?)`
	reSubtotal = regexp.MustCompile(`(?i)\bsub[\s-]?total\b` + amountTail)
	reTax      = regexp.MustCompile(`(?i)\b(?:total\s+)?(?:sales\s+)?(?:tax|vat|gst)(?:\s+amount)?\b` +
		`(?:[ \t]*\(?[ \t]*\d+(?:\.\d+)?[ \t]*%[ \t]*\)?)?` + amountTail)
	reDueTotal  = regexp.MustCompile(`(?i)\b(?:grand\s+total|total\s+amount\s+due|total\s+due|amount\s+due|balance\s+due)\b` + amountTail)
	reTotal     = regexp.MustCompile(`(?i)\btotal(?:\s+amount)?\b` + amountTail)
	reSubPrefix = regexp.MustCompile(`(?i)sub[\s-]?$`)
)

func findInvoiceNumber(text string) string {
	for _, re := range invoiceNumberPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if len(m[1]) >= minInvoiceNumberLen {
				return m[1]
			}
		}
	}
	return ""
}

func nonEmptyLines(text string) []string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// findVendor takes the first text line as the vendor name and up to three
// following lines as its address block.
func findVendor(text string) entity.Vendor {
	lines := nonEmptyLines(text)
	for len(lines) > 0 && reTitleLine.MatchString(lines[0]) {
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return entity.Vendor{}
	}
	v := entity.Vendor{Name: lines[0]}

	var block []string
	for _, l := range lines[1:] {
		if len(block) == 3 || reLabelLine.MatchString(l) {
			break
		}
		block = append(block, l)
	}
	for _, l := range block {
		if m := reCityState.FindStringSubmatch(l); m != nil && v.Address.City == "" {
			v.Address.City = strings.TrimSpace(m[1])
			v.Address.State = m[2]
			if pc := rePostalCode.FindString(l); pc != "" {
				v.Address.PostalCode = pc
			}
			continue
		}
		if v.Address.PostalCode == "" {
			if pc := rePostalCode.FindString(l); pc != "" && strings.TrimSpace(l) == pc {
				v.Address.PostalCode = pc
				continue
			}
		}
		if v.Address.Street == "" {
			v.Address.Street = l
		}
	}
	return v
}

// findDate searches for an invoice date in stages: a window after a date
// keyword, any date-shaped token, bare 6 or 8 digit tokens, and finally
// DD-MM-YYYY with day and month swapped. When a date-shaped string was seen
// but none parsed, the raw string is returned so callers can report it.
func findDate(text string) (*time.Time, string) {
	var raw string
	try := func(s string) *time.Time {
		if raw == "" {
			raw = s
		}
		if d, ok := parse.ParseDate(s); ok {
			return &d
		}
		return nil
	}

	for _, kw := range dateKeywords {
		for _, loc := range kw.FindAllStringIndex(text, -1) {
			if isDueDate(text[:loc[0]]) {
				continue
			}
			window := lineWindow(text[loc[1]:], 40)
			if tok := reDateShaped.FindString(window); tok != "" {
				if d := try(tok); d != nil {
					return d, ""
				}
			}
		}
	}
	for _, tok := range reDateShaped.FindAllString(text, -1) {
		if d := try(tok); d != nil {
			return d, ""
		}
	}
	for _, tok := range reCompactDate.FindAllString(text, -1) {
		if d, ok := parse.ParseDate(tok); ok {
			return &d, ""
		}
	}
	for _, tok := range reDMYDate.FindAllString(text, -1) {
		if d, ok := parse.SwapDayMonth(tok); ok {
			return &d, ""
		}
	}
	return nil, raw
}

func isDueDate(before string) bool {
	before = strings.ToLower(strings.TrimRight(before, " \t"))
	return strings.HasSuffix(before, "due") || strings.HasSuffix(before, "payment")
}

func lineWindow(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > n {
		s = s[:n]
	}
	return s
}

// findTotals returns subtotal, tax and amount due. A value that is not
// found stays null.
func findTotals(text string) (grand, taxes, final decimal.NullDecimal) {
	if m := reSubtotal.FindStringSubmatch(text); m != nil {
		grand = parse.ParseDecimal(m[1])
	}
	if m := reTax.FindStringSubmatch(text); m != nil {
		taxes = parse.ParseDecimal(m[1])
	}
	if m := reDueTotal.FindStringSubmatch(text); m != nil {
		final = parse.ParseDecimal(m[1])
		return grand, taxes, final
	}
	// last standalone "total" wins; "Sub-total" is not one
	for _, m := range reTotal.FindAllStringSubmatchIndex(text, -1) {
		if reSubPrefix.MatchString(text[:m[0]]) {
			continue
		}
		final = parse.ParseDecimal(text[m[2]:m[3]])
	}
	return grand, taxes, final
}
