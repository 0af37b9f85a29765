package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/parse"
)

// Tolerance is the absolute slack allowed in every arithmetic check.
var Tolerance = decimal.RequireFromString("0.01")

var invoiceNumberFormat = regexp.MustCompile(`^[A-Za-z0-9-]{5,}$`)

// Validator checks invoices against the arithmetic and date invariants.
// Failed soft invariants become warnings; strict-model violations become errors.
// Neither ever removes an invoice from the batch.
type Validator struct {
	now func() time.Time
}

type Option func(*Validator)

// WithClock overrides the clock used for the future-date check.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

func NewValidator(opts ...Option) *Validator {
	v := &Validator{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateBatch validates each invoice independently. The output is aligned
// with the input.
func (v *Validator) ValidateBatch(invoices []entity.Invoice) []entity.ValidationOutcome {
	out := make([]entity.ValidationOutcome, len(invoices))
	for i, inv := range invoices {
		out[i] = v.Validate(inv)
	}
	return out
}

// Validate returns the errors and warnings for one invoice.
func (v *Validator) Validate(inv entity.Invoice) entity.ValidationOutcome {
	o := entity.ValidationOutcome{Invoice: inv, Errors: []string{}, Warnings: []string{}}
	o.Warnings = append(o.Warnings, checkTotals(inv)...)
	o.Warnings = append(o.Warnings, checkItems(inv.Items)...)
	if w := v.checkDate(inv); w != "" {
		o.Warnings = append(o.Warnings, w)
	}
	o.Errors = strictErrors(inv)
	return o
}

func checkTotals(inv entity.Invoice) []string {
	var missing []string
	if !inv.GrandTotal.Valid {
		missing = append(missing, "grand total")
	}
	if !inv.Taxes.Valid {
		missing = append(missing, "taxes")
	}
	if !inv.FinalTotal.Valid {
		missing = append(missing, "final total")
	}
	if len(missing) > 0 {
		return []string{fmt.Sprintf("Cannot verify totals: missing %s", joinAnd(missing))}
	}
	expected := inv.GrandTotal.Decimal.Add(inv.Taxes.Decimal)
	if withinTolerance(inv.FinalTotal.Decimal, expected) {
		return nil
	}
	return []string{fmt.Sprintf("Final total %s does not match grand total %s plus taxes %s",
		parse.FormatDecimal(inv.FinalTotal), parse.FormatDecimal(inv.GrandTotal), parse.FormatDecimal(inv.Taxes))}
}

func checkItems(items []entity.InvoiceItem) []string {
	var warnings []string
	for i, item := range items {
		label := fmt.Sprintf("Item %d (%s)", i+1, item.Description)
		if !item.UnitPrice.Valid || !item.Total.Valid {
			warnings = append(warnings, label+": cannot verify total, missing unit price or total")
			continue
		}
		expected := item.UnitPrice.Decimal.Mul(decimal.NewFromInt(int64(item.Quantity)))
		if !withinTolerance(item.Total.Decimal, expected) {
			warnings = append(warnings, fmt.Sprintf("%s: total %s does not match quantity %d times unit price %s",
				label, parse.FormatDecimal(item.Total), item.Quantity, parse.FormatDecimal(item.UnitPrice)))
		}
	}
	return warnings
}

func (v *Validator) checkDate(inv entity.Invoice) string {
	switch {
	case inv.InvoiceDate == nil && inv.DateText == "":
		return "Missing date: no invoice date found"
	case inv.InvoiceDate == nil:
		return fmt.Sprintf("Invalid date: could not parse %q", inv.DateText)
	}
	today := v.now()
	endOfToday := time.Date(today.Year(), today.Month(), today.Day(), 23, 59, 59, 0, time.UTC)
	if inv.InvoiceDate.After(endOfToday) {
		return fmt.Sprintf("Invoice date %s is in the future", inv.InvoiceDate.Format(time.DateOnly))
	}
	return ""
}

// strictErrors lists the violations that would reject the invoice under
// strict construction.
func strictErrors(inv entity.Invoice) []string {
	errs := []string{}
	if !invoiceNumberFormat.MatchString(inv.InvoiceNumber) {
		errs = append(errs, fmt.Sprintf("invoice number %q must be at least 5 letters, digits or hyphens", inv.InvoiceNumber))
	}
	if inv.Pages < 1 {
		errs = append(errs, fmt.Sprintf("pages must be at least 1, got %d", inv.Pages))
	}
	amounts := []struct {
		name string
		d    decimal.NullDecimal
	}{
		{"grand total", inv.GrandTotal},
		{"taxes", inv.Taxes},
		{"final total", inv.FinalTotal},
	}
	for _, a := range amounts {
		if a.d.Valid && a.d.Decimal.IsNegative() {
			errs = append(errs, fmt.Sprintf("%s must not be negative, got %s", a.name, a.d.Decimal.StringFixed(2)))
		}
	}
	if len(inv.Items) == 0 {
		errs = append(errs, "at least one line item is required")
	}
	for i, item := range inv.Items {
		if item.Quantity <= 0 {
			errs = append(errs, fmt.Sprintf("item %d: quantity must be positive, got %d", i+1, item.Quantity))
		}
		if (item.UnitPrice.Valid && item.UnitPrice.Decimal.IsNegative()) || (item.Total.Valid && item.Total.Decimal.IsNegative()) {
			errs = append(errs, fmt.Sprintf("item %d: amounts must not be negative", i+1))
		}
	}
	return errs
}

func withinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

func joinAnd(parts []string) string {
	if len(parts) == 1 {
		return parts[0]
	}
	return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
}
