package parse

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	reNonNumeric = regexp.MustCompile(`[^\d.\-]`)
	reAmount     = regexp.MustCompile(`\(?-?\d[\d.,' ]*\d\)?-?|\d`)
)

// ParseDecimal parses a money-like string into an exact decimal.
// It first strips everything but digits, '.' and '-'; when that does not
// yield a number it falls back to a locale-tolerant currency parser.
// An unparseable input yields an invalid (null) NullDecimal, never zero.
func ParseDecimal(s string) decimal.NullDecimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.NullDecimal{}
	}
	if d, err := decimal.NewFromFormattedString(s, reNonNumeric); err == nil {
		return decimal.NewNullDecimal(d)
	}
	if d, ok := parseCurrency(s); ok {
		return decimal.NewNullDecimal(d)
	}
	return decimal.NullDecimal{}
}

// parseCurrency reads grouped, parenthesised and trailing-minus amounts.
// ParseDecimal only reaches it for inputs the strip stage rejects, such as
// "12.50-" or "1.234.567": "1.234,56" has already become 1.23456 and
// "(12.50)" has already become 12.50 by then.
func parseCurrency(s string) (decimal.Decimal, bool) {
	m := reAmount.FindString(s)
	if m == "" {
		return decimal.Decimal{}, false
	}
	negative := false
	if strings.HasPrefix(m, "(") && strings.HasSuffix(m, ")") {
		negative = true
	}
	if strings.HasPrefix(strings.TrimPrefix(m, "("), "-") || strings.HasSuffix(m, "-") {
		negative = true
	}
	m = strings.Trim(m, "()-")
	m = strings.NewReplacer(" ", "", "'", "").Replace(m)

	lastDot := strings.LastIndex(m, ".")
	lastComma := strings.LastIndex(m, ",")
	var intPart, frac string
	switch {
	case lastDot >= 0 && lastComma >= 0:
		sep := lastDot
		if lastComma > lastDot {
			sep = lastComma
		}
		intPart, frac = m[:sep], m[sep+1:]
	case lastComma >= 0:
		if strings.Count(m, ",") == 1 && len(m)-lastComma-1 <= 2 {
			intPart, frac = m[:lastComma], m[lastComma+1:]
		} else {
			intPart = m
		}
	case lastDot >= 0:
		if strings.Count(m, ".") == 1 {
			intPart, frac = m[:lastDot], m[lastDot+1:]
		} else {
			intPart = m
		}
	default:
		intPart = m
	}
	intPart = strings.NewReplacer(",", "", ".", "").Replace(intPart)
	if intPart == "" {
		intPart = "0"
	}
	num := intPart
	if frac != "" {
		num += "." + frac
	}
	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Decimal{}, false
	}
	if negative {
		d = d.Neg()
	}
	return d, true
}

// FormatDecimal renders a nullable amount with two decimals, or "" when null.
func FormatDecimal(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.StringFixed(2)
}
