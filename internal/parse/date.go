package parse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FieldOrder is a day/month/year ordering hypothesis.
type FieldOrder int

const (
	DayMonthYear FieldOrder = iota
	MonthDayYear
	YearMonthDay
)

// DefaultOrders is the order hypotheses are tried in.
var DefaultOrders = []FieldOrder{DayMonthYear, MonthDayYear, YearMonthDay}

var (
	reDateToken = regexp.MustCompile(`[A-Za-z]+|\d+`)
	months      = map[string]time.Month{
		"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
		"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
		"sep": time.September, "sept": time.September, "oct": time.October,
		"nov": time.November, "dec": time.December,
	}
)

// ParseDate parses s trying each field-order hypothesis in DefaultOrders.
// The first hypothesis that yields a real calendar date wins.
func ParseDate(s string) (time.Time, bool) {
	return ParseDateOrders(s, DefaultOrders)
}

// ParseDateOrders is ParseDate with an explicit hypothesis order.
func ParseDateOrders(s string, orders []FieldOrder) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return dateOnly(t), true
	}

	var tokens []string
	for _, tok := range reDateToken.FindAllString(s, -1) {
		if _, isMonth := monthFromWord(tok); isMonth || isDigits(tok) {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) == 1 && isDigits(tokens[0]) {
		return parseCompact(tokens[0], orders)
	}
	if len(tokens) != 3 {
		return time.Time{}, false
	}

	for i, tok := range tokens {
		if m, ok := monthFromWord(tok); ok {
			rest := make([]string, 0, 2)
			for j, other := range tokens {
				if j != i {
					rest = append(rest, other)
				}
			}
			return parseWithNamedMonth(m, rest)
		}
	}

	for _, order := range orders {
		if t, ok := build(tokens, order); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// SwapDayMonth parses a DD-MM-YYYY string, retrying with day and month
// swapped when the first reading is not a valid date.
func SwapDayMonth(s string) (time.Time, bool) {
	parts := reDateToken.FindAllString(s, -1)
	if len(parts) != 3 || !isDigits(parts[0]) || !isDigits(parts[1]) || !isDigits(parts[2]) {
		return time.Time{}, false
	}
	if t, ok := build(parts, DayMonthYear); ok {
		return t, true
	}
	return build(parts, MonthDayYear)
}

func build(tokens []string, order FieldOrder) (time.Time, bool) {
	var ys, ms, ds string
	switch order {
	case DayMonthYear:
		ds, ms, ys = tokens[0], tokens[1], tokens[2]
	case MonthDayYear:
		ms, ds, ys = tokens[0], tokens[1], tokens[2]
	case YearMonthDay:
		ys, ms, ds = tokens[0], tokens[1], tokens[2]
	}
	if order != YearMonthDay && len(ys) != 2 && len(ys) != 4 {
		return time.Time{}, false
	}
	if order == YearMonthDay && len(ys) != 4 {
		return time.Time{}, false
	}
	y, ok1 := atoi(ys)
	m, ok2 := atoi(ms)
	d, ok3 := atoi(ds)
	if !ok1 || !ok2 || !ok3 || len(ms) > 2 || len(ds) > 2 {
		return time.Time{}, false
	}
	return makeDate(expandYear(y, len(ys)), m, d)
}

func parseWithNamedMonth(m time.Month, rest []string) (time.Time, bool) {
	if len(rest) != 2 || !isDigits(rest[0]) || !isDigits(rest[1]) {
		return time.Time{}, false
	}
	ds, ys := rest[0], rest[1]
	if len(rest[0]) == 4 {
		ys, ds = rest[0], rest[1]
	}
	if len(ds) > 2 {
		return time.Time{}, false
	}
	y, _ := atoi(ys)
	d, _ := atoi(ds)
	return makeDate(expandYear(y, len(ys)), int(m), d)
}

func parseCompact(tok string, orders []FieldOrder) (time.Time, bool) {
	var split func(order FieldOrder) []string
	switch len(tok) {
	case 8:
		split = func(order FieldOrder) []string {
			if order == YearMonthDay {
				return []string{tok[:4], tok[4:6], tok[6:]}
			}
			return []string{tok[:2], tok[2:4], tok[4:]}
		}
	case 6:
		split = func(order FieldOrder) []string {
			return []string{tok[:2], tok[2:4], tok[4:]}
		}
	default:
		return time.Time{}, false
	}
	for _, order := range orders {
		parts := split(order)
		if order == YearMonthDay && len(tok) == 6 {
			y, _ := atoi(parts[0])
			m, _ := atoi(parts[1])
			d, _ := atoi(parts[2])
			if t, ok := makeDate(expandYear(y, 2), m, d); ok {
				return t, true
			}
			continue
		}
		if t, ok := build(parts, order); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func makeDate(y, m, d int) (time.Time, bool) {
	if y < 1900 || y > 2999 || m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != m || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func expandYear(y, digits int) int {
	if digits != 2 {
		return y
	}
	if y < 70 {
		return 2000 + y
	}
	return 1900 + y
}

func monthFromWord(tok string) (time.Month, bool) {
	if len(tok) < 3 || isDigits(tok) {
		return 0, false
	}
	low := strings.ToLower(tok)
	if m, ok := months[low]; ok {
		return m, true
	}
	if len(low) > 3 {
		if m, ok := months[low[:3]]; ok && strings.HasPrefix(strings.ToLower(m.String()), low) {
			return m, true
		}
	}
	return 0, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	return n, err == nil
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
