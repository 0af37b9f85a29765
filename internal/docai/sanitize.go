package docai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/parse"
)

var reFence = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

// synonyms maps names seen from models and third-party processors onto
// the canonical entity names.
var synonyms = map[string]string{
	"vendor_name":     entity.EntitySupplierName,
	"vendor":          entity.EntitySupplierName,
	"vendor_address":  entity.EntitySupplierAddress,
	"invoice_number":  entity.EntityInvoiceID,
	"invoice_no":      entity.EntityInvoiceID,
	"date":            entity.EntityInvoiceDate,
	"subtotal":        entity.EntitySubtotalAmount,
	"net_amount":      entity.EntitySubtotalAmount,
	"tax":             entity.EntityTotalTaxAmount,
	"tax_amount":      entity.EntityTotalTaxAmount,
	"vat":             entity.EntityTotalTaxAmount,
	"total":           entity.EntityTotalAmount,
	"grand_total":     entity.EntityTotalAmount,
	"supplier_postal": entity.EntitySupplierZip,
	"postal_code":     entity.EntitySupplierZip,
}

var moneyEntities = map[string]bool{
	entity.EntitySubtotalAmount: true,
	entity.EntityTotalTaxAmount: true,
	entity.EntityTotalAmount:    true,
}

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := reFence.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// NormalizeEntitiesJSON rewrites a raw entities payload into the canonical
// shape: synonyms renamed, nulls and blanks dropped, numbers coerced to
// strings, money reformatted to plain decimals, unknown names removed.
// It returns the names it dropped or renamed.
func NormalizeEntitiesJSON(raw []byte, logger *slog.Logger) ([]byte, []string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("sanitize: decode: %w", err)
	}
	ents, _ := doc["entities"].(map[string]any)
	if ents == nil {
		ents = map[string]any{}
	}

	known := make(map[string]bool, len(KnownEntities))
	for _, n := range KnownEntities {
		known[n] = true
	}

	var touched []string
	out := make(map[string]any, len(ents))
	for k, v := range ents {
		name := strings.ToLower(strings.TrimSpace(k))
		if canon, ok := synonyms[name]; ok {
			touched = append(touched, k+"->"+canon)
			name = canon
		}
		if !known[name] {
			touched = append(touched, k+"(unknown)")
			continue
		}
		s, ok := coerceString(v)
		if !ok || s == "" || strings.EqualFold(s, "null") {
			touched = append(touched, k+"(empty)")
			continue
		}
		if moneyEntities[name] {
			d := parse.ParseDecimal(s)
			if !d.Valid {
				touched = append(touched, k+"(money)")
				continue
			}
			s = d.Decimal.StringFixed(2)
		}
		if _, exists := out[name]; !exists {
			out[name] = s
		}
	}
	doc["entities"] = out

	if items, ok := doc["line_items"].([]any); ok {
		doc["tables"] = append(tablesOf(doc["tables"]), lineItemsTable(items))
		delete(doc, "line_items")
	}
	if t, ok := doc["tables"]; ok {
		doc["tables"] = tablesOf(t)
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return nil, touched, fmt.Errorf("sanitize: encode: %w", err)
	}
	if len(touched) > 0 {
		logger.Debug("docai.normalize", "touched", touched)
	}
	return b, touched, nil
}

func coerceString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool, nil:
		return "", false
	}
	return "", false
}

// tablesOf keeps only well-formed string tables.
func tablesOf(v any) []any {
	list, _ := v.([]any)
	var out []any
	for _, t := range list {
		rows, ok := t.([]any)
		if !ok {
			continue
		}
		var table []any
		for _, r := range rows {
			cells, ok := r.([]any)
			if !ok {
				continue
			}
			row := make([]any, 0, len(cells))
			for _, c := range cells {
				s, _ := coerceString(c)
				row = append(row, s)
			}
			table = append(table, row)
		}
		if len(table) > 0 {
			out = append(out, table)
		}
	}
	return out
}

// lineItemsTable turns [{description, quantity, unit_price, total}] into
// body rows of a table.
func lineItemsTable(items []any) []any {
	table := make([]any, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		row := make([]any, 0, 4)
		for _, k := range []string{"description", "quantity", "unit_price", "total"} {
			s, _ := coerceString(m[k])
			row = append(row, s)
		}
		table = append(table, row)
	}
	return table
}

// DecodeEntities normalizes, validates and decodes a raw payload.
func DecodeEntities(raw []byte, logger *slog.Logger) (*entity.StructuredEntities, error) {
	cleaned, _, err := NormalizeEntitiesJSON(raw, logger)
	if err != nil {
		return nil, &ResponseError{Err: err}
	}
	if err := EntitiesSchema.Validate(cleaned); err != nil {
		return nil, &ResponseError{Err: err}
	}
	var out entity.StructuredEntities
	if err := json.Unmarshal(cleaned, &out); err != nil {
		return nil, &ResponseError{Err: fmt.Errorf("unmarshal entities: %w", err)}
	}
	if out.Entities == nil {
		out.Entities = map[string]string{}
	}
	return &out, nil
}
