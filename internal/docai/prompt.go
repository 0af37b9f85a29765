package docai

import (
	"encoding/json"
	"strings"
)

// BuildPrompt is the instruction given to the generative-model backends.
func BuildPrompt() string {
	schema, _ := json.MarshalIndent(BuildEntitiesJSONSchema(), "", "  ")
	parts := []string{
		"You are an invoice parser. Read the attached invoice and return ONLY JSON.",
		`Return an object {"entities": {...}, "line_items": [...]}.`,
		"Entity names: " + strings.Join(KnownEntities, ", ") + ".",
		"supplier_* fields describe the vendor that issued the invoice, not the customer.",
		"Use ISO-8601 dates (YYYY-MM-DD) for invoice_date.",
		"Money values are plain decimals with two places and no currency symbol, e.g. \"1234.50\".",
		"subtotal_amount is the amount before tax, total_tax_amount the tax, total_amount the amount due.",
		`Each line item is {"description": string, "quantity": string, "unit_price": string, "total": string}.`,
		"Never output null. If a field is not present, omit it.",
		"JSON Schema for the entities object:\n" + string(schema),
	}
	return strings.Join(parts, "\n")
}
