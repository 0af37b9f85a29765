package docai

import (
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/transport"
)

// EntitiesSchema validates normalized collaborator output:
// {"entities": {name: text}, "tables": [[[cell, ...], ...], ...]}.
var EntitiesSchema = transport.NewSchema(BuildEntitiesJSONSchema)

// BuildEntitiesJSONSchema returns a JSON-Schema as a generic map. The LLM
// backends also embed it in their prompt.
func BuildEntitiesJSONSchema() map[string]any {
	props := make(map[string]any, len(KnownEntities))
	for _, name := range KnownEntities {
		props[name] = map[string]any{"type": "string", "minLength": 1}
	}
	for _, name := range []string{entity.EntitySubtotalAmount, entity.EntityTotalTaxAmount, entity.EntityTotalAmount} {
		props[name] = decimalProp()
	}

	return map[string]any{
		"type":     "object",
		"required": []string{"entities"},
		"properties": map[string]any{
			"entities": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties":           props,
			},
			"tables": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

func decimalProp() map[string]any {
	return map[string]any{
		"type":    "string",
		"pattern": `^-?\d+(\.\d{1,2})?$`,
	}
}
