package docai

import (
	"context"

	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// Client is the structured-entity collaborator. It receives the original
// document bytes, not the preprocessed image.
type Client interface {
	ExtractEntities(ctx context.Context, content []byte, mimeType string) (*entity.StructuredEntities, error)
}

// KnownEntities lists the entity names the pipeline reads.
var KnownEntities = []string{
	entity.EntitySupplierName,
	entity.EntitySupplierAddress,
	entity.EntitySupplierCity,
	entity.EntitySupplierState,
	entity.EntitySupplierCountry,
	entity.EntitySupplierZip,
	entity.EntityInvoiceID,
	entity.EntityInvoiceDate,
	entity.EntitySubtotalAmount,
	entity.EntityTotalTaxAmount,
	entity.EntityTotalAmount,
}

// ResponseError marks a collaborator response that cannot be used.
// Retrying will not fix it.
type ResponseError struct {
	Err error
}

func (e *ResponseError) Error() string   { return "entities response: " + e.Err.Error() }
func (e *ResponseError) Unwrap() error   { return e.Err }
func (e *ResponseError) Temporary() bool { return false }
