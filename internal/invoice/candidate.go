package invoice

import "github.com/joseph-ayodele/invoice-pipeline/internal/entity"

// Source tags which tier produced a Candidate.
type Source string

const (
	SourceEntities  Source = "entities"
	SourceHeuristic Source = "heuristic"
)

// Candidate is an extracted invoice together with the tier that built it.
type Candidate struct {
	Invoice entity.Invoice
	Source  Source
}

// IsValidCandidate reports whether an entity-tier invoice carries at least
// one identifying field: number, vendor name, date or grand total.
func IsValidCandidate(inv entity.Invoice) bool {
	return inv.InvoiceNumber != "" ||
		inv.Vendor.Name != "" ||
		inv.InvoiceDate != nil ||
		inv.GrandTotal.Valid
}
