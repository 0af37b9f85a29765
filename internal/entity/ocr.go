package entity

// BoundingBox is a word rectangle in page pixels.
type BoundingBox struct {
	Page   int `json:"page"`
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Table is a row by cell grid of recognized text.
type Table [][]string

// OCRResult is the normalized output of the OCR/layout collaborator for one document.
type OCRResult struct {
	Filename      string            `json:"filename"`
	Words         []string          `json:"words"`
	BoundingBoxes []BoundingBox     `json:"bounding_boxes"`
	Text          string            `json:"text"`
	Tables        []Table           `json:"tables"`
	KeyValuePairs map[string]string `json:"key_value_pairs"`
	IsMultipage   bool              `json:"is_multipage"`
	NumPages      int               `json:"num_pages"`
	RawContent    []byte            `json:"-"`
}

// Entity names produced by the structured-entity collaborator.
const (
	EntitySupplierName    = "supplier_name"
	EntitySupplierAddress = "supplier_address"
	EntitySupplierCity    = "supplier_city"
	EntitySupplierState   = "supplier_state"
	EntitySupplierCountry = "supplier_country"
	EntitySupplierZip     = "supplier_zip"
	EntityInvoiceID       = "invoice_id"
	EntityInvoiceDate     = "invoice_date"
	EntitySubtotalAmount  = "subtotal_amount"
	EntityTotalTaxAmount  = "total_tax_amount"
	EntityTotalAmount     = "total_amount"
)

// StructuredEntities is the optional hint returned by the structured-entity collaborator.
type StructuredEntities struct {
	Entities map[string]string `json:"entities"`
	Tables   []Table           `json:"tables"`
}

// Get returns the trimmed value of an entity, or "".
func (s *StructuredEntities) Get(name string) string {
	if s == nil || s.Entities == nil {
		return ""
	}
	return s.Entities[name]
}
