package entity

// Document is one submitted file, immutable once read from storage.
type Document struct {
	Filename    string   `json:"filename"`
	Content     []byte   `json:"-"`
	ContentHash string   `json:"content_hash"`
	IsMultipage bool     `json:"is_multipage"`
	Pages       [][]byte `json:"-"` // ordered single-page contents; empty for single-page documents
}

// PageCount returns the number of pages, never less than one.
func (d Document) PageCount() int {
	if len(d.Pages) > 0 {
		return len(d.Pages)
	}
	return 1
}

// PageContents returns the per-page byte contents in order.
func (d Document) PageContents() [][]byte {
	if len(d.Pages) > 0 {
		return d.Pages
	}
	return [][]byte{d.Content}
}
