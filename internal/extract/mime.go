package extract

import (
	"path/filepath"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
)

const fallbackMIME = "application/pdf"

// DetectMIME infers a MIME type from the filename extension and falls back
// to sniffing magic bytes. Unknown content is sent as PDF.
func DetectMIME(filename string, content []byte) string {
	if mt := constants.MIMEForExt(filepath.Ext(filename)); mt != "" {
		return mt
	}
	if mt := constants.SniffMIME(content); mt != "" {
		return mt
	}
	return fallbackMIME
}
