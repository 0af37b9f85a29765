package constants

import "strings"

// Document formats understood by the pipeline.
const (
	PDF     = "PDF"
	IMAGE   = "IMAGE"
	ARCHIVE = "ARCHIVE"
)

// MaxUploadBytes caps a single submitted file.
const MaxUploadBytes int64 = 100 << 20

// AllowedExtensions holds the extensions accepted for submission.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"heic": {},
	"zip":  {},
}

var mimeByExt = map[string]string{
	"pdf":  "application/pdf",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"heic": "image/heic",
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// MapExtToFormat returns PDF, IMAGE, ARCHIVE or "" for an extension.
func MapExtToFormat(ext string) string {
	switch NormalizeExt(ext) {
	case "pdf":
		return PDF
	case "jpg", "jpeg", "png", "heic":
		return IMAGE
	case "zip":
		return ARCHIVE
	}
	return ""
}

// MIMEForExt returns the MIME type for a document extension, or "".
func MIMEForExt(ext string) string {
	return mimeByExt[NormalizeExt(ext)]
}

// SniffMIME detects PDF, JPEG, PNG and HEIC content from magic bytes, or returns "".
func SniffMIME(data []byte) string {
	switch {
	case len(data) >= 4 && string(data[:4]) == "%PDF":
		return "application/pdf"
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return "image/jpeg"
	case len(data) >= 4 && data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47:
		return "image/png"
	case len(data) >= 12 && string(data[4:8]) == "ftyp":
		switch string(data[8:12]) {
		case "heic", "heix", "heif", "mif1", "msf1":
			return "image/heic"
		}
	}
	return ""
}
