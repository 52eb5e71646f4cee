package receipt

import (
	"path/filepath"
	"strings"
)

const octetStream = "application/octet-stream"

// supportedContentTypes lists the upload types the scanners can read
var supportedContentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"image/heic":      true,
	"image/heif":      true,
	"application/pdf": true,
}

// ContentTypeFor returns the declared content type, or one derived from the
// file extension when the client sent none or a generic one
func ContentTypeFor(filename string, declared string) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if i := strings.Index(declared, ";"); i != -1 {
		declared = strings.TrimSpace(declared[:i])
	}
	if declared != "" && declared != octetStream {
		return declared
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return octetStream
	}
}

// SupportedContentType reports whether a normalized content type can be scanned
func SupportedContentType(contentType string) bool {
	return supportedContentTypes[contentType]
}
