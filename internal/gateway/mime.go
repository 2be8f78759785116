package gateway

import (
	"path/filepath"
	"strings"

	"github.com/kalambet/pictag/internal/storage"
)

// mimeTypes is the fixed extension table used for serving. Unknown
// extensions are served as application/octet-stream; there is no content
// sniffing.
var mimeTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
	".bmp":  "image/bmp",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".avif": "image/avif",
	".heic": "image/heic",
	".pdf":  "application/pdf",
	".txt":  "text/plain; charset=utf-8",
	".md":   "text/markdown; charset=utf-8",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".json": "application/json",
	".zip":  "application/zip",
}

// TypeByExtension returns the MIME type for a file name based on its
// extension, falling back to application/octet-stream.
func TypeByExtension(name string) string {
	if t, ok := mimeTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return "application/octet-stream"
}

// KindForName classifies a file name into a media kind for the catalog.
func KindForName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg", ".bmp", ".tif", ".tiff", ".avif", ".heic":
		return storage.MediaImage
	case ".pdf", ".txt", ".md":
		return storage.MediaDocument
	default:
		return storage.MediaOther
	}
}
