package static

import (
	"mime"
	"path/filepath"
	"strings"
)

// builtinMimeTypes covers the extensions a document root most commonly
// holds. mime.TypeByExtension fills the long tail; unknown extensions fall
// back to application/octet-stream.
var builtinMimeTypes = map[string]string{
	".css":   "text/css; charset=utf-8",
	".csv":   "text/csv; charset=utf-8",
	".gif":   "image/gif",
	".htm":   "text/html; charset=utf-8",
	".html":  "text/html; charset=utf-8",
	".ico":   "image/vnd.microsoft.icon",
	".jpeg":  "image/jpeg",
	".jpg":   "image/jpeg",
	".js":    "text/javascript; charset=utf-8",
	".json":  "application/json",
	".md":    "text/markdown; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".mp3":   "audio/mpeg",
	".mp4":   "video/mp4",
	".otf":   "font/otf",
	".pdf":   "application/pdf",
	".png":   "image/png",
	".svg":   "image/svg+xml",
	".tar":   "application/x-tar",
	".toml":  "application/toml",
	".ttf":   "font/ttf",
	".txt":   "text/plain; charset=utf-8",
	".wasm":  "application/wasm",
	".webm":  "video/webm",
	".webp":  "image/webp",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".xml":   "application/xml; charset=utf-8",
	".zip":   "application/zip",
}

// contentType resolves the content type of a file name. Configured
// overrides win over the built-in table, which wins over the platform's
// mime registry.
func contentType(name string, overrides map[string]string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := overrides[ext]; ok {
		return ct
	}
	if ct, ok := builtinMimeTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
