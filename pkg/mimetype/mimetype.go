// Package mimetype maps file extensions to content types for static files.
package mimetype

import (
	"mime"
	"path/filepath"
	"strings"
)

// DefaultType is returned for files with an unknown extension.
const DefaultType = "application/octet-stream"

var builtin = map[string]string{
	"7z":    "application/x-7z-compressed",
	"atom":  "application/atom+xml",
	"avif":  "image/avif",
	"bin":   "application/octet-stream",
	"bmp":   "image/x-ms-bmp",
	"css":   "text/css; charset=utf-8",
	"csv":   "text/csv; charset=utf-8",
	"doc":   "application/msword",
	"flv":   "video/x-flv",
	"gif":   "image/gif",
	"gz":    "application/gzip",
	"htm":   "text/html; charset=utf-8",
	"html":  "text/html; charset=utf-8",
	"ico":   "image/x-icon",
	"jar":   "application/java-archive",
	"jpeg":  "image/jpeg",
	"jpg":   "image/jpeg",
	"js":    "text/javascript; charset=utf-8",
	"json":  "application/json",
	"m4a":   "audio/x-m4a",
	"md":    "text/markdown; charset=utf-8",
	"mov":   "video/quicktime",
	"mp3":   "audio/mpeg",
	"mp4":   "video/mp4",
	"mpeg":  "video/mpeg",
	"mpg":   "video/mpeg",
	"pdf":   "application/pdf",
	"png":   "image/png",
	"ppt":   "application/vnd.ms-powerpoint",
	"ps":    "application/postscript",
	"rar":   "application/x-rar-compressed",
	"rss":   "application/rss+xml",
	"rtf":   "application/rtf",
	"svg":   "image/svg+xml",
	"tar":   "application/x-tar",
	"txt":   "text/plain; charset=utf-8",
	"wasm":  "application/wasm",
	"webm":  "video/webm",
	"webp":  "image/webp",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"xml":   "text/xml; charset=utf-8",
	"zip":   "application/zip",
}

// Table resolves content types. Overrides take precedence over the built-in
// table, which takes precedence over the system MIME database.
type Table struct {
	overrides map[string]string
}

// New returns a table with the given extension overrides. Keys may be given
// with or without the leading dot and in any case.
func New(overrides map[string]string) *Table {
	t := &Table{overrides: make(map[string]string, len(overrides))}
	for ext, typ := range overrides {
		t.overrides[normalize(ext)] = typ
	}
	return t
}

// Lookup returns the content type for an extension such as ".html" or "html".
func (t *Table) Lookup(ext string) string {
	ext = normalize(ext)
	if ext == "" {
		return DefaultType
	}
	if typ, ok := t.overrides[ext]; ok {
		return typ
	}
	if typ, ok := builtin[ext]; ok {
		return typ
	}
	if typ := mime.TypeByExtension("." + ext); typ != "" {
		return typ
	}
	return DefaultType
}

// ForFile returns the content type for a file name.
func (t *Table) ForFile(name string) string {
	return t.Lookup(filepath.Ext(name))
}

func normalize(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
