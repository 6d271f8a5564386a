package tree

import (
	"path"
	"strings"
)

// DefaultMimeType is used when the extension is not recognised.
const DefaultMimeType = "application/octet-stream"

var mimeTypes = map[string]string{
	"pdf":  "application/pdf",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"svg":  "image/svg+xml",
	"txt":  "text/plain",
	"html": "text/html",
	"css":  "text/css",
	"js":   "text/javascript",
	"json": "application/json",
	"xml":  "application/xml",
	"zip":  "application/zip",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"ppt":  "application/vnd.ms-powerpoint",
	"pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"mp3":  "audio/mpeg",
	"mp4":  "video/mp4",
	"wav":  "audio/wav",
	"avi":  "video/x-msvideo",
	"mov":  "video/quicktime",
}

// MimeType guesses a content type from the file extension.
func MimeType(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if t, ok := mimeTypes[ext]; ok {
		return t
	}
	return DefaultMimeType
}
