// Package media classifies stored objects by type and maps them to relay
// upload modes and filename extensions.
package media

import (
	"mime"
	"path/filepath"
	"strings"
)

// Kind is the broad media category of an asset.
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindArchive  Kind = "archive"
	KindCode     Kind = "code"
	KindOther    Kind = "other"
)

// UploadMode selects the relay endpoint used for an upload.
type UploadMode string

const (
	ModePhoto     UploadMode = "photo"
	ModeVideo     UploadMode = "video"
	ModeAnimation UploadMode = "animation"
	ModeDocument  UploadMode = "document"
)

var documentExts = map[string]bool{
	"pdf": true, "doc": true, "docx": true, "xls": true, "xlsx": true,
	"ppt": true, "pptx": true, "odt": true, "ods": true, "odp": true,
	"rtf": true, "txt": true, "csv": true, "md": true,
}

var archiveExts = map[string]bool{
	"zip": true, "tar": true, "gz": true, "bz2": true, "xz": true,
	"rar": true, "7z": true, "iso": true, "tgz": true,
}

var codeExts = map[string]bool{
	"py": true, "js": true, "ts": true, "html": true, "css": true,
	"java": true, "c": true, "cpp": true, "go": true, "rs": true,
	"rb": true, "php": true, "sh": true, "sql": true, "json": true,
	"xml": true, "yaml": true, "yml": true, "toml": true, "ini": true,
	"cfg": true,
}

// mimeByExt pins the types we care about; the platform mime database is
// only a fallback, its contents vary between hosts.
var mimeByExt = map[string]string{
	".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".png": "image/png",
	".gif": "image/gif", ".webp": "image/webp",
	".mp4": "video/mp4", ".webm": "video/webm", ".mov": "video/quicktime",
	".mp3": "audio/mpeg", ".ogg": "audio/ogg", ".flac": "audio/flac",
	".pdf": "application/pdf", ".txt": "text/plain", ".zip": "application/zip",
}

// DetectMIME guesses a MIME type from a file name.
func DetectMIME(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if mt, ok := mimeByExt[ext]; ok {
		return mt
	}
	mt := mime.TypeByExtension(ext)
	if mt == "" {
		return "application/octet-stream"
	}
	// Strip parameters like "; charset=utf-8"
	if idx := strings.IndexByte(mt, ';'); idx > 0 {
		mt = strings.TrimSpace(mt[:idx])
	}
	return mt
}

// Classify derives the media kind from a MIME type and file name.
func Classify(mimeType, name string) Kind {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))

	switch {
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage
	case strings.HasPrefix(mimeType, "audio/"):
		return KindAudio
	case mimeType == "application/pdf" || documentExts[ext]:
		return KindDocument
	case archiveExts[ext]:
		return KindArchive
	case codeExts[ext]:
		return KindCode
	default:
		return KindOther
	}
}

// ModeFor returns the relay upload mode for a MIME type.
// Animated GIFs have their own endpoint; anything that is not a still image
// or video goes through the generic document endpoint.
func ModeFor(mimeType string) UploadMode {
	switch {
	case mimeType == "image/gif":
		return ModeAnimation
	case strings.HasPrefix(mimeType, "video/"):
		return ModeVideo
	case strings.HasPrefix(mimeType, "image/"):
		return ModePhoto
	default:
		return ModeDocument
	}
}

// extByMIME is the fixed type->extension table used for namespace file names.
var extByMIME = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
	"audio/mpeg":      ".mp3",
	"audio/ogg":       ".ogg",
	"audio/flac":      ".flac",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
	"application/zip": ".zip",
}

// Extension returns the filename extension for a MIME type.
// Unknown types get a generic ".bin".
func Extension(mimeType string) string {
	if ext, ok := extByMIME[mimeType]; ok {
		return ext
	}
	return ".bin"
}
