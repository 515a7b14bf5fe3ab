package upload

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// allowedMimeTypes defines file types permitted for upload when screening
// is enabled.
var allowedMimeTypes = map[string]bool{
	// Images
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,

	// Documents
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.ms-powerpoint":                                             true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"text/plain":       true,
	"text/csv":         true,
	"application/json": true,
	"application/xml":  true,

	// Video
	"video/mp4":  true,
	"video/webm": true,
	"video/avi":  true,
	"video/mov":  true,
	"video/wmv":  true,
	"video/flv":  true,
	"video/mkv":  true,

	// Audio
	"audio/mpeg": true,
	"audio/wav":  true,
	"audio/mp3":  true,
	"audio/aac":  true,
	"audio/ogg":  true,
	"audio/flac": true,

	// Archives
	"application/zip":              true,
	"application/x-rar-compressed": true,
	"application/x-7z-compressed":  true,
	"application/x-tar":            true,
	"application/gzip":             true,
	"application/x-bzip2":          true,
}

var allowedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".bmp": true, ".tiff": true, ".tif": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".txt": true, ".csv": true, ".json": true, ".xml": true,
	".mp4": true, ".webm": true, ".avi": true, ".mov": true, ".wmv": true, ".flv": true, ".mkv": true,
	".mp3": true, ".wav": true, ".aac": true, ".ogg": true, ".flac": true,
	".zip": true, ".rar": true, ".7z": true, ".tar": true, ".gz": true, ".bz2": true,
}

// signatures are the magic numbers checked for declared MIME types. Types
// without an entry are not content-checked.
var signatures = map[string][]byte{
	"image/jpeg":                   {0xff, 0xd8, 0xff},
	"image/png":                    {0x89, 0x50, 0x4e, 0x47},
	"image/gif":                    {0x47, 0x49, 0x46},
	"image/webp":                   {0x52, 0x49, 0x46, 0x46},
	"application/pdf":              {0x25, 0x50, 0x44, 0x46},
	"application/zip":              {0x50, 0x4b, 0x03, 0x04},
	"application/x-rar-compressed": {0x52, 0x61, 0x72, 0x21},
}

// sniffLen is how many leading bytes are kept for signature checks.
const sniffLen = 16

// baseMime strips parameters such as charset and lowercases the type.
func baseMime(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.TrimSpace(ct)
}

// screenType checks the declared MIME type and the filename extension against
// the allow-lists.
func screenType(filename, contentType string) error {
	mt := baseMime(contentType)
	if !allowedMimeTypes[mt] {
		return fmt.Errorf("file type %s is not allowed", mt)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !allowedExtensions[ext] {
		if ext == "" {
			return fmt.Errorf("file must have an extension")
		}
		return fmt.Errorf("file extension %s is not allowed", ext)
	}
	return nil
}

// matchesSignature reports whether head starts with the magic number for
// contentType. Types without a known signature always match.
func matchesSignature(contentType string, head []byte) bool {
	sig, ok := signatures[baseMime(contentType)]
	if !ok {
		return true
	}
	return bytes.HasPrefix(head, sig)
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9.\-]`)
	underscores = regexp.MustCompile(`_{2,}`)
)

// SanitizeFilename reduces a client-supplied name to letters, digits, dots
// and dashes, replacing everything else with underscores.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = underscores.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	name = strings.TrimLeft(name, ".")

	if len(name) > 255 {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:255-len(ext)] + ext
	}
	if name == "" {
		name = "unnamed"
	}
	return name
}

// GenerateFilename builds the storage name "<unixMillis>_<16 hex><ext>" from
// the original name's extension.
func GenerateFilename(now time.Time, original string) (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(SanitizeFilename(original)))
	if !storedExt.MatchString(ext) {
		ext = ""
	}
	return fmt.Sprintf("%d_%s%s", now.UnixMilli(), hex.EncodeToString(b[:]), ext), nil
}

var (
	storedName = regexp.MustCompile(`^[0-9]+_[0-9a-f]{16}(\.[a-z0-9\-]+)?$`)
	storedExt  = regexp.MustCompile(`^\.[a-z0-9\-]+$`)
)

// ValidStoredName reports whether name has the shape produced by
// GenerateFilename. Download lookups only accept such names.
func ValidStoredName(name string) bool {
	return storedName.MatchString(name)
}
