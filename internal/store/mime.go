package store

import (
	"fmt"
	"strings"
)

// imageExtensions maps supported image extensions to MIME types.
var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".dng":  "image/x-adobe-dng",
}

// videoExtensions maps supported video extensions to MIME types.
var videoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".3gp":  "video/3gpp",
	".mkv":  "video/x-matroska",
}

// preferredExtensions picks one extension per MIME type when writing.
var preferredExtensions = map[string]string{
	"image/jpeg":        ".jpg",
	"image/png":         ".png",
	"image/gif":         ".gif",
	"image/webp":        ".webp",
	"image/heic":        ".heic",
	"image/heif":        ".heif",
	"image/x-adobe-dng": ".dng",
	"video/mp4":         ".mp4",
	"video/quicktime":   ".mov",
	"video/webm":        ".webm",
	"video/3gpp":        ".3gp",
	"video/x-matroska":  ".mkv",
}

// MIMEType returns the MIME type for a file extension, or "" if the
// extension is not a supported media type.
func MIMEType(ext string) string {
	ext = strings.ToLower(ext)
	if m, ok := imageExtensions[ext]; ok {
		return m
	}
	return videoExtensions[ext]
}

// Extension returns the file extension used when writing mimeType.
func Extension(mimeType string) (string, error) {
	if ext, ok := preferredExtensions[strings.ToLower(mimeType)]; ok {
		return ext, nil
	}
	return "", fmt.Errorf("unsupported MIME type: %q", mimeType)
}
