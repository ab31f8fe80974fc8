package models

import (
	"net/url"
	"path"
	"strings"
)

var extKinds = map[string]MediaKind{
	".mp4": MediaVideo, ".mov": MediaVideo, ".webm": MediaVideo, ".mkv": MediaVideo, ".m4v": MediaVideo,
	".png": MediaImage, ".jpg": MediaImage, ".jpeg": MediaImage, ".webp": MediaImage, ".gif": MediaImage,
	".mp3": MediaAudio, ".wav": MediaAudio, ".m4a": MediaAudio, ".ogg": MediaAudio, ".flac": MediaAudio, ".aac": MediaAudio,
}

var extContentTypes = map[string]string{
	".mp4": "video/mp4", ".mov": "video/quicktime", ".webm": "video/webm", ".mkv": "video/x-matroska", ".m4v": "video/x-m4v",
	".png": "image/png", ".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".webp": "image/webp", ".gif": "image/gif",
	".mp3": "audio/mpeg", ".wav": "audio/wav", ".m4a": "audio/mp4", ".ogg": "audio/ogg", ".flac": "audio/flac", ".aac": "audio/aac",
}

// Extension returns the lowercased file extension of a URL's path, ignoring the query.
func Extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}

// MediaKindOf infers the media kind of an output URL from its extension, or
// from the mime type of a data URI.
func MediaKindOf(rawURL string) MediaKind {
	if strings.HasPrefix(rawURL, "data:") {
		return MediaKindOfContentType(strings.TrimPrefix(rawURL, "data:"))
	}
	return extKinds[Extension(rawURL)]
}

// MediaKindOfContentType maps a mime type onto a MediaKind.
func MediaKindOfContentType(ct string) MediaKind {
	switch {
	case strings.HasPrefix(ct, "video/"):
		return MediaVideo
	case strings.HasPrefix(ct, "image/"):
		return MediaImage
	case strings.HasPrefix(ct, "audio/"):
		return MediaAudio
	default:
		return MediaNone
	}
}

// ContentTypeOf returns the conventional mime type for a URL's extension.
func ContentTypeOf(rawURL string) string {
	return extContentTypes[Extension(rawURL)]
}
