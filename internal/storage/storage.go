// Package storage holds received image bytes. Objects are addressed by a flat
// key that is also what the records table stores as the image path.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("object not found")
	ErrInvalidKey = errors.New("invalid object key")
)

type Provider interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Healthy(ctx context.Context) bool
}

// ObjectKey builds a collision resistant key from a slug and a timestamp,
// e.g. 39_50_20250501_090000_1a2b3c4d.jpg.
func ObjectKey(slug string, when time.Time, ext string) string {
	if slug == "" {
		slug = "unmatched"
	}

	return fmt.Sprintf("%s_%s_%s%s", slug, when.Format("20060102_150405"), uuid.New().String()[:8], ext)
}

// Sniff returns the content type and file extension for image bytes. Unknown
// payloads are stored as .jpg since chat platforms only hand us images here.
func Sniff(data []byte) (contentType, ext string) {
	contentType = http.DetectContentType(data)

	switch contentType {
	case "image/png":
		return contentType, ".png"
	case "image/gif":
		return contentType, ".gif"
	case "image/webp":
		return contentType, ".webp"
	case "image/jpeg":
		return contentType, ".jpg"
	default:
		return "image/jpeg", ".jpg"
	}
}

// ContentTypeForKey maps a stored key back to the type it was written with.
func ContentTypeForKey(key string) string {
	switch {
	case strings.HasSuffix(key, ".png"):
		return "image/png"
	case strings.HasSuffix(key, ".gif"):
		return "image/gif"
	case strings.HasSuffix(key, ".webp"):
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
