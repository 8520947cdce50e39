// Package blob stores exchange files and hands out retrieval URLs for them.
package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// Store uploads, downloads and deletes exchange files. Download and Delete
// accept either a URL returned by Upload or a bare object key.
type Store interface {
	Upload(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]string) (string, error)
	Download(ctx context.Context, ref string, w io.Writer) error
	Delete(ctx context.Context, ref string) error
}

// ExportKey returns the object key of an export: export/{collection}/{collection}_{stamp}.{ext}.
// stamp is an ISO-8601 timestamp; its ':' and '.' are replaced by '-'.
func ExportKey(collection, stamp, ext string) string {
	dashed := strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return fmt.Sprintf("export/%s/%s_%s.%s", collection, collection, dashed, ext)
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", fmt.Errorf("empty object key")
	}
	cleaned := path.Clean(key)
	if cleaned != key || cleaned == "." || strings.HasPrefix(cleaned, "../") || cleaned == ".." {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return cleaned, nil
}
