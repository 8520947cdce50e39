package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"github.com/stanstork/stratum-exchange/internal/models"
)

const gcsPublicHost = "https://storage.googleapis.com/"

// GCSStore keeps files in a Google Cloud Storage bucket through the JSON API.
type GCSStore struct {
	svc    *storage.Service
	bucket string
	logger zerolog.Logger
}

var _ Store = (*GCSStore)(nil)

func NewGCSStore(ctx context.Context, bucket string, logger zerolog.Logger, opts ...option.ClientOption) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs blob store: bucket is required")
	}
	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs blob store: %w", err)
	}
	return &GCSStore{
		svc:    svc,
		bucket: bucket,
		logger: logger.With().Str("component", "blob.gcs").Str("bucket", bucket).Logger(),
	}, nil
}

func (s *GCSStore) Upload(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrStorage, err)
	}
	obj := &storage.Object{Name: key, ContentType: contentType, Metadata: metadata}
	if _, err := s.svc.Objects.Insert(s.bucket, obj).
		Media(r, googleapi.ContentType(contentType)).
		Context(ctx).
		Do(); err != nil {
		return "", fmt.Errorf("%w: upload %s: %w", models.ErrStorage, key, err)
	}
	s.logger.Debug().Str("key", key).Msg("object uploaded")
	return s.URL(key), nil
}

func (s *GCSStore) Download(ctx context.Context, ref string, w io.Writer) error {
	key, err := s.KeyFromURL(ref)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrStorage, err)
	}
	resp, err := s.svc.Objects.Get(s.bucket, key).Context(ctx).Download()
	if err != nil {
		return fmt.Errorf("%w: download %s: %w", models.ErrStorage, key, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("%w: read %s: %w", models.ErrStorage, key, err)
	}
	return nil
}

func (s *GCSStore) Delete(ctx context.Context, ref string) error {
	key, err := s.KeyFromURL(ref)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrStorage, err)
	}
	if err := s.svc.Objects.Delete(s.bucket, key).Context(ctx).Do(); err != nil {
		return fmt.Errorf("%w: delete %s: %w", models.ErrStorage, key, err)
	}
	return nil
}

// URL is the public object URL of key.
func (s *GCSStore) URL(key string) string {
	return gcsPublicHost + s.bucket + "/" + escapeKey(key)
}

// KeyFromURL accepts public object URLs, gs:// URIs, JSON API object URLs
// and bare keys.
func (s *GCSStore) KeyFromURL(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" {
		return cleanKey(ref)
	}
	if u.Scheme == "gs" {
		if u.Host != s.bucket {
			return "", fmt.Errorf("object %s is not in bucket %s", ref, s.bucket)
		}
		return cleanKey(u.Path)
	}
	if marker := "/b/" + s.bucket + "/o/"; strings.Contains(u.Path, marker) {
		return cleanKey(u.Path[strings.Index(u.Path, marker)+len(marker):])
	}
	if prefix := "/" + s.bucket + "/"; strings.HasPrefix(u.Path, prefix) {
		return cleanKey(strings.TrimPrefix(u.Path, prefix))
	}
	return "", fmt.Errorf("object %s is not in bucket %s", ref, s.bucket)
}
