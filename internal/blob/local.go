package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"

	"github.com/stanstork/stratum-exchange/internal/models"
)

const (
	filesPrefix = "/files/"
	metaSuffix  = ".meta.json"
	tokenAud    = "exchange-files"
)

// LocalStore keeps files under a root directory and issues URLs of the form
// {baseURL}/files/{key}?token={jwt}. The token is signed with an HMAC key
// and names the object it grants access to.
type LocalStore struct {
	root       string
	baseURL    string
	signingKey []byte
	ttl        time.Duration
	logger     zerolog.Logger
}

var _ Store = (*LocalStore)(nil)

// ObjectInfo describes a stored file.
type ObjectInfo struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewLocalStore creates root if needed. A zero ttl issues tokens that never
// expire.
func NewLocalStore(root, baseURL string, signingKey []byte, ttl time.Duration, logger zerolog.Logger) (*LocalStore, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("local blob store: signing key is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local blob store: create root: %w", err)
	}
	return &LocalStore{
		root:       root,
		baseURL:    strings.TrimRight(baseURL, "/"),
		signingKey: signingKey,
		ttl:        ttl,
		logger:     logger.With().Str("component", "blob.local").Logger(),
	}, nil
}

func (s *LocalStore) Upload(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrStorage, err)
	}
	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("%w: create directory: %w", models.ErrStorage, err)
	}

	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %w", models.ErrStorage, key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("%w: write %s: %w", models.ErrStorage, key, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: close %s: %w", models.ErrStorage, key, err)
	}

	info, err := json.Marshal(ObjectInfo{ContentType: contentType, Metadata: metadata})
	if err != nil {
		return "", fmt.Errorf("%w: encode metadata: %w", models.ErrStorage, err)
	}
	if err := os.WriteFile(target+metaSuffix, info, 0o644); err != nil {
		return "", fmt.Errorf("%w: write metadata: %w", models.ErrStorage, err)
	}

	u, err := s.SignedURL(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrStorage, err)
	}
	s.logger.Debug().Str("key", key).Msg("file stored")
	return u, nil
}

func (s *LocalStore) Download(ctx context.Context, ref string, w io.Writer) error {
	f, _, err := s.Open(ref)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("%w: read %s: %w", models.ErrStorage, ref, err)
	}
	return nil
}

// Open returns the file behind ref with its stored description.
func (s *LocalStore) Open(ref string) (io.ReadCloser, ObjectInfo, error) {
	var info ObjectInfo
	key, err := s.KeyFromURL(ref)
	if err != nil {
		return nil, info, fmt.Errorf("%w: %w", models.ErrStorage, err)
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, info, fmt.Errorf("%w: open %s: %w", models.ErrStorage, key, err)
	}
	if raw, err := os.ReadFile(s.path(key) + metaSuffix); err == nil {
		_ = json.Unmarshal(raw, &info)
	}
	return f, info, nil
}

func (s *LocalStore) Delete(ctx context.Context, ref string) error {
	key, err := s.KeyFromURL(ref)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrStorage, err)
	}
	if err := os.Remove(s.path(key)); err != nil {
		return fmt.Errorf("%w: delete %s: %w", models.ErrStorage, key, err)
	}
	if err := os.Remove(s.path(key) + metaSuffix); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to remove metadata file")
	}
	return nil
}

// KeyFromURL extracts the object key from a URL issued by this store. Any
// other input is treated as a key.
func (s *LocalStore) KeyFromURL(ref string) (string, error) {
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		idx := strings.Index(u.Path, filesPrefix)
		if idx < 0 {
			return "", fmt.Errorf("not a file URL: %s", ref)
		}
		return cleanKey(u.Path[idx+len(filesPrefix):])
	}
	return cleanKey(strings.TrimPrefix(ref, strings.TrimPrefix(filesPrefix, "/")))
}

// SignedURL returns the retrieval URL of key.
func (s *LocalStore) SignedURL(key string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": key,
		"aud": tokenAud,
		"iat": now.Unix(),
	}
	if s.ttl > 0 {
		claims["exp"] = now.Add(s.ttl).Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign url: %w", err)
	}
	return s.baseURL + filesPrefix + escapeKey(key) + "?token=" + url.QueryEscape(token), nil
}

// VerifyToken checks that token was issued by this store for key.
func (s *LocalStore) VerifyToken(key, token string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return fmt.Errorf("invalid token: %v", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !claims.VerifyAudience(tokenAud, true) {
		return fmt.Errorf("invalid token audience")
	}
	if sub, _ := claims["sub"].(string); sub != key {
		return fmt.Errorf("token does not grant %s", key)
	}
	return nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
