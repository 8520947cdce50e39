package blob_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/stanstork/stratum-exchange/internal/blob"
	"github.com/stanstork/stratum-exchange/internal/models"
)

func TestExportKey(t *testing.T) {
	key := blob.ExportKey("users", "2024-03-01T10:20:30.123Z", "csv")
	assert.Equal(t, "export/users/users_2024-03-01T10-20-30-123Z.csv", key)
}

func newLocal(t *testing.T, ttl time.Duration) *blob.LocalStore {
	t.Helper()
	s, err := blob.NewLocalStore(t.TempDir(), "http://localhost:8080/", []byte("secret"), ttl, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestLocalStore_RoundTrip(t *testing.T) {
	s := newLocal(t, 0)
	ctx := context.Background()

	u, err := s.Upload(ctx, "export/users/users_1.csv", strings.NewReader("id\n1\n"), "text/csv", map[string]string{"jobId": "j1"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "http://localhost:8080/files/export/users/users_1.csv?token="), u)

	key, err := s.KeyFromURL(u)
	require.NoError(t, err)
	assert.Equal(t, "export/users/users_1.csv", key)

	var buf bytes.Buffer
	require.NoError(t, s.Download(ctx, u, &buf))
	assert.Equal(t, "id\n1\n", buf.String())

	rc, info, err := s.Open(key)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "text/csv", info.ContentType)
	assert.Equal(t, "j1", info.Metadata["jobId"])

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.NoError(t, s.VerifyToken(key, parsed.Query().Get("token")))
	assert.Error(t, s.VerifyToken("export/other.csv", parsed.Query().Get("token")))

	require.NoError(t, s.Delete(ctx, u))
	err = s.Download(ctx, key, &buf)
	assert.True(t, errors.Is(err, models.ErrStorage))
}

func TestLocalStore_DeleteMissing(t *testing.T) {
	s := newLocal(t, 0)
	err := s.Delete(context.Background(), "export/none.json")
	assert.True(t, errors.Is(err, models.ErrStorage))
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	s := newLocal(t, 0)
	_, err := s.Upload(context.Background(), "../outside.json", strings.NewReader("[]"), "application/json", nil)
	assert.True(t, errors.Is(err, models.ErrStorage))
}

func TestLocalStore_ExpiredToken(t *testing.T) {
	s := newLocal(t, time.Nanosecond)
	u, err := s.SignedURL("a.json")
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Error(t, s.VerifyToken("a.json", parsed.Query().Get("token")))
}

// fakeGCS serves the subset of the JSON API the store uses.
type fakeGCS struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	const objPrefix = "/storage/v1/b/bkt/o/"
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/b/bkt/o"):
		body, _ := io.ReadAll(r.Body)
		// multipart body: metadata part then media part
		name := "export/users/users_1.json"
		f.objects[name] = body
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"bucket":"bkt","name":"`+name+`"}`)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, objPrefix):
		body, ok := f.objects[strings.TrimPrefix(r.URL.Path, objPrefix)]
		if !ok {
			http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, objPrefix):
		key := strings.TrimPrefix(r.URL.Path, objPrefix)
		if _, ok := f.objects[key]; !ok {
			http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
			return
		}
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "unexpected "+r.Method+" "+r.URL.Path, http.StatusBadRequest)
	}
}

func TestGCSStore(t *testing.T) {
	fake := &fakeGCS{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	s, err := blob.NewGCSStore(ctx, "bkt", zerolog.Nop(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	u, err := s.Upload(ctx, "export/users/users_1.json", strings.NewReader(`[{"id":"1"}]`), "application/json", map[string]string{"jobId": "j1"})
	require.NoError(t, err)
	assert.Equal(t, "https://storage.googleapis.com/bkt/export/users/users_1.json", u)
	require.Contains(t, fake.objects, "export/users/users_1.json")
	assert.Contains(t, string(fake.objects["export/users/users_1.json"]), `[{"id":"1"}]`)

	fake.objects["export/users/users_1.json"] = []byte(`[{"id":"1"}]`)
	var buf bytes.Buffer
	require.NoError(t, s.Download(ctx, u, &buf))
	assert.Equal(t, `[{"id":"1"}]`, buf.String())

	require.NoError(t, s.Delete(ctx, u))
	assert.NotContains(t, fake.objects, "export/users/users_1.json")

	err = s.Delete(ctx, u)
	assert.True(t, errors.Is(err, models.ErrStorage))
}

func TestGCSStore_KeyFromURL(t *testing.T) {
	s, err := blob.NewGCSStore(context.Background(), "bkt", zerolog.Nop(), option.WithoutAuthentication())
	require.NoError(t, err)

	cases := map[string]string{
		"https://storage.googleapis.com/bkt/export/a.json":                "export/a.json",
		"gs://bkt/export/a.json":                                          "export/a.json",
		"https://storage.googleapis.com/storage/v1/b/bkt/o/export/a.json": "export/a.json",
		"export/a.json":                                                   "export/a.json",
	}
	for in, want := range cases {
		got, err := s.KeyFromURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err = s.KeyFromURL("https://storage.googleapis.com/other/export/a.json")
	assert.Error(t, err)
}
