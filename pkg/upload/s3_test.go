package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgis/factorybench/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is a path-style S3 endpoint keeping objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(r.URL.Path, "/")

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		if r.URL.Query().Get("list-type") == "2" {
			f.list(w, r)

			return
		}

		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))

			return
		}

		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, r *http.Request) {
	bucket := strings.Trim(r.URL.Path, "/")
	prefix := bucket + "/" + r.URL.Query().Get("prefix")

	var b strings.Builder

	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult>`)
	b.WriteString("<Name>" + bucket + "</Name><IsTruncated>false</IsTruncated>")

	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>1</Size></Contents>", strings.TrimPrefix(key, bucket+"/"))
		}
	}

	b.WriteString("</ListBucketResult>")

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(b.String()))
}

func newFakeS3(t *testing.T) (*fakeS3, *config.S3UploadConfig) {
	t.Helper()

	fake := &fakeS3{objects: make(map[string][]byte, 4)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	return fake, &config.S3UploadConfig{
		Enabled:         true,
		EndpointURL:     srv.URL,
		Bucket:          "bench",
		Prefix:          "team/runs/",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		ForcePathStyle:  true,
	}
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestResolvePrefix(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   string
	}{
		{name: "default prefix", prefix: "", want: "factorybench/runs"},
		{name: "custom prefix", prefix: "my-project/benchmarks", want: "my-project/benchmarks"},
		{name: "trailing slash stripped", prefix: "my-prefix/", want: "my-prefix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolvePrefix(tt.prefix))
		})
	}

	u := &s3Uploader{cfg: &config.S3UploadConfig{}}
	assert.Equal(t, "factorybench/runs/tl-20250101T000000.json", u.resolveKey("tl-20250101T000000.json"))
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantPrefix string
	}{
		{name: "json file", path: "runs/tl-1.json", wantPrefix: "application/json"},
		{name: "no extension", path: "runs/README", wantPrefix: "application/octet-stream"},
		{name: "txt file", path: "runs/notes.txt", wantPrefix: "text/plain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, detectContentType(tt.path), tt.wantPrefix)
		})
	}
}

func TestNewS3Uploader_RequiresBucket(t *testing.T) {
	_, err := NewS3Uploader(testLogger(), &config.S3UploadConfig{Enabled: true})
	require.Error(t, err)
}

func TestS3_UploadAndRead(t *testing.T) {
	ctx := context.Background()
	fake, cfg := newFakeS3(t)

	u, err := NewS3Uploader(testLogger(), cfg)
	require.NoError(t, err)
	require.NoError(t, u.Preflight(ctx))

	doc := filepath.Join(t.TempDir(), "tl-20250101T000000.json")
	require.NoError(t, os.WriteFile(doc, []byte(`{"run_id":"tl-20250101T000000"}`), 0o644))
	require.NoError(t, u.UploadRun(ctx, doc))

	fake.mu.Lock()
	_, ok := fake.objects["bench/team/runs/tl-20250101T000000.json"]
	_, preflight := fake.objects["bench/.factorybench-write-test"]
	fake.mu.Unlock()

	assert.True(t, ok)
	assert.True(t, preflight)

	r := NewS3Reader(testLogger(), cfg)

	ids, err := r.ListRunIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tl-20250101T000000"}, ids)

	data, err := r.GetRun(ctx, "tl-20250101T000000")
	require.NoError(t, err)
	assert.JSONEq(t, `{"run_id":"tl-20250101T000000"}`, string(data))

	data, err = r.GetRun(ctx, "tl-missing")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestS3_UploadMissingFile(t *testing.T) {
	_, cfg := newFakeS3(t)

	u, err := NewS3Uploader(testLogger(), cfg)
	require.NoError(t, err)

	err = u.UploadRun(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestIsS3NotFound(t *testing.T) {
	assert.True(t, isS3NotFound(errors.New("api error NoSuchKey: gone")))
	assert.False(t, isS3NotFound(errors.New("access denied")))
}

func TestPresigner_PresignRun(t *testing.T) {
	_, cfg := newFakeS3(t)
	cfg.PresignExpiry = "10m"

	p, err := NewPresigner(testLogger(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, p.Expiry())

	ctx := context.Background()

	url, err := p.PresignRun(ctx, "tl-20250101T000000")
	require.NoError(t, err)
	assert.Contains(t, url, "/bench/team/runs/tl-20250101T000000.json")
	assert.Contains(t, url, "X-Amz-Signature=")
	assert.Contains(t, url, "X-Amz-Expires=600")

	again, err := p.PresignRun(ctx, "tl-20250101T000000")
	require.NoError(t, err)
	assert.Equal(t, url, again, "cached URL is reused")

	// Past half the validity a fresh URL is signed.
	p.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	_, err = p.PresignRun(ctx, "tl-20250101T000000")
	require.NoError(t, err)

	_, err = p.PresignRun(ctx, "../etc/passwd")
	require.Error(t, err)
}

func TestNewPresigner_BadExpiry(t *testing.T) {
	_, err := NewPresigner(testLogger(), &config.S3UploadConfig{Bucket: "b", PresignExpiry: "later"})
	require.Error(t, err)
}
