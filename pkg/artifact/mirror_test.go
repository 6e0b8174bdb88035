package artifact

import (
	"context"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type putRecord struct {
	method string
	path   string
	body   []byte
	sha256 string
}

func TestS3Mirror_Put(t *testing.T) {
	var (
		mu   sync.Mutex
		puts []putRecord
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		puts = append(puts, putRecord{
			method: r.Method,
			path:   r.URL.Path,
			body:   body,
			sha256: r.Header.Get("X-Amz-Meta-Sha256"),
		})
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mirror, err := NewS3Mirror(context.Background(), S3Config{
		Endpoint:     srv.URL,
		Bucket:       "artifacts",
		Prefix:       "/aurora/",
		AccessKey:    "test",
		SecretKey:    "test",
		UsePathStyle: true,
	})
	require.NoError(t, err)

	data := []byte("staged bytes")
	key := HashBytes(data) + "/artifact.bin"
	require.NoError(t, mirror.Put(context.Background(), key, data))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, puts, 1)
	assert.Equal(t, http.MethodPut, puts[0].method)
	assert.Equal(t, "/artifacts/aurora/"+key, puts[0].path)
	assert.Equal(t, data, puts[0].body)
	assert.Equal(t, HashBytes(data), puts[0].sha256)
}

func TestS3Mirror_CustomCABundle(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bundle := filepath.Join(t.TempDir(), "ca.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(bundle, certPEM, 0o644))
	t.Setenv("AWS_CA_BUNDLE", bundle)

	mirror, err := NewS3Mirror(context.Background(), S3Config{
		Endpoint:     srv.URL,
		Bucket:       "artifacts",
		AccessKey:    "test",
		SecretKey:    "test",
		UsePathStyle: true,
	})
	require.NoError(t, err)

	// The bundle is the only thing that makes the test server trusted
	require.NoError(t, mirror.Put(context.Background(), "k/artifact.bin", []byte("x")))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits)
}

func TestS3Mirror_RequiresBucket(t *testing.T) {
	_, err := NewS3Mirror(context.Background(), S3Config{})
	assert.Error(t, err)
}
