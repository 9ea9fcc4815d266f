package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomithril/embeddinglab"
)

func modelBytes(n int) []byte {
	data := make([]byte, n)
	data[0] = 0x08
	data[1] = 0x07
	for i := 2; i < n; i += 7 {
		data[i] = byte(i)
	}
	return data
}

func serveModel(t *testing.T, data []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		http.ServeContent(w, r, "model.onnx", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParseSource(t *testing.T) {
	tests := []struct {
		in       string
		wantType SourceType
		wantLoc  string
		wantErr  bool
	}{
		{in: "https://example.com/m.onnx", wantType: SourceTypeDirect, wantLoc: "https://example.com/m.onnx"},
		{in: "http://localhost/m.onnx", wantType: SourceTypeDirect, wantLoc: "http://localhost/m.onnx"},
		{in: "file:/tmp/m.onnx", wantType: SourceTypeFile, wantLoc: "/tmp/m.onnx"},
		{in: "", wantErr: true},
		{in: "bad://url", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			src, err := ParseSource(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, src.Type)
			assert.Equal(t, tt.wantLoc, src.Location)
			assert.Equal(t, tt.in, src.Original)
		})
	}
}

func TestCachePathIsStablePerURL(t *testing.T) {
	d := NewDownloader("/cache")
	a := d.CachePath("https://example.com/a/model.onnx")
	b := d.CachePath("https://example.com/b/model.onnx")

	assert.Equal(t, a, d.CachePath("https://example.com/a/model.onnx"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, "/cache", filepath.Dir(a))
	assert.Contains(t, filepath.Base(a), "--model.onnx")
}

func TestFetchDownloadsWithProgress(t *testing.T) {
	data := modelBytes(200 * 1024)
	srv := serveModel(t, data, nil)
	d := NewDownloader(t.TempDir())

	var updates []embeddinglab.Progress
	path, err := d.Fetch(context.Background(), srv.URL+"/model.onnx", func(p embeddinglab.Progress) {
		updates = append(updates, p)
	})
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, int64(len(data)), last.Loaded)
	assert.Equal(t, int64(len(data)), last.Total)
	for i := 1; i < len(updates); i++ {
		assert.GreaterOrEqual(t, updates[i].Loaded, updates[i-1].Loaded)
	}

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFetchUsesCache(t *testing.T) {
	var hits atomic.Int32
	srv := serveModel(t, modelBytes(4096), &hits)
	d := NewDownloader(t.TempDir())

	first, err := d.Fetch(context.Background(), srv.URL+"/model.onnx", nil)
	require.NoError(t, err)
	second, err := d.Fetch(context.Background(), srv.URL+"/model.onnx", nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchResumesPartialDownload(t *testing.T) {
	data := modelBytes(64 * 1024)
	var ranges []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ranges = append(ranges, r.Header.Get("Range"))
		http.ServeContent(w, r, "model.onnx", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	d := NewDownloader(t.TempDir())
	url := srv.URL + "/model.onnx"
	half := len(data) / 2
	require.NoError(t, os.WriteFile(d.CachePath(url)+".tmp", data[:half], 0644))

	path, err := d.Fetch(context.Background(), url, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	require.Len(t, ranges, 1)
	assert.Equal(t, "bytes=32768-", ranges[0])
}

func TestFetchResumesAfterStall(t *testing.T) {
	data := modelBytes(8192)
	half := len(data) / 2

	var (
		mu     sync.Mutex
		ranges []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		first := len(ranges) == 1
		mu.Unlock()

		if !first {
			http.ServeContent(w, r, "model.onnx", time.Time{}, bytes.NewReader(data))
			return
		}
		// Send half the body, then hang until the client gives up.
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data[:half])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	d := NewDownloader(t.TempDir(),
		WithHTTPClient(srv.Client()),
		WithStallTimeout(200*time.Millisecond),
		WithRetry(time.Millisecond, 5*time.Millisecond, 5*time.Second),
	)

	start := time.Now()
	path, err := d.Fetch(context.Background(), srv.URL+"/model.onnx", nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ranges, 2)
	assert.Equal(t, "", ranges[0])
	assert.Equal(t, "bytes=4096-", ranges[1])
}

func TestFetchStallWithoutRetryBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	d := NewDownloader(t.TempDir(),
		WithHTTPClient(srv.Client()),
		WithStallTimeout(50*time.Millisecond),
		WithRetry(time.Millisecond, time.Millisecond, 120*time.Millisecond),
	)
	_, err := d.Fetch(context.Background(), srv.URL+"/model.onnx", nil)
	assert.ErrorIs(t, err, ErrStalled)
}

func TestFetchRejectsHTMLPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<!DOCTYPE html><html><body>Access to model is restricted</body></html>"))
	}))
	defer srv.Close()

	d := NewDownloader(t.TempDir(), WithRetry(time.Millisecond, time.Millisecond, 50*time.Millisecond))
	_, err := d.Fetch(context.Background(), srv.URL+"/model.onnx", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected content type")
}

func TestFetchClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := NewDownloader(t.TempDir(), WithRetry(time.Millisecond, time.Millisecond, time.Second))
	_, err := d.Fetch(context.Background(), srv.URL+"/missing.onnx", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchServerErrorIsRetried(t *testing.T) {
	data := modelBytes(2048)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.ServeContent(w, r, "model.onnx", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	d := NewDownloader(t.TempDir(), WithRetry(time.Millisecond, 5*time.Millisecond, 5*time.Second))
	path, err := d.Fetch(context.Background(), srv.URL+"/model.onnx", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFetchLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	require.NoError(t, os.WriteFile(path, modelBytes(100), 0644))

	d := NewDownloader(t.TempDir())
	var last embeddinglab.Progress
	got, err := d.Fetch(context.Background(), "file:"+path, func(p embeddinglab.Progress) { last = p })
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, embeddinglab.Progress{Loaded: 100, Total: 100}, last)
}

func TestFetchUnsupportedSource(t *testing.T) {
	d := NewDownloader(t.TempDir())
	_, err := d.Fetch(context.Background(), "bad://url", nil)
	assert.Error(t, err)
}
