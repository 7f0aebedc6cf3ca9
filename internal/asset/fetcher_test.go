package asset

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func newTestFetcher(cache Cache) *Fetcher {
	f := NewFetcher(&http.Client{Timeout: 2 * time.Second}, cache, time.Minute, zap.NewNop())
	f.RetryInterval = time.Millisecond
	return f
}

func TestFetch_ImageWithSize(t *testing.T) {
	body := pngBytes(t, 640, 320)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer srv.Close()

	a, err := newTestFetcher(nil).Fetch(context.Background(), srv.URL+"/t.png")
	require.NoError(t, err)

	assert.Equal(t, "image/png", a.ContentType)
	assert.Equal(t, 640, a.Width)
	assert.Equal(t, 320, a.Height)
	assert.Equal(t, body, a.Data)
}

func TestFetch_SniffsGenericContentType(t *testing.T) {
	body := pngBytes(t, 10, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(body)
	}))
	defer srv.Close()

	a, err := newTestFetcher(nil).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "image/png", a.ContentType)
}

func TestFetch_NotFoundIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestFetcher(nil).Fetch(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	body := pngBytes(t, 20, 10)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer srv.Close()

	a, err := newTestFetcher(nil).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 20, a.Width)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetch_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestFetcher(nil).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFetch_RejectsPDF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.7\n"))
	}))
	defer srv.Close()

	_, err := newTestFetcher(nil).Fetch(context.Background(), srv.URL)
	require.ErrorIs(t, err, ErrUnsupportedType)
	assert.Contains(t, err.Error(), `content type "application/pdf"`)
}

func TestFetch_EmptyURL(t *testing.T) {
	_, err := newTestFetcher(nil).Fetch(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetch_ServesFromCache(t *testing.T) {
	body := pngBytes(t, 30, 40)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	defer srv.Close()

	f := newTestFetcher(NewMemoryCache(4))
	first, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	second, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, 30, second.Width)
	assert.Equal(t, 40, second.Height)
}

func TestMemoryCache_Expires(t *testing.T) {
	c := NewMemoryCache(2)
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(context.Background(), "k", []byte("v"), time.Minute))
	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	now = now.Add(2 * time.Minute)
	_, err = c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryCache_Bounded(t *testing.T) {
	c := NewMemoryCache(2)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, k, []byte(k), 0))
	}
	assert.Len(t, c.items, 2)
}
