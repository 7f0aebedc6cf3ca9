// Package asset downloads ticket template images.
package asset

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"TicketMail/internal/errs"
	"TicketMail/internal/metrics"
	"TicketMail/internal/models"
)

var (
	ErrNotFound        = errs.New("template not found")
	ErrUnsupportedType = errs.New("unsupported template type")
	ErrTooLarge        = errs.New("template too large")
)

const defaultMaxBytes = 20 << 20

var supportedTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

type Fetcher struct {
	client *http.Client
	cache  Cache
	ttl    time.Duration
	log    *zap.Logger

	// MaxRetries bounds retries of transient failures (network, 429, 5xx).
	MaxRetries    uint64
	RetryInterval time.Duration
	MaxBytes      int64
}

// NewFetcher returns a fetcher. cache may be nil.
func NewFetcher(client *http.Client, cache Cache, ttl time.Duration, log *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{
		client:        client,
		cache:         cache,
		ttl:           ttl,
		log:           log,
		MaxRetries:    2,
		RetryInterval: 200 * time.Millisecond,
		MaxBytes:      defaultMaxBytes,
	}
}

// cachedAsset is the cache encoding of a template.
type cachedAsset struct {
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

// Fetch downloads url and returns the template image with its pixel size.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*models.TemplateAsset, error) {
	if url == "" {
		return nil, ErrNotFound
	}

	if a, ok := f.fromCache(ctx, url); ok {
		metrics.TemplateFetches.WithLabelValues("hit").Inc()
		return a, nil
	}

	a, err := f.download(ctx, url)
	if err != nil {
		metrics.TemplateFetches.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.TemplateFetches.WithLabelValues("miss").Inc()

	f.toCache(ctx, a)
	return a, nil
}

func (f *Fetcher) download(ctx context.Context, url string) (*models.TemplateAsset, error) {
	var a *models.TemplateAsset

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(errs.Wrap(err, "template request"))
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return errs.Wrap(err, "template fetch")
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return errs.Newf("template fetch: status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(errs.Newf("template fetch: status %d", resp.StatusCode))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBytes+1))
		if err != nil {
			return errs.Wrap(err, "template read")
		}
		if int64(len(body)) > f.MaxBytes {
			return backoff.Permanent(ErrTooLarge)
		}

		parsed, err := decodeAsset(url, resp.Header.Get("Content-Type"), body)
		if err != nil {
			return backoff.Permanent(err)
		}
		a = parsed
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.RetryInterval
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(b, f.MaxRetries), ctx),
		func(err error, wait time.Duration) {
			f.log.Warn("template fetch failed, retrying",
				zap.String("url", url),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		},
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// decodeAsset checks the body is a supported raster image and reads its size.
// The declared content type wins when it is a supported image type; otherwise
// the body is sniffed.
func decodeAsset(url, declared string, body []byte) (*models.TemplateAsset, error) {
	ct, _, _ := mime.ParseMediaType(declared)
	if !supportedTypes[ct] {
		ct, _, _ = mime.ParseMediaType(http.DetectContentType(body))
	}
	if !supportedTypes[ct] {
		return nil, errs.Wrapf(ErrUnsupportedType, "content type %q", ct)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrapf(ErrUnsupportedType, "decode template image: %v", err)
	}

	return &models.TemplateAsset{
		URL:         url,
		Data:        body,
		ContentType: ct,
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}

func (f *Fetcher) fromCache(ctx context.Context, url string) (*models.TemplateAsset, bool) {
	if f.cache == nil {
		return nil, false
	}
	raw, err := f.cache.Get(ctx, url)
	if err != nil {
		if !errs.Is(err, ErrCacheMiss) {
			f.log.Warn("template cache read failed", zap.String("url", url), zap.Error(err))
		}
		return nil, false
	}
	var c cachedAsset
	if err := json.Unmarshal(raw, &c); err != nil {
		f.log.Warn("template cache entry corrupt", zap.String("url", url), zap.Error(err))
		return nil, false
	}
	return &models.TemplateAsset{
		URL:         url,
		Data:        c.Data,
		ContentType: c.ContentType,
		Width:       c.Width,
		Height:      c.Height,
	}, true
}

func (f *Fetcher) toCache(ctx context.Context, a *models.TemplateAsset) {
	if f.cache == nil {
		return
	}
	raw, err := json.Marshal(cachedAsset{
		ContentType: a.ContentType,
		Data:        a.Data,
		Width:       a.Width,
		Height:      a.Height,
	})
	if err != nil {
		return
	}
	if err := f.cache.Set(ctx, a.URL, raw, f.ttl); err != nil {
		f.log.Warn("template cache write failed", zap.String("url", a.URL), zap.Error(err))
	}
}
