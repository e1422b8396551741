// Package imagefetch downloads the images referenced by row fields and
// returns them as base64 JPEG payloads ready for a multimodal prompt.
package imagefetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/nadmax/rowpilot/internal/config"
	"go.uber.org/zap"
)

type Fetcher struct {
	client       *http.Client
	userAgent    string
	maxBytes     int64
	maxDimension int
	quality      int
	log          *zap.SugaredLogger
}

func NewFetcher(cfg config.ImagesConfig, log *zap.SugaredLogger) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxDimension := cfg.MaxDimension
	if maxDimension <= 0 {
		maxDimension = 1024
	}
	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 85
	}

	return &Fetcher{
		client:       &http.Client{Timeout: timeout},
		userAgent:    cfg.UserAgent,
		maxBytes:     cfg.MaxBytes,
		maxDimension: maxDimension,
		quality:      quality,
		log:          log,
	}
}

// FetchAll returns one payload per image field, in field order. Missing,
// empty or failed images yield "". It never returns an error.
func (f *Fetcher) FetchAll(ctx context.Context, row map[string]string, fields []string) []string {
	payloads := make([]string, len(fields))
	failures := 0

	for i, field := range fields {
		ref := strings.TrimSpace(row[field])
		if ref == "" {
			continue
		}

		payload, err := f.Fetch(ctx, ref)
		if err != nil {
			failures++
			f.log.Warnw("image_fetch_failed", "field", field, "url", ref, "error", err)
			continue
		}
		payloads[i] = payload
	}

	if failures > 0 {
		f.log.Warnw("image_fetch_partial", "failed", failures, "requested", len(fields))
	}
	return payloads
}

// Fetch downloads one image and returns its optimized base64 encoding.
// Inline data URIs are passed through without re-encoding.
func (f *Fetcher) Fetch(ctx context.Context, ref string) (string, error) {
	if strings.HasPrefix(ref, "data:image") {
		if _, data, ok := strings.Cut(ref, ","); ok {
			return data, nil
		}
		return ref, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", fmt.Errorf("invalid image url: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "image/webp,image/*,*/*;q=0.8")
	req.Header.Set("Referer", ref)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("image download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("image download failed: status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("not an image content type: %q", contentType)
	}

	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return "", fmt.Errorf("image too large: %d bytes, limit %d", resp.ContentLength, f.maxBytes)
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return "", fmt.Errorf("image too large: limit %d bytes", f.maxBytes)
	}

	return f.optimize(data), nil
}

// optimize fits the image into the configured bounding box and re-encodes it
// as JPEG. Undecodable data is returned as-is.
func (f *Fetcher) optimize(data []byte) string {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		f.log.Debugw("image_optimize_skipped", "error", err)
		return base64.StdEncoding.EncodeToString(data)
	}

	b := img.Bounds()
	if b.Dx() > f.maxDimension || b.Dy() > f.maxDimension {
		img = imaging.Fit(img, f.maxDimension, f.maxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(f.quality)); err != nil {
		f.log.Debugw("image_encode_failed", "error", err)
		return base64.StdEncoding.EncodeToString(data)
	}

	f.log.Debugw("image_optimized", "original_bytes", len(data), "optimized_bytes", buf.Len())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}
