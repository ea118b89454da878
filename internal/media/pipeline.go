// Package media validates, optimizes, and uploads binary assets through the
// platform's asynchronous processing pipeline.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver

	"github.com/jafarshop/catalog-sync/internal/feed"
	"github.com/jafarshop/catalog-sync/internal/metrics"
	"github.com/jafarshop/catalog-sync/internal/platform"
)

// Uploader is the slice of the platform client the pipeline needs.
type Uploader interface {
	StageUpload(ctx context.Context, filename, mimeType string, size int64) (*platform.StagedTarget, error)
	UploadAsset(ctx context.Context, target *platform.StagedTarget, filename string, data []byte) error
	AttachMedia(ctx context.Context, productID, resourceURL, alt string) (string, error)
	MediaStatus(ctx context.Context, mediaID string) (platform.MediaProcessingStatus, error)
}

// Config bounds asset size and image dimensions and paces the async poll.
type Config struct {
	MaxBytes     int64
	MaxDimension int
	JPEGQuality  int
	PollInterval time.Duration
	PollAttempts int
}

// Pipeline processes one asset at a time; instances are safe for concurrent
// use by multiple workers.
type Pipeline struct {
	cfg      Config
	uploader Uploader
	fetcher  *http.Client
	log      *slog.Logger
}

// NewPipeline creates a media pipeline over the given uploader.
func NewPipeline(cfg Config, uploader Uploader) *Pipeline {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 20 << 20
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = 4096
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 15
	}
	return &Pipeline{
		cfg:      cfg,
		uploader: uploader,
		fetcher:  &http.Client{Timeout: 60 * time.Second},
		log:      slog.With("component", "media"),
	}
}

// Process fetches, validates, optimizes, uploads, and attaches one asset,
// waiting out the platform's async processing. Returns the remote media ID.
// Errors carry the platform taxonomy so the caller can retry or dead-letter.
func (p *Pipeline) Process(ctx context.Context, productRemoteID string, ref feed.MediaRef) (string, error) {
	data, err := p.fetch(ctx, ref.URL)
	if err != nil {
		return "", err
	}

	kind, err := p.validate(ref.URL, data)
	if err != nil {
		return "", err
	}

	if kind == assetImage {
		data, err = p.optimize(data)
		if err != nil {
			return "", &platform.PermanentError{Op: "optimize", Err: err}
		}
	}

	filename := path.Base(strings.SplitN(ref.URL, "?", 2)[0])
	target, err := p.uploader.StageUpload(ctx, filename, mimeFor(kind, filename), int64(len(data)))
	if err != nil {
		return "", err
	}

	if err := p.uploader.UploadAsset(ctx, target, filename, data); err != nil {
		return "", err
	}

	mediaID, err := p.uploader.AttachMedia(ctx, productRemoteID, target.ResourceURL, ref.Alt)
	if err != nil {
		return "", err
	}

	if err := p.awaitReady(ctx, mediaID); err != nil {
		return "", err
	}

	if m := metrics.Get(); m != nil {
		m.MediaUploaded.Inc()
	}
	return mediaID, nil
}

// awaitReady polls the platform until the asset leaves PROCESSING.
// "Accepted but not yet ready" is normal and tolerated up to the attempt
// ceiling; only an explicit FAILED is permanent.
func (p *Pipeline) awaitReady(ctx context.Context, mediaID string) error {
	start := time.Now()
	for attempt := 1; attempt <= p.cfg.PollAttempts; attempt++ {
		status, err := p.uploader.MediaStatus(ctx, mediaID)
		if err != nil {
			return err
		}

		switch status {
		case platform.MediaReady:
			if m := metrics.Get(); m != nil {
				m.MediaPollDuration.Observe(time.Since(start).Seconds())
			}
			return nil
		case platform.MediaFailed:
			return &platform.PermanentError{Op: "media_processing", Err: fmt.Errorf("platform rejected media %s", mediaID)}
		}

		select {
		case <-time.After(p.cfg.PollInterval):
		case <-ctx.Done():
			return &platform.TransientError{Op: "media_processing", Err: ctx.Err()}
		}
	}
	return &platform.TransientError{Op: "media_processing",
		Err: fmt.Errorf("media %s still processing after %d polls", mediaID, p.cfg.PollAttempts)}
}

type assetKind int

const (
	assetImage assetKind = iota
	assetPDF
)

// validate enforces the size ceiling and checks the asset is decodable
// (corrupt files fail here, before any rate budget is spent).
func (p *Pipeline) validate(src string, data []byte) (assetKind, error) {
	if int64(len(data)) > p.cfg.MaxBytes {
		return 0, &platform.PermanentError{Op: "validate",
			Err: fmt.Errorf("%s: %d bytes exceeds ceiling %d", src, len(data), p.cfg.MaxBytes)}
	}
	if len(data) == 0 {
		return 0, &platform.PermanentError{Op: "validate", Err: fmt.Errorf("%s: empty asset", src)}
	}

	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return assetPDF, nil
	}

	contentType := http.DetectContentType(data)
	switch contentType {
	case "image/jpeg", "image/png":
		if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
			return 0, &platform.PermanentError{Op: "validate",
				Err: fmt.Errorf("%s: corrupt image: %w", src, err)}
		}
		return assetImage, nil
	default:
		return 0, &platform.PermanentError{Op: "validate",
			Err: fmt.Errorf("%s: unsupported format %s", src, contentType)}
	}
}

// optimize downscales images above the dimension ceiling and re-encodes
// JPEG at the configured quality. Assets already within bounds pass through
// untouched.
func (p *Pipeline) optimize(data []byte) ([]byte, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Width <= p.cfg.MaxDimension && cfg.Height <= p.cfg.MaxDimension {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	factor := 1
	for (cfg.Width+factor-1)/factor > p.cfg.MaxDimension || (cfg.Height+factor-1)/factor > p.cfg.MaxDimension {
		factor++
	}
	scaled := downsample(img, factor)

	var buf bytes.Buffer
	if format == "png" {
		if err := png.Encode(&buf, scaled); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	} else {
		if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: p.cfg.JPEGQuality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// downsample scales src down by an integer factor using box averaging.
func downsample(src image.Image, factor int) image.Image {
	if factor <= 1 {
		return src
	}

	b := src.Bounds()
	w := (b.Dx() + factor - 1) / factor
	h := (b.Dy() + factor - 1) / factor
	dst := image.NewRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, bl, a, n uint32
			for dy := 0; dy < factor; dy++ {
				for dx := 0; dx < factor; dx++ {
					sx := b.Min.X + x*factor + dx
					sy := b.Min.Y + y*factor + dy
					if sx >= b.Max.X || sy >= b.Max.Y {
						continue
					}
					pr, pg, pb, pa := src.At(sx, sy).RGBA()
					r += pr
					g += pg
					bl += pb
					a += pa
					n++
				}
			}
			if n == 0 {
				continue
			}
			i := dst.PixOffset(x, y)
			dst.Pix[i] = uint8(r / n >> 8)
			dst.Pix[i+1] = uint8(g / n >> 8)
			dst.Pix[i+2] = uint8(bl / n >> 8)
			dst.Pix[i+3] = uint8(a / n >> 8)
		}
	}
	return dst
}

// fetch reads asset bytes from http(s), blob-backed, or local sources.
func (p *Pipeline) fetch(ctx context.Context, src string) ([]byte, error) {
	u, err := url.Parse(src)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		localPath := src
		if u != nil && u.Scheme == "file" {
			localPath = u.Path
		}
		data, err := os.ReadFile(localPath)
		if err != nil {
			return nil, &platform.PermanentError{Op: "fetch", Err: err}
		}
		return data, nil
	}

	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, &platform.PermanentError{Op: "fetch", Err: err}
		}
		resp, err := p.fetcher.Do(req)
		if err != nil {
			return nil, &platform.TransientError{Op: "fetch", Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, &platform.TransientError{Op: "fetch", Err: fmt.Errorf("%s: status %d", src, resp.StatusCode)}
		}
		if resp.StatusCode >= 400 {
			return nil, &platform.PermanentError{Op: "fetch", Err: fmt.Errorf("%s: status %d", src, resp.StatusCode)}
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBytes+1))
		if err != nil {
			return nil, &platform.TransientError{Op: "fetch", Err: err}
		}
		return data, nil
	default:
		bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		if err != nil {
			return nil, &platform.TransientError{Op: "fetch", Err: err}
		}
		defer bucket.Close()
		data, err := bucket.ReadAll(ctx, strings.TrimPrefix(u.Path, "/"))
		if err != nil {
			return nil, &platform.TransientError{Op: "fetch", Err: err}
		}
		return data, nil
	}
}

func mimeFor(kind assetKind, filename string) string {
	if kind == assetPDF {
		return "application/pdf"
	}
	if strings.HasSuffix(strings.ToLower(filename), ".png") {
		return "image/png"
	}
	return "image/jpeg"
}
