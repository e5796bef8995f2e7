package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/storefront/internal/security"
)

// 画像取得のエラー
var (
	ErrImageNotFound = errors.New("image not available")
	ErrImageTooLarge = errors.New("image too large")
	ErrNotAnImage    = errors.New("not an image")
)

// allowedImageTypes はプロキシが返す画像形式。
// SVGはスクリプトを含み得るため返さない。
var allowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
	"image/avif": true,
}

// Image はプロキシで取得した画像。
type Image struct {
	Data        []byte
	ContentType string
}

// ImageProxy は商品画像を外部から取得する。
// ブラウザから任意のホストを直接参照させないため、画像はサーバー経由で配信する。
type ImageProxy struct {
	guard   security.ImageURLGuard
	client  *http.Client
	maxSize int64
	logger  *slog.Logger
}

// NewImageProxy はImageProxyを生成する。
// guardがnilの場合はURL検証を行わず通常のHTTPクライアントを使う（テスト用）。
func NewImageProxy(guard security.ImageURLGuard, timeout time.Duration, maxSize int64, logger *slog.Logger) *ImageProxy {
	client := &http.Client{Timeout: timeout}
	if guard != nil {
		client = guard.NewSafeClient(timeout)
	}
	return &ImageProxy{
		guard:   guard,
		client:  client,
		maxSize: maxSize,
		logger:  logger,
	}
}

// Fetch は画像を取得する。
func (p *ImageProxy) Fetch(ctx context.Context, src string) (*Image, error) {
	if p.guard != nil {
		if err := p.guard.ValidateURL(src); err != nil {
			p.logger.Warn("image proxy: blocked url",
				slog.String("src", src),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageNotFound, err)
	}
	req.Header.Set("User-Agent", "Storefront/1.0 ImageProxy")
	req.Header.Set("Accept", "image/*")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("image proxy: request failed",
			slog.String("src", src),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrImageNotFound, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Warn("image proxy: unexpected status",
			slog.String("src", src),
			slog.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("%w: status %d", ErrImageNotFound, resp.StatusCode)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !allowedImageTypes[strings.ToLower(mediaType)] {
		return nil, fmt.Errorf("%w: %q", ErrNotAnImage, resp.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageNotFound, err)
	}
	if int64(len(body)) > p.maxSize {
		p.logger.Warn("image proxy: size limit exceeded",
			slog.String("src", src),
			slog.Int64("max_size", p.maxSize),
		)
		return nil, ErrImageTooLarge
	}

	return &Image{Data: body, ContentType: strings.ToLower(mediaType)}, nil
}
