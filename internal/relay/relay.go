// Package relay copies provider-hosted outputs to durable storage. Provider
// URLs expire, so every output is downloaded and re-uploaded before it is
// recorded on a job.
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/bluefxvideo/bluefx-app-sub009/internal/config"
	"github.com/bluefxvideo/bluefx-app-sub009/pkg/models"
)

var (
	ErrDownload = errors.New("asset download failed")
	ErrUpload   = errors.New("asset upload failed")
	ErrTooLarge = errors.New("asset exceeds size limit")
)

// Relayer is the consumer-side contract used by the dispatcher.
type Relayer interface {
	Relay(ctx context.Context, sourceURL, namespace, filenameHint string) (models.Asset, error)
}

// Relay downloads over HTTP and uploads through an Uploader.
type Relay struct {
	httpClient    *http.Client
	uploader      Uploader
	publicBaseURL string
	maxBytes      int64
}

// New creates a Relay. publicBaseURL prefixes every stored key to form the durable URL.
func New(uploader Uploader, publicBaseURL string, cfg config.RelayConfig) *Relay {
	timeout := cfg.DownloadTimeout
	if timeout == 0 {
		timeout = 90 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = 500 * 1024 * 1024
	}
	return &Relay{
		httpClient:    &http.Client{Timeout: timeout},
		uploader:      uploader,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		maxBytes:      maxBytes,
	}
}

// Relay copies sourceURL into namespace/filenameHint<ext> and returns the stored asset.
func (r *Relay) Relay(ctx context.Context, sourceURL, namespace, filenameHint string) (models.Asset, error) {
	var (
		body        []byte
		contentType string
		err         error
	)
	isData := strings.HasPrefix(sourceURL, "data:")
	if isData {
		body, contentType, err = decodeDataURI(sourceURL)
	} else {
		body, contentType, err = r.download(ctx, sourceURL)
	}
	if err != nil {
		return models.Asset{}, err
	}

	if !isData {
		if ct := models.ContentTypeOf(sourceURL); ct != "" {
			contentType = ct
		}
	}
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	kind := models.MediaKindOf(sourceURL)
	if kind == models.MediaNone {
		kind = models.MediaKindOfContentType(contentType)
	}

	key := sanitizeKey(path.Join(namespace, filenameHint+extensionFor(sourceURL, contentType)))
	if err := r.uploader.Upload(ctx, key, body, contentType); err != nil {
		return models.Asset{}, fmt.Errorf("%w: %s: %v", ErrUpload, key, err)
	}

	asset := models.Asset{
		URL:         r.publicBaseURL + "/" + key,
		Kind:        kind,
		ContentType: contentType,
		SizeBytes:   int64(len(body)),
	}
	if !isData {
		asset.SourceURL = sourceURL
	}
	probe(&asset, body)
	return asset, nil
}

func (r *Relay) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: build request: %v", ErrDownload, err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("%w: status %d", ErrDownload, resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, r.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", ErrDownload, err)
	}
	if int64(len(body)) > r.maxBytes {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, r.maxBytes)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func decodeDataURI(uri string) ([]byte, string, error) {
	meta, data, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: malformed data uri", ErrDownload)
	}
	contentType := strings.TrimSuffix(meta, ";base64")
	if !strings.HasSuffix(meta, ";base64") {
		return []byte(data), contentType, nil
	}
	body, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode data uri: %v", ErrDownload, err)
	}
	return body, contentType, nil
}

var contentTypeExts = map[string]string{
	"video/mp4": ".mp4", "video/webm": ".webm", "video/quicktime": ".mov",
	"image/png": ".png", "image/jpeg": ".jpg", "image/webp": ".webp", "image/gif": ".gif",
	"audio/mpeg": ".mp3", "audio/wav": ".wav", "audio/x-wav": ".wav", "audio/mp4": ".m4a",
}

func extensionFor(sourceURL, contentType string) string {
	if !strings.HasPrefix(sourceURL, "data:") {
		if ext := models.Extension(sourceURL); ext != "" {
			return ext
		}
	}
	if ext, ok := contentTypeExts[contentType]; ok {
		return ext
	}
	return ".bin"
}
