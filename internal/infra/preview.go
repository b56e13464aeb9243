package infra

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"asset_market/internal/domain"

	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	previewMaxRetries  = 3
	previewCacheSize   = 4096
	maxMetadataBytes   = 1 << 20
	metadataImageField = "image"
)

// PreviewFetcher downloads asset artwork referenced by metadata URIs and
// caches square thumbnails on disk.
type PreviewFetcher struct {
	basePath  string
	sizePx    int
	client    *http.Client
	baseDelay time.Duration
	known     *lru.Cache[string, string] // metadata URI -> thumbnail path
}

var _ domain.PreviewProvider = (*PreviewFetcher)(nil)

// NewPreviewFetcher creates a PreviewFetcher writing into dir, or the user
// config dir when dir is empty.
func NewPreviewFetcher(dir string, sizePx int) (*PreviewFetcher, error) {
	if dir == "" {
		path, err := getPreviewPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve preview path: %w", err)
		}
		dir = path
	}
	if sizePx <= 0 {
		sizePx = defaultPreviewPx
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create preview directory: %w", err)
	}

	known, err := lru.New[string, string](previewCacheSize)
	if err != nil {
		return nil, err
	}

	// Optimize HTTP Transport to prevent connection leaks
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = 100
	transport.MaxConnsPerHost = 10
	transport.IdleConnTimeout = 30 * time.Second

	return &PreviewFetcher{
		basePath: dir,
		sizePx:   sizePx,
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: transport,
		},
		baseDelay: baseRetryDelay,
		known:     known,
	}, nil
}

// PreviewPath returns the cache location for a metadata URI.
func (f *PreviewFetcher) PreviewPath(metadataURI string) string {
	sum := sha256.Sum256([]byte(metadataURI))
	return filepath.Join(f.basePath, hex.EncodeToString(sum[:8])+".png")
}

// FetchPreview resolves metadataURI to an image, resizes it and returns the
// local file path. The URI may point at an image directly or at a JSON
// metadata document carrying an "image" field.
func (f *PreviewFetcher) FetchPreview(ctx context.Context, metadataURI string) (string, error) {
	if !strings.HasPrefix(metadataURI, "http://") && !strings.HasPrefix(metadataURI, "https://") {
		return "", domain.NewFatalNetworkError("preview", fmt.Errorf("unsupported uri: %q", metadataURI))
	}

	if path, ok := f.known.Get(metadataURI); ok {
		return path, nil
	}
	filePath := f.PreviewPath(metadataURI)
	if _, err := os.Stat(filePath); err == nil {
		f.known.Add(metadataURI, filePath)
		return filePath, nil // Cache hit
	}

	var lastErr error
	for attempt := 0; attempt <= previewMaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffFrom(f.baseDelay, attempt-1)
			slog.Debug("Retrying preview download", slog.String("uri", metadataURI), slog.Int("attempt", attempt), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = f.download(ctx, metadataURI, filePath, true)
		if lastErr == nil {
			f.known.Add(metadataURI, filePath)
			return filePath, nil
		}
		if !domain.IsRetriable(lastErr) {
			break
		}
	}
	return "", lastErr
}

func (f *PreviewFetcher) download(ctx context.Context, uri, filePath string, followMetadata bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return domain.NewFatalNetworkError("preview", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return domain.NewNetworkError("preview", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return domain.NewNetworkError("preview", fmt.Errorf("bad status: %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return domain.NewFatalNetworkError("preview", fmt.Errorf("bad status: %s", resp.Status))
	}

	if followMetadata && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var meta map[string]any
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(&meta); err != nil {
			return domain.NewFatalNetworkError("preview", fmt.Errorf("failed to decode metadata: %w", err))
		}
		image, _ := meta[metadataImageField].(string)
		if image == "" {
			return domain.NewFatalNetworkError("preview", errors.New("metadata has no image"))
		}
		return f.download(ctx, image, filePath, false)
	}

	srcImg, err := imaging.Decode(resp.Body)
	if err != nil {
		return domain.NewFatalNetworkError("preview", fmt.Errorf("failed to decode image: %w", err))
	}

	// Square thumbnail, cropped from the center
	thumb := imaging.Fill(srcImg, f.sizePx, f.sizePx, imaging.Center, imaging.Lanczos)

	if err := imaging.Save(thumb, filePath); err != nil {
		return fmt.Errorf("failed to save preview: %w", err)
	}
	return nil
}

func getPreviewPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "AssetMarket", "previews"), nil
}
