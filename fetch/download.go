package fetch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
	"lukechampine.com/blake3"

	"github.com/gomithril/embeddinglab"
)

// ErrStalled is returned when a download makes no progress for the stall timeout.
var ErrStalled = errors.New("download stalled")

// Downloader fetches model files into a local cache.
type Downloader struct {
	cacheDir        string
	client          *http.Client
	maxElapsedTime  time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
	stallTimeout    time.Duration
}

type Option func(*Downloader)

func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) { d.client = client }
}

// WithRetry tunes the exponential backoff around each download attempt.
func WithRetry(initial, maxInterval, maxElapsed time.Duration) Option {
	return func(d *Downloader) {
		d.initialInterval = initial
		d.maxInterval = maxInterval
		d.maxElapsedTime = maxElapsed
	}
}

func WithStallTimeout(timeout time.Duration) Option {
	return func(d *Downloader) { d.stallTimeout = timeout }
}

func NewDownloader(cacheDir string, opts ...Option) *Downloader {
	d := &Downloader{
		cacheDir: cacheDir,
		client: &http.Client{
			Timeout: 0, // downloads can take as long as they need
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 60 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   60 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       60 * time.Second,
			},
		},
		maxElapsedTime:  5 * time.Minute,
		initialInterval: 1 * time.Second,
		maxInterval:     30 * time.Second,
		stallTimeout:    2 * time.Minute,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CachePath returns where the file behind rawURL is stored.
func (d *Downloader) CachePath(rawURL string) string {
	h := blake3.Sum256([]byte(rawURL))
	prefix := hex.EncodeToString(h[:])[:8]

	name := "model"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	return filepath.Join(d.cacheDir, fmt.Sprintf("%s--%s", prefix, name))
}

// Fetch resolves source to a local file path, downloading it if needed.
func (d *Downloader) Fetch(ctx context.Context, source string, onProgress embeddinglab.ProgressFunc) (string, error) {
	src, err := ParseSource(source)
	if err != nil {
		return "", err
	}

	if src.Type == SourceTypeFile {
		info, err := os.Stat(src.Location)
		if err != nil {
			return "", fmt.Errorf("failed to verify local file: %w", err)
		}
		report(onProgress, info.Size(), info.Size())
		return src.Location, nil
	}

	destPath := d.CachePath(src.Location)
	if info, err := os.Stat(destPath); err == nil {
		log.Debug().Str("path", destPath).Msg("Using cached model file")
		report(onProgress, info.Size(), info.Size())
		return destPath, nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	log.Info().Str("url", src.Location).Str("path", destPath).Msg("Downloading model")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialInterval
	b.MaxInterval = d.maxInterval
	b.MaxElapsedTime = d.maxElapsedTime

	tmpPath := destPath + ".tmp"
	err = backoff.RetryNotify(func() error {
		return d.downloadWithResume(ctx, src.Location, destPath, tmpPath, onProgress)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Str("url", src.Location).Msg("Download attempt failed")
	})
	if err != nil {
		return "", err
	}
	return destPath, nil
}

func (d *Downloader) downloadWithResume(ctx context.Context, rawURL, destPath, tmpPath string, onProgress embeddinglab.ProgressFunc) error {
	var initialSize int64
	if info, err := os.Stat(tmpPath); err == nil {
		initialSize = info.Size()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	if initialSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", initialSize))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var totalSize int64
	flag := os.O_CREATE | os.O_WRONLY
	switch {
	case initialSize > 0 && resp.StatusCode == http.StatusPartialContent:
		totalSize = initialSize + resp.ContentLength
		flag |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		if initialSize > 0 {
			log.Warn().Msg("Server doesn't support resume, starting download from beginning")
			initialSize = 0
		}
		totalSize = resp.ContentLength
		flag |= os.O_TRUNC
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		os.Remove(tmpPath)
		return fmt.Errorf("stale partial download discarded")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(fmt.Errorf("download failed with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	if totalSize < 0 {
		totalSize = 0
	}

	f, err := os.OpenFile(tmpPath, flag, 0644)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to open file: %w", err))
	}
	defer f.Close()

	watchdog := time.AfterFunc(d.stallTimeout, func() { cancel(ErrStalled) })
	defer watchdog.Stop()

	downloaded := initialSize
	report(onProgress, downloaded, totalSize)

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			watchdog.Reset(d.stallTimeout)
			if _, werr := f.Write(buf[:n]); werr != nil {
				return backoff.Permanent(fmt.Errorf("write failed: %w", werr))
			}
			downloaded += int64(n)
			report(onProgress, downloaded, totalSize)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if cause := context.Cause(ctx); errors.Is(cause, ErrStalled) {
				return ErrStalled
			} else if cause != nil {
				return backoff.Permanent(cause)
			}
			return fmt.Errorf("read failed: %w", rerr)
		}
	}

	if totalSize > 0 && downloaded != totalSize {
		return fmt.Errorf("download size mismatch: expected %d, got %d", totalSize, downloaded)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to flush file: %w", err)
	}

	if err := VerifyModelFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return backoff.Permanent(err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to move file: %w", err))
	}

	log.Info().Str("path", destPath).Int64("bytes", downloaded).Msg("Download complete")
	return nil
}

// VerifyModelFile rejects empty files and text payloads such as HTML error pages.
func VerifyModelFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file does not exist: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("file is empty: %s", filepath.Base(path))
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("failed to detect file type: %w", err)
	}
	if isText(mtype) {
		return fmt.Errorf("unexpected content type %s, not a model file", mtype.String())
	}
	return nil
}

func isText(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		if m.Is("text/plain") || strings.HasPrefix(m.String(), "text/") {
			return true
		}
	}
	return false
}

func report(onProgress embeddinglab.ProgressFunc, loaded, total int64) {
	if onProgress != nil {
		onProgress(embeddinglab.Progress{Loaded: loaded, Total: total})
	}
}
