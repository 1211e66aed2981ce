package configsync

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Fetcher defaults.
const (
	DefaultDownloadTimeout = 5 * time.Minute
	DefaultDownloadRetries = 3
	defaultInitialInterval = time.Second
	partSuffix             = ".part"
	stagedFilePermissions  = 0o755
	stagingDirPermissions  = 0o750
)

// Fetcher reads plugin package metadata and downloads packages.
type Fetcher interface {
	Head(ctx context.Context, rawURL string) (PackageInfo, error)
	Download(ctx context.Context, rawURL, dest string) error
}

// FetcherOptions configures an HTTPFetcher.
type FetcherOptions struct {
	// Client defaults to a client without its own timeout; Timeout bounds
	// each whole operation instead.
	Client *http.Client

	// Timeout bounds one Head or Download including retries.
	Timeout time.Duration

	// Retries is the number of retries after the first attempt.
	Retries int

	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration

	Logger Logger
}

// HTTPFetcher fetches plugin packages over HTTP with exponential backoff.
// 4xx responses are permanent; transport errors and 5xx are retried.
type HTTPFetcher struct {
	client          *http.Client
	timeout         time.Duration
	retries         int
	initialInterval time.Duration
	logger          Logger
}

// NewHTTPFetcher creates a fetcher.
func NewHTTPFetcher(opts FetcherOptions) *HTTPFetcher {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultDownloadTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = defaultInitialInterval
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &HTTPFetcher{
		client:          opts.Client,
		timeout:         opts.Timeout,
		retries:         opts.Retries,
		initialInterval: opts.InitialInterval,
		logger:          opts.Logger,
	}
}

// Head fetches package metadata without the body.
//
// The filename comes from Content-Disposition, falling back to the last
// URL path segment. The version is the ETag, or Last-Modified when the
// server sends no ETag.
//
// Returns:
//   - PackageInfo: Remote filename, version and size
//   - error: *SyncError with Op "head"
func (f *HTTPFetcher) Head(ctx context.Context, rawURL string) (PackageInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var info PackageInfo
	err := f.retry(ctx, rawURL, func() error {
		resp, err := f.do(ctx, http.MethodHead, rawURL)
		if err != nil {
			return err
		}
		resp.Body.Close() //nolint:errcheck // HEAD has no body

		info = PackageInfo{
			Filename: packageFilename(resp.Header.Get("Content-Disposition"), rawURL),
			Version:  strings.Trim(resp.Header.Get("ETag"), `"`),
			Size:     resp.ContentLength,
		}
		if info.Version == "" {
			info.Version = resp.Header.Get("Last-Modified")
		}
		return nil
	})
	if err != nil {
		return PackageInfo{}, &SyncError{Op: OpHead, URL: rawURL, Err: err}
	}
	if info.Filename == "" {
		return PackageInfo{}, &SyncError{Op: OpHead, URL: rawURL, Err: ErrNoFilename}
	}
	return info, nil
}

// Download streams the package to dest. The body is written to a
// temporary ".part" file next to dest and renamed once complete, so dest
// never holds a truncated package.
//
// Returns:
//   - error: *SyncError with Op "download"
func (f *HTTPFetcher) Download(ctx context.Context, rawURL, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(dest), stagingDirPermissions); err != nil {
		return &SyncError{Op: OpDownload, URL: rawURL, Err: fmt.Errorf("creating staging directory: %w", err)}
	}

	err := f.retry(ctx, rawURL, func() error {
		resp, err := f.do(ctx, http.MethodGet, rawURL)
		if err != nil {
			return err
		}
		defer resp.Body.Close() //nolint:errcheck // read-only body
		return writeAtomic(dest, resp.Body)
	})
	if err != nil {
		return &SyncError{Op: OpDownload, URL: rawURL, Err: err}
	}
	return nil
}

// do sends one request and classifies the status code.
func (f *HTTPFetcher) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close() //nolint:errcheck // discarding error response
		err := fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return resp, nil
}

func (f *HTTPFetcher) retry(ctx context.Context, rawURL string, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.initialInterval
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(f.retries)), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		f.logger.Warn("package request failed, retrying", "url", rawURL, "error", err, "retry_in", wait)
	})
}

// writeAtomic copies r to path through a temporary file.
func writeAtomic(dest string, r io.Reader) error {
	part := dest + partSuffix
	out, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, stagedFilePermissions)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating %s: %w", part, err))
	}

	_, copyErr := io.Copy(out, r)
	syncErr := out.Sync()
	closeErr := out.Close()
	if err := firstErr(copyErr, syncErr, closeErr); err != nil {
		os.Remove(part) //nolint:errcheck // best effort cleanup
		return fmt.Errorf("writing %s: %w", part, err)
	}

	if err := os.Rename(part, dest); err != nil {
		os.Remove(part) //nolint:errcheck // best effort cleanup
		return backoff.Permanent(fmt.Errorf("renaming %s: %w", part, err))
	}
	return nil
}

// packageFilename picks the filename from a Content-Disposition header,
// else from the URL path. Only the base name is kept.
func packageFilename(disposition, rawURL string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := cleanFilename(params["filename"]); name != "" {
				return name
			}
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return cleanFilename(path.Base(u.Path))
}

func cleanFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
