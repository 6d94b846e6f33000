package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/bobarin/splitrender/internal/logging"
)

const (
	// Upload timeout per attempt; chunk renders can be hundreds of MB
	uploadTimeout = 10 * time.Minute

	// Download timeout per attempt
	downloadTimeout = 5 * time.Minute

	// Metadata calls (HEAD, list, delete)
	metadataTimeout = 30 * time.Second

	// Retry configuration
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second

	listPageSize = 1000
)

// Supabase is a BlobStore backed by a Supabase Storage bucket.
type Supabase struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	logger     hclog.Logger

	// retryDelay is swapped out by tests
	retryDelay func(attempt int) time.Duration
}

func New(url, serviceKey, bucket string, logger hclog.Logger) *Supabase {
	return &Supabase{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		logger:     logging.OrDefault(logger).Named("storage"),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retryDelay: retryDelay,
	}
}

func (s *Supabase) objectURL(name string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, escapeObjectPath(name))
}

// attemptFunc performs one HTTP attempt under a per-attempt context.
type attemptFunc func(ctx context.Context) (*http.Response, error)

// do runs fn with retries and exponential backoff. Each attempt gets its own
// timeout, still bounded by any deadline on ctx. The caller owns the body of
// the returned response.
func (s *Supabase) do(ctx context.Context, op, name string, timeout time.Duration, fn attemptFunc) (*http.Response, context.CancelFunc, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.retryDelay(attempt)
			s.logger.Warn("retrying", "op", op, "object", name, "attempt", attempt, "max", maxRetries, "wait", delay)

			select {
			case <-ctx.Done():
				return nil, nil, fmt.Errorf("%s cancelled: %w", op, ctx.Err())
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := fn(attemptCtx)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("failed to %s: %w", op, err)
			if isRetryableError(err) {
				s.logger.Warn("attempt failed (retryable)", "op", op, "object", name, "attempt", attempt+1, "error", err)
				continue
			}
			return nil, nil, lastErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if attempt > 0 {
				s.logger.Info("succeeded after retry", "op", op, "object", name, "attempt", attempt+1)
			}
			return resp, cancel, nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		statusErr := &httpStatusError{Op: op, Status: resp.StatusCode, Body: truncate(string(body), 200)}
		lastErr = statusErr

		if isRetryableStatus(resp.StatusCode) {
			s.logger.Warn("attempt returned retryable status", "op", op, "object", name, "attempt", attempt+1, "status", resp.StatusCode)
			continue
		}

		// Non-retryable status (400, 401, 403, 404, 413, etc.)
		return nil, nil, statusErr
	}

	return nil, nil, fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries+1, lastErr)
}

// Exists issues a HEAD on the object. Supabase answers 400 or 404 for
// missing objects depending on version.
func (s *Supabase) Exists(ctx context.Context, name string) (bool, *ObjectInfo, error) {
	resp, cancel, err := s.do(ctx, "head", name, metadataTimeout, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.objectURL(name), nil)
		if err != nil {
			return nil, err
		}
		s.authorize(req)
		return s.client.Do(req)
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil, nil
		}
		if isBareBadRequest(err) {
			missing, getErr := s.missingOnGet(ctx, name)
			if getErr != nil {
				return false, nil, getErr
			}
			if missing {
				return false, nil, nil
			}
		}
		return false, nil, err
	}
	defer cancel()
	resp.Body.Close()

	info := &ObjectInfo{
		Name:        name,
		ID:          strings.Trim(resp.Header.Get("ETag"), `"`),
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
	}
	return true, info, nil
}

// Download streams the object into localPath.
func (s *Supabase) Download(ctx context.Context, name, localPath string) error {
	resp, cancel, err := s.do(ctx, "download", name, downloadTimeout, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(name), nil)
		if err != nil {
			return nil, err
		}
		s.authorize(req)
		return s.client.Do(req)
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return err
	}
	defer cancel()
	defer resp.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}

	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(localPath)
		return fmt.Errorf("failed to read download body for %s: %w", name, copyErr)
	}
	if closeErr != nil {
		os.Remove(localPath)
		return fmt.Errorf("failed to write %s: %w", localPath, closeErr)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		os.Remove(localPath)
		return fmt.Errorf("short download for %s: got %d of %d bytes", name, n, resp.ContentLength)
	}

	return nil
}

// Upload streams a local file with PUT and x-upsert so re-uploading the same
// name overwrites. The file is reopened for every attempt.
func (s *Supabase) Upload(ctx context.Context, localPath, name string) (*ObjectInfo, error) {
	st, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "video/mp4"
	}

	resp, cancel, err := s.do(ctx, "upload", name, uploadTimeout, func(ctx context.Context) (*http.Response, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", localPath, err)
		}
		defer f.Close()

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(name), f)
		if err != nil {
			return nil, err
		}
		req.ContentLength = st.Size()
		s.authorize(req)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")
		return s.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close()

	var result struct {
		ID  string `json:"Id"`
		Key string `json:"Key"`
	}
	// Older Supabase versions return only Key; the ID is informational.
	_ = json.NewDecoder(resp.Body).Decode(&result)

	return &ObjectInfo{Name: name, ID: result.ID, Size: st.Size(), ContentType: contentType}, nil
}

func (s *Supabase) Delete(ctx context.Context, name string) error {
	resp, cancel, err := s.do(ctx, "delete", name, metadataTimeout, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(name), nil)
		if err != nil {
			return nil, err
		}
		s.authorize(req)
		return s.client.Do(req)
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return err
	}
	defer cancel()
	resp.Body.Close()
	return nil
}

type listEntry struct {
	Name     string `json:"name"`
	ID       string `json:"id"`
	Metadata struct {
		Size     int64  `json:"size"`
		Mimetype string `json:"mimetype"`
	} `json:"metadata"`
}

// List pages through the bucket root and filters names containing pattern.
// The storage API only matches by prefix, so substring matching happens here.
func (s *Supabase) List(ctx context.Context, pattern string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for offset := 0; ; offset += listPageSize {
		body, err := json.Marshal(map[string]interface{}{
			"prefix": "",
			"limit":  listPageSize,
			"offset": offset,
			"sortBy": map[string]string{"column": "name", "order": "asc"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal list request: %w", err)
		}

		resp, cancel, err := s.do(ctx, "list", pattern, metadataTimeout, func(ctx context.Context) (*http.Response, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				fmt.Sprintf("%s/storage/v1/object/list/%s", s.url, s.Bucket), bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			s.authorize(req)
			req.Header.Set("Content-Type", "application/json")
			return s.client.Do(req)
		})
		if err != nil {
			return nil, err
		}

		var page []listEntry
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		cancel()
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to parse list response: %w", decodeErr)
		}

		for _, e := range page {
			// Folder placeholders come back with a null id
			if e.ID == "" || !strings.Contains(e.Name, pattern) {
				continue
			}
			out = append(out, ObjectInfo{
				Name:        e.Name,
				ID:          e.ID,
				Size:        e.Metadata.Size,
				ContentType: e.Metadata.Mimetype,
			})
		}

		if len(page) < listPageSize {
			return out, nil
		}
	}
}

// missingOnGet resolves an ambiguous HEAD answer with a one-byte GET, whose
// error body says whether the object or something else is missing.
func (s *Supabase) missingOnGet(ctx context.Context, name string) (bool, error) {
	resp, cancel, err := s.do(ctx, "get", name, metadataTimeout, func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(name), nil)
		if err != nil {
			return nil, err
		}
		s.authorize(req)
		req.Header.Set("Range", "bytes=0-0")
		return s.client.Do(req)
	})
	if err != nil {
		if isNotFound(err) {
			return true, nil
		}
		return false, err
	}
	resp.Body.Close()
	cancel()
	return false, nil
}

// GetPublicURL returns the URL an object is served from when the bucket is public.
func (s *Supabase) GetPublicURL(name string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, escapeObjectPath(name))
}

func (s *Supabase) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
}

type httpStatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.Status, e.Body)
}

// supabaseError is the storage API's error body.
type supabaseError struct {
	StatusCode string `json:"statusCode"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

// isNotFound reports whether err means the object itself is missing. Supabase
// answers 400 {"error":"not_found","message":"Object not found"} on some
// versions; other 400s such as a missing bucket are real errors.
func isNotFound(err error) bool {
	var statusErr *httpStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	if statusErr.Status == http.StatusNotFound {
		return true
	}
	if statusErr.Status != http.StatusBadRequest {
		return false
	}
	var body supabaseError
	if json.Unmarshal([]byte(statusErr.Body), &body) != nil {
		return false
	}
	return body.Code == "not_found" || strings.EqualFold(body.Message, "Object not found")
}

// isBareBadRequest matches a 400 with no body, which is all a HEAD can return.
func isBareBadRequest(err error) bool {
	var statusErr *httpStatusError
	return errors.As(err, &statusErr) && statusErr.Status == http.StatusBadRequest && statusErr.Body == ""
}

// escapeObjectPath escapes each path segment but keeps the separators.
func escapeObjectPath(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
