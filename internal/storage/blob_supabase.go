package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/kibshh/wallet-pass-service/backend/internal/errs"
)

const maxSupabaseErrorBody = 4 << 10

// SupabaseConfig configures the Supabase storage adapter.
type SupabaseConfig struct {
	BaseURL    string // project URL, e.g. https://xyz.supabase.co
	ServiceKey string
	Bucket     string
	HTTPClient *http.Client
	Backoff    func() backoff.BackOff
}

// SupabaseBlobStore talks to the Supabase storage REST API.
type SupabaseBlobStore struct {
	baseURL      string
	serviceKey   string
	bucket       string
	client       *http.Client
	buildBackoff func() backoff.BackOff
}

// NewSupabaseBlobStore validates cfg and returns a store.
func NewSupabaseBlobStore(cfg SupabaseConfig) (*SupabaseBlobStore, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("supabase storage requires a base url")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("supabase storage requires a bucket")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	factory := cfg.Backoff
	if factory == nil {
		factory = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 5 * time.Second
			return b
		}
	}
	return &SupabaseBlobStore{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		serviceKey:   cfg.ServiceKey,
		bucket:       cfg.Bucket,
		client:       client,
		buildBackoff: factory,
	}, nil
}

// PublicURL returns the public download URL for path in a public bucket.
func (s *SupabaseBlobStore) PublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, escapePath(path))
}

func (s *SupabaseBlobStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	endpoint := s.objectURL(path)
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		s.authorize(req)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("x-upsert", "true")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		return classifyResponse(resp)
	}

	if err := backoff.Retry(op, backoff.WithContext(s.buildBackoff(), ctx)); err != nil {
		return errs.Wrap(errs.KindUpstream, "supabase put "+path, err)
	}
	return nil
}

func (s *SupabaseBlobStore) Get(ctx context.Context, path string) ([]byte, error) {
	endpoint := s.objectURL(path)
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		s.authorize(req)

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			body, err = io.ReadAll(resp.Body)
			return err
		}
		return classifyResponse(resp)
	}

	if err := backoff.Retry(op, backoff.WithContext(s.buildBackoff(), ctx)); err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, ErrBlobNotFound
		}
		return nil, errs.Wrap(errs.KindUpstream, "supabase get "+path, err)
	}
	return body, nil
}

func (s *SupabaseBlobStore) objectURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, escapePath(path))
}

func (s *SupabaseBlobStore) authorize(req *http.Request) {
	if s.serviceKey == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
}

type supabaseError struct {
	StatusCode string `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// classifyResponse turns a non-success response into a retryable or
// permanent error. Missing objects are reported either as 404 or as a
// 400 whose body names a 404.
func classifyResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxSupabaseErrorBody))
	var decoded supabaseError
	_ = json.Unmarshal(raw, &decoded)

	if resp.StatusCode == http.StatusNotFound ||
		(resp.StatusCode == http.StatusBadRequest && (decoded.StatusCode == "404" || strings.EqualFold(decoded.Error, "not_found"))) {
		return backoff.Permanent(ErrBlobNotFound)
	}

	msg := decoded.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	err := fmt.Errorf("supabase storage returned %d: %s", resp.StatusCode, msg)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return err
	}
	return backoff.Permanent(err)
}

func escapePath(path string) string {
	parts := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

var _ BlobStore = (*SupabaseBlobStore)(nil)
