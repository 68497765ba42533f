package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"crypto_arb/internal/domain"
)

// NewHTTPClient returns the client used for public REST calls.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// DoJSON sends a request and decodes a JSON body into out. Non-2xx
// statuses are returned as network errors carrying the body text.
func DoJSON(ctx context.Context, client *http.Client, method, url string, body io.Reader, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}

	// Add browser-like User-Agent to avoid bot detection
	req.Header.Set("User-Agent", DefaultUserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return domain.NewNetworkError("http", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.NewNetworkError("http read", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.NewNetworkError("http", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 256)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return domain.NewNetworkError("decode", err)
	}
	return nil
}

// GetJSON is DoJSON for plain GET requests.
func GetJSON(ctx context.Context, client *http.Client, url string, out any) error {
	return DoJSON(ctx, client, http.MethodGet, url, nil, nil, out)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
