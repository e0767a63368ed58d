package internal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lychee-technology/tabq"
)

// ValidateS3Config checks the spill bucket settings.
func ValidateS3Config(cfg tabq.S3Config) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Bucket == "" {
		return fmt.Errorf("s3: enabled=true requires a bucket")
	}
	if cfg.AccessKey != "" && cfg.SecretKey == "" {
		return fmt.Errorf("s3 accessKey provided without secretKey")
	}
	if cfg.SecretKey != "" && cfg.AccessKey == "" {
		return fmt.Errorf("s3 secretKey provided without accessKey")
	}
	return nil
}

// S3EndpointHealthCheck sends an anonymous HEAD to a custom S3 endpoint. It
// validates DNS and TLS only; AWS itself usually answers 403.
func S3EndpointHealthCheck(ctx context.Context, endpoint string, timeout time.Duration) error {
	if endpoint == "" {
		return fmt.Errorf("s3 endpoint not configured")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, endpoint, nil)
	if err != nil {
		return fmt.Errorf("s3 health request build failed: %w", err)
	}

	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return fmt.Errorf("s3 health request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("s3 endpoint reachable but returned auth error: %d", resp.StatusCode)
	default:
		return fmt.Errorf("s3 endpoint returned unexpected status: %d", resp.StatusCode)
	}
}
