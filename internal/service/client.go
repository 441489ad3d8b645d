package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	contentType   = "application/json"
	reportTimeout = 30 * time.Second
	maxErrorBody  = 4096
)

// HTTPReporter posts the report as JSON, any 2xx status is a success.
type HTTPReporter struct {
	requestURL *url.URL
	client     *http.Client
}

func NewHTTPReporter(serverURL string) (*HTTPReporter, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}

	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("please define the report url with a scheme and a host, e.g. `http://some-url.com/path`")
	}

	c := &HTTPReporter{
		requestURL: parsedURL,
		client:     &http.Client{Timeout: reportTimeout},
	}

	return c, nil
}

func (c *HTTPReporter) Report(ctx context.Context, rep Report) error {
	raw, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if err != nil {
			return err
		}
		return fmt.Errorf("report upload failed, status: %d, body: %s", resp.StatusCode, string(respBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	slog.DebugContext(ctx, "report uploaded successfully",
		slog.String("url", c.requestURL.Redacted()),
		slog.Int("status", resp.StatusCode))
	return nil
}
