package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/notam-pipeline/internal/notice"
)

const maxResponseBytes = 4 << 20

// HTTPConfig configures the HTTP classification client.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	// Timeout bounds each request when the caller's context has no deadline.
	Timeout time.Duration
}

// HTTP posts requests as JSON and decodes a Classification from the body.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTP builds an HTTP classifier. A nil client uses a dedicated client
// with cfg.Timeout.
func NewHTTP(cfg HTTPConfig, client *http.Client) (*HTTP, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("classifier endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTP{cfg: cfg, client: client}, nil
}

// Classify implements Classifier.
func (h *HTTP) Classify(ctx context.Context, req Request) (*notice.Classification, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode classify request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, permanent("build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if h.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("classify request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read classify response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("classify status %d: %s", resp.StatusCode, snippet(payload))
	case resp.StatusCode == http.StatusNoContent:
		return nil, ErrEmptyResponse
	case resp.StatusCode >= 400:
		return nil, permanent("classify status %d: %s", resp.StatusCode, snippet(payload))
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrEmptyResponse
	}
	var rec notice.Classification
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, fmt.Errorf("decode classify response: %w", err)
	}
	return validate(&rec)
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
