package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Crawler run statuses as reported by the hosted crawler API.
const (
	RunStatusSucceeded = "SUCCEEDED"
	RunStatusFailed    = "FAILED"
	RunStatusRunning   = "RUNNING"
)

// CrawlerClient polls the hosted crawler API for run completion.
type CrawlerClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewCrawlerClientFromEnv reads CRAWLER_API_URL and CRAWLER_API_TOKEN. It
// returns (nil, nil) when the integration is not configured.
func NewCrawlerClientFromEnv() (*CrawlerClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("CRAWLER_API_URL"))
	token := strings.TrimSpace(os.Getenv("CRAWLER_API_TOKEN"))
	if baseURL == "" || token == "" {
		return nil, nil
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("connectors: invalid crawler URL %q", baseURL)
	}

	return &CrawlerClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		token:      token,
	}, nil
}

// GetRunStatus fetches the status of a single crawl run.
func (c *CrawlerClient) GetRunStatus(ctx context.Context, runID string) (string, error) {
	if c == nil {
		return "", errors.New("connectors: crawler client is not configured")
	}
	if strings.TrimSpace(runID) == "" {
		return "", errors.New("connectors: run id is required")
	}

	endpoint := fmt.Sprintf("%s/v2/actor-runs/%s?token=%s", c.baseURL, url.PathEscape(runID), url.QueryEscape(c.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("connectors: create run status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("connectors: run status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("connectors: run status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("connectors: decode run status response: %w", err)
	}
	return decoded.Data.Status, nil
}
