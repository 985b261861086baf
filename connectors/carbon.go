package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Carbon file sync statuses. Anything other than ready/error means the sync
// is still in flight and blocks source completion.
const (
	FileStatusReady   = "READY"
	FileStatusError   = "SYNC_ERROR"
	FileStatusSyncing = "SYNCING"
	FileStatusQueued  = "QUEUED_FOR_SYNC"
)

// ConnectorFile is one file tracked by the connector aggregation API.
type ConnectorFile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SyncStatus string `json:"sync_status"`
	SourceType string `json:"source_type"`
}

// CarbonClient talks to the third-party connector aggregation API that syncs
// Notion, Google Docs, Dropbox and similar sources on our behalf.
type CarbonClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewCarbonClientFromEnv reads CARBON_API_URL and CARBON_API_KEY. It returns
// (nil, nil) when the integration is not configured, so connector source
// kinds can be rejected up front.
func NewCarbonClientFromEnv() (*CarbonClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("CARBON_API_URL"))
	apiKey := strings.TrimSpace(os.Getenv("CARBON_API_KEY"))
	if baseURL == "" || apiKey == "" {
		return nil, nil
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("connectors: invalid carbon URL %q", baseURL)
	}

	return &CarbonClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}, nil
}

// ListFiles returns the per-file sync status for one customer, filtered by
// connector source type (e.g. NOTION, GOOGLE_DOCS).
func (c *CarbonClient) ListFiles(ctx context.Context, customerID string, sourceFilter string) ([]ConnectorFile, error) {
	if c == nil {
		return nil, errors.New("connectors: carbon client is not configured")
	}
	if strings.TrimSpace(customerID) == "" {
		return nil, errors.New("connectors: customer id is required")
	}

	payload := map[string]interface{}{
		"customer_id": customerID,
	}
	if sourceFilter != "" {
		payload["filters"] = map[string]interface{}{"source_type": sourceFilter}
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("connectors: encode list files payload: %w", err)
	}

	endpoint := c.baseURL + "/user_files_v2"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("connectors: create list files request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connectors: list files request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("connectors: list files status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded struct {
		Results []ConnectorFile `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("connectors: decode list files response: %w", err)
	}
	return decoded.Results, nil
}
