package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// importBatchSize is the fixed number of objects sent per batch request.
const importBatchSize = 100

// Chunk is one unit of content imported into a bot's index. Embeddings are
// computed by the vector database itself, so only text and provenance travel
// over the wire.
type Chunk struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
	URL     string `json:"url,omitempty"`
	Page    int    `json:"page,omitempty"`
}

// Schema describes a bot's class in the vector database.
type Schema struct {
	IndexID     string `json:"index_id"`
	ObjectCount int64  `json:"object_count"`
}

// Client talks to the vector database's HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	batchSize  int
}

// NewClientFromEnv configures the client from VECTORDB_URL and
// VECTORDB_API_KEY. VECTORDB_BATCH_SIZE overrides the default import batch
// size when positive.
func NewClientFromEnv() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("VECTORDB_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:8081"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("vectorstore: invalid base URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("vectorstore: parse base URL: %w", err)
	}

	batchSize := importBatchSize
	if raw := strings.TrimSpace(os.Getenv("VECTORDB_BATCH_SIZE")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			batchSize = parsed
		}
	}

	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("VECTORDB_API_KEY")),
		batchSize:  batchSize,
	}, nil
}

// CreateSchema provisions the class backing a bot's index. Creating an
// already existing schema is not an error on the server side.
func (c *Client) CreateSchema(ctx context.Context, indexID string) error {
	if c == nil {
		return errors.New("vectorstore: client is not configured")
	}
	if strings.TrimSpace(indexID) == "" {
		return errors.New("vectorstore: index id is required")
	}

	payload := map[string]interface{}{
		"index_id":   indexID,
		"vectorizer": "default",
	}
	return c.do(ctx, http.MethodPut, c.schemaURL(indexID), payload, nil)
}

// GetSchema fetches the class definition and object count for an index.
func (c *Client) GetSchema(ctx context.Context, indexID string) (*Schema, error) {
	if c == nil {
		return nil, errors.New("vectorstore: client is not configured")
	}

	var schema Schema
	if err := c.do(ctx, http.MethodGet, c.schemaURL(indexID), nil, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// DeleteSchema removes the class and every object stored under it.
func (c *Client) DeleteSchema(ctx context.Context, indexID string) error {
	if c == nil {
		return errors.New("vectorstore: client is not configured")
	}
	return c.do(ctx, http.MethodDelete, c.schemaURL(indexID), nil, nil)
}

// ImportChunks uploads the given chunks for one source in fixed-size batches
// and flushes the remainder. The source's previous objects are left in place;
// workers expel them separately when re-ingesting.
func (c *Client) ImportChunks(ctx context.Context, indexID string, sourceType string, sourceID uint64, chunks []Chunk) error {
	if c == nil {
		return errors.New("vectorstore: client is not configured")
	}
	if len(chunks) == 0 {
		return nil
	}

	size := c.batchSize
	if size <= 0 {
		size = importBatchSize
	}

	endpoint := fmt.Sprintf("%s/objects/batch", c.schemaURL(indexID))
	for start := 0; start < len(chunks); start += size {
		end := start + size
		if end > len(chunks) {
			end = len(chunks)
		}
		payload := map[string]interface{}{
			"source_id":   sourceID,
			"source_type": sourceType,
			"objects":     chunks[start:end],
		}
		if err := c.do(ctx, http.MethodPost, endpoint, payload, nil); err != nil {
			return fmt.Errorf("vectorstore: import batch %d-%d: %w", start, end, err)
		}
	}
	return nil
}

// DeleteBySource removes every object a source contributed to the index.
func (c *Client) DeleteBySource(ctx context.Context, indexID string, sourceID uint64) error {
	if c == nil {
		return errors.New("vectorstore: client is not configured")
	}
	endpoint := fmt.Sprintf("%s/objects?source_id=%d", c.schemaURL(indexID), sourceID)
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

func (c *Client) schemaURL(indexID string) string {
	return fmt.Sprintf("%s/schema/%s", c.baseURL, url.PathEscape(indexID))
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return fmt.Errorf("vectorstore: encode payload: %w", err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("vectorstore: create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vectorstore: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("vectorstore: %s %s: not found", method, endpoint)
	}
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("vectorstore: %s status %s: %s", method, resp.Status, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("vectorstore: decode response: %w", err)
		}
	}
	return nil
}
