package connectors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarbonClientFromEnvUnconfigured(t *testing.T) {
	t.Setenv("CARBON_API_URL", "")
	t.Setenv("CARBON_API_KEY", "")

	client, err := NewCarbonClientFromEnv()
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestCarbonListFiles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user_files_v2", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer carbon-key", r.Header.Get("Authorization"))

		var payload struct {
			CustomerID string `json:"customer_id"`
			Filters    struct {
				SourceType string `json:"source_type"`
			} `json:"filters"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "team-7", payload.CustomerID)
		assert.Equal(t, "NOTION", payload.Filters.SourceType)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []ConnectorFile{
				{ID: "f1", Name: "Handbook", SyncStatus: FileStatusReady, SourceType: "NOTION"},
				{ID: "f2", Name: "Roadmap", SyncStatus: FileStatusSyncing, SourceType: "NOTION"},
			},
		})
	}))
	t.Cleanup(server.Close)

	t.Setenv("CARBON_API_URL", server.URL)
	t.Setenv("CARBON_API_KEY", "carbon-key")

	client, err := NewCarbonClientFromEnv()
	require.NoError(t, err)
	require.NotNil(t, client)

	files, err := client.ListFiles(context.Background(), "team-7", "NOTION")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, FileStatusReady, files[0].SyncStatus)
	assert.Equal(t, FileStatusSyncing, files[1].SyncStatus)
}

func TestCarbonListFilesRequiresCustomer(t *testing.T) {
	t.Setenv("CARBON_API_URL", "http://localhost:1")
	t.Setenv("CARBON_API_KEY", "k")

	client, err := NewCarbonClientFromEnv()
	require.NoError(t, err)

	_, err = client.ListFiles(context.Background(), "  ", "NOTION")
	assert.Error(t, err)
}

func TestCrawlerGetRunStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/actor-runs/run-42", r.URL.Path)
		assert.Equal(t, "crawl-token", r.URL.Query().Get("token"))

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]string{"status": RunStatusSucceeded},
		})
	}))
	t.Cleanup(server.Close)

	t.Setenv("CRAWLER_API_URL", server.URL)
	t.Setenv("CRAWLER_API_TOKEN", "crawl-token")

	client, err := NewCrawlerClientFromEnv()
	require.NoError(t, err)
	require.NotNil(t, client)

	status, err := client.GetRunStatus(context.Background(), "run-42")
	require.NoError(t, err)
	assert.Equal(t, RunStatusSucceeded, status)
}

func TestCrawlerClientUnconfigured(t *testing.T) {
	t.Setenv("CRAWLER_API_URL", "")
	t.Setenv("CRAWLER_API_TOKEN", "")

	client, err := NewCrawlerClientFromEnv()
	require.NoError(t, err)
	assert.Nil(t, client)
}
