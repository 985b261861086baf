package teams

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

// BillingClient talks to the subscription billing provider. Only the
// contract surface this control plane needs is covered: plan lookups for a
// subscription and customer portal session creation.
type BillingClient struct {
	httpClient *http.Client
	baseURL    string
	secretKey  string
}

// NewBillingClientFromEnv reads BILLING_API_URL and BILLING_SECRET_KEY. It
// returns (nil, nil) when billing is not configured (self-hosted installs).
func NewBillingClientFromEnv() (*BillingClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("BILLING_API_URL"))
	secretKey := strings.TrimSpace(os.Getenv("BILLING_SECRET_KEY"))
	if baseURL == "" || secretKey == "" {
		return nil, nil
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("teams: invalid billing URL %q", baseURL)
	}

	return &BillingClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		secretKey:  secretKey,
	}, nil
}

// CreatePortalSession opens a billing portal session for the customer and
// returns the URL the dashboard should redirect to.
func (c *BillingClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if c == nil {
		return "", errors.New("teams: billing client is not configured")
	}
	if strings.TrimSpace(customerID) == "" {
		return "", errors.New("teams: billing customer id is required")
	}

	payload := map[string]interface{}{
		"customer":   customerID,
		"return_url": returnURL,
	}
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return "", fmt.Errorf("teams: encode portal session payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/billing_portal/sessions", body)
	if err != nil {
		return "", fmt.Errorf("teams: create portal session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("teams: portal session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("teams: portal session status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("teams: decode portal session response: %w", err)
	}
	return decoded.URL, nil
}

// LookupSubscriptionPlan resolves the plan code attached to a subscription.
// Used by the reconcile job to converge stale plan codes.
func (c *BillingClient) LookupSubscriptionPlan(ctx context.Context, subscriptionID string) (string, error) {
	if c == nil {
		return "", errors.New("teams: billing client is not configured")
	}
	if strings.TrimSpace(subscriptionID) == "" {
		return "", errors.New("teams: subscription id is required")
	}

	endpoint := fmt.Sprintf("%s/v1/subscriptions/%s", c.baseURL, strings.TrimSpace(subscriptionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("teams: create subscription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("teams: subscription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("teams: subscription status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded struct {
		Plan struct {
			Nickname string `json:"nickname"`
		} `json:"plan"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("teams: decode subscription response: %w", err)
	}
	return decoded.Plan.Nickname, nil
}
