package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenClient exchanges credentials for an access token using the OAuth2
// resource-owner password grant.
type TokenClient struct {
	endpoint string
	client   *http.Client
}

// NewTokenClient builds a TokenClient for the given token endpoint.
func NewTokenClient(endpoint string) *TokenClient {
	return &TokenClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *TokenClient) Exchange(ctx context.Context, user, secret string) (string, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {user},
		"password":   {secret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}
	return body.AccessToken, nil
}
