// Package rest is the minimal HTTP surface the realtime client needs: it
// resolves the gateway websocket endpoint before connecting. The full
// authenticated request layer lives outside this module.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client issues authenticated requests against the HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a client for the API at baseURL. The token is sent as a
// bot authorization header.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default().With("component", "rest"),
	}
}

func (c *Client) authHeader() string {
	if strings.HasPrefix(c.token, "Bot ") {
		return c.token
	}
	return "Bot " + c.token
}

type gatewayResponse struct {
	URL string `json:"url"`
}

// GatewayURL asks the API where the gateway websocket lives.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/gateway", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.authHeader())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("rest: resolve gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rest: resolve gateway: unexpected status %d", resp.StatusCode)
	}

	var gr gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("rest: decode gateway response: %w", err)
	}
	if gr.URL == "" {
		return "", fmt.Errorf("rest: gateway response carried no url")
	}
	c.logger.Debug("resolved gateway endpoint", "url", gr.URL)
	return gr.URL, nil
}
