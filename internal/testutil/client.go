package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

// Client calls the relay HTTP API in end-to-end tests. With a validator set,
// every exchange is checked against the OpenAPI document.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// ForwardedFor is sent as X-Forwarded-For and selects the rate limit bucket.
	ForwardedFor string
	Validator    *OpenAPIValidator
	t            *testing.T
}

// NewClient creates a client for the server at baseURL without validation.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		HTTPClient:   &http.Client{},
		ForwardedFor: "192.0.2.1",
	}
}

// NewValidatingClient creates a client that reports OpenAPI mismatches to t.
func NewValidatingClient(t *testing.T, baseURL string, validator *OpenAPIValidator) *Client {
	c := NewClient(baseURL)
	c.Validator = validator
	c.t = t
	return c
}

// Channel is the channel description returned by the API.
type Channel struct {
	ChannelID   string    `json:"channelId"`
	PubKey      string    `json:"pubKey"`
	Endpoint    string    `json:"endpoint"`
	ChannelPage string    `json:"channelPage"`
	Messages    []Message `json:"messages"`
}

// Message is one entry of a channel's history.
type Message struct {
	Message string `json:"message"`
	Time    string `json:"time"`
	Result  []struct {
		EndpointDomain string `json:"endpoint_domain"`
		Status         string `json:"result_status"`
	} `json:"result"`
}

// RegisterChannel creates a channel.
func (c *Client) RegisterChannel() (*Channel, error) {
	var channel Channel
	resp, err := c.Do(http.MethodPost, "/api/register_channel", "", nil)
	if err != nil {
		return nil, err
	}
	if err := expectOK(resp, &channel); err != nil {
		return nil, err
	}
	return &channel, nil
}

// Subscribe adds a device subscription to a channel.
func (c *Client) Subscribe(channelID, id, endpoint, auth, p256dh string) error {
	body, err := json.Marshal(map[string]any{
		"id": id,
		"subscription": map[string]any{
			"endpoint": endpoint,
			"keys":     map[string]string{"auth": auth, "p256dh": p256dh},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	resp, err := c.Do(http.MethodPost, "/"+channelID+"/subscribe", "application/json", body)
	if err != nil {
		return err
	}
	return expectOK(resp, nil)
}

// Send broadcasts text to a channel.
func (c *Client) Send(channelID, text string) error {
	resp, err := c.Do(http.MethodPost, "/"+channelID, "text/plain", []byte(text))
	if err != nil {
		return err
	}
	return expectOK(resp, nil)
}

// Info returns a channel with its recent messages.
func (c *Client) Info(channelID string) (*Channel, error) {
	var channel Channel
	resp, err := c.Do(http.MethodGet, "/"+channelID+"/json", "", nil)
	if err != nil {
		return nil, err
	}
	if err := expectOK(resp, &channel); err != nil {
		return nil, err
	}
	return &channel, nil
}

// Do performs a raw request. The caller closes the response body.
func (c *Client) Do(method, path, contentType string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.ForwardedFor != "" {
		req.Header.Set("X-Forwarded-For", c.ForwardedFor)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}

	if c.Validator != nil && c.t != nil {
		c.Validator.Validate(c.t, req, body, resp)
	}
	return resp, nil
}

func expectOK(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
