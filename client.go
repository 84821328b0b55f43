package vidup

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const defaultUserAgent = "vidup/1.0"

// TokenSource supplies a currently valid bearer token for outgoing requests.
// Acquiring and refreshing the token is the source's concern; it must return
// a token that is valid at call time.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// Client carries the HTTP plumbing shared by session negotiation and chunk
// transfer. BaseURL is the platform's upload negotiation endpoint.
type Client struct {
	BaseURL   *url.URL
	Tokens    TokenSource
	UserAgent string

	client *http.Client
}

// NewClient creates a Client. A nil httpClient falls back to
// http.DefaultClient.
func NewClient(httpClient *http.Client, baseURL *url.URL, tokens TokenSource) *Client {
	c := &Client{BaseURL: baseURL, Tokens: tokens, client: httpClient}
	if c.client == nil {
		c.client = http.DefaultClient
	}
	c.UserAgent = defaultUserAgent
	return c
}

// do sends req with the bearer token and user agent set, bound to ctx.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.Tokens != nil && req.Header.Get("Authorization") == "" {
		token, err := c.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	return c.client.Do(req.WithContext(ctx))
}
