package vidup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// NegotiateSession performs the one-time handshake with the platform: it
// declares the resource metadata and the total payload size, and returns the
// session endpoint URL all chunks must be sent to. A single attempt is made;
// any non-success response or missing endpoint is ErrNegotiation.
func (c *Client) NegotiateSession(ctx context.Context, meta Metadata, totalBytes int64) (string, error) {
	if totalBytes <= 0 {
		return "", fmt.Errorf("total size must be positive, got %d: %w", totalBytes, ErrNegotiation)
	}

	body, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.BaseURL.String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("X-Upload-Content-Type", "*/*")
	req.Header.Set("X-Upload-Content-Length", strconv.FormatInt(totalBytes, 10))

	response, err := c.do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("negotiation request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("server returned HTTP %d code: %w", response.StatusCode, ErrNegotiation)
	}
	location := response.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("response carries no session endpoint: %w", ErrNegotiation)
	}
	loc, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("bad session endpoint %q: %w", location, ErrNegotiation)
	}
	return c.BaseURL.ResolveReference(loc).String(), nil
}
