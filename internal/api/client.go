package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"roomlink/native/internal/domain"
	"roomlink/native/internal/logging"
)

// maxBodyBytes bounds how much of a response is read.
const maxBodyBytes = 1 << 20

// Client exchanges offers for answers over HTTP.
type Client struct {
	offerURL string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates an API client posting to offerURL. A nil httpClient
// uses http.DefaultClient.
func NewClient(offerURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		offerURL: offerURL,
		http:     httpClient,
		logger:   logging.GetLogger("api"),
	}
}

// Exchange posts the offer and returns the server's answer. Any status
// of 400 or above is a *domain.HandshakeError carrying the response body.
func (c *Client) Exchange(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
	body, err := json.Marshal(offer)
	if err != nil {
		return domain.SDPPayload{}, &domain.HandshakeError{Err: fmt.Errorf("marshal offer: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.offerURL, bytes.NewReader(body))
	if err != nil {
		return domain.SDPPayload{}, &domain.HandshakeError{Err: fmt.Errorf("create http request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("posting offer", "url", c.offerURL, "bytes", len(body))
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.SDPPayload{}, &domain.HandshakeError{Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return domain.SDPPayload{}, &domain.HandshakeError{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return domain.SDPPayload{}, &domain.HandshakeError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var answer domain.SDPPayload
	if err := json.Unmarshal(respBody, &answer); err != nil {
		return domain.SDPPayload{}, &domain.HandshakeError{
			Status: resp.StatusCode,
			Body:   string(respBody),
			Err:    fmt.Errorf("unmarshal answer: %w", err),
		}
	}
	return answer, nil
}
