package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/outsidersgit/vibephoto-sub003/internal/provider/domain"
)

// Client talks to the Replicate predictions API. Prediction ids are
// UUID-shaped. The API has no lookup by client-supplied key, so interrupted
// starts cannot be recovered here.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type prediction struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Output []string `json:"output"`
	Error  string   `json:"error"`
}

func (c *Client) StartJob(ctx context.Context, params domain.StartJobParams) (string, error) {
	body, err := json.Marshal(map[string]any{
		"input": map[string]any{
			"prompt": params.Prompt,
		},
	})
	if err != nil {
		return "", err
	}

	var resp prediction
	if err := c.do(ctx, http.MethodPost, "/v1/predictions", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("replicate start returned no prediction id")
	}
	return resp.ID, nil
}

func (c *Client) GetStatus(ctx context.Context, externalID string) (domain.Status, error) {
	var resp prediction
	path := "/v1/predictions/" + url.PathEscape(externalID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return domain.Status{}, err
	}
	return mapStatus(resp), nil
}

func (c *Client) FindByIdempotencyKey(ctx context.Context, key string) (string, error) {
	return "", domain.ErrLookupNotSupported
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return fmt.Errorf("%w: replicate returned %d", domain.ErrProviderUnavailable, httpResp.StatusCode)
	}
	if httpResp.StatusCode == http.StatusNotFound {
		return domain.ErrJobNotFound
	}
	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("replicate returned %d", httpResp.StatusCode)
	}

	return json.NewDecoder(httpResp.Body).Decode(out)
}

func mapStatus(p prediction) domain.Status {
	status := domain.Status{Error: p.Error}
	switch strings.ToLower(p.Status) {
	case "starting":
		status.State = domain.StatusPending
	case "processing":
		status.State = domain.StatusRunning
	case "succeeded":
		status.State = domain.StatusSucceeded
		if len(p.Output) > 0 {
			status.OutputURL = p.Output[0]
		}
	case "failed", "canceled":
		status.State = domain.StatusFailed
	default:
		status.State = domain.StatusRunning
	}
	return status
}
