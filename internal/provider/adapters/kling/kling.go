package kling

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

// Client talks to the Kling task API. Task ids are long decimal strings; the
// external_task_id field carries our idempotency key so interrupted starts
// can be recovered.
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

type taskResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		TaskMsg    string `json:"task_status_msg"`
		TaskResult struct {
			Images []struct {
				URL string `json:"url"`
			} `json:"images"`
		} `json:"task_result"`
	} `json:"data"`
}

func (c *Client) StartJob(ctx context.Context, params domain.StartJobParams) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":           params.Prompt,
		"external_task_id": params.IdempotencyKey,
	})
	if err != nil {
		return "", err
	}

	var resp taskResponse
	if err := c.do(ctx, http.MethodPost, "/v1/images/generations", bytes.NewReader(body), &resp); err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", fmt.Errorf("kling start rejected: %s", resp.Message)
	}
	return resp.Data.TaskID, nil
}

func (c *Client) GetStatus(ctx context.Context, externalID string) (domain.Status, error) {
	var resp taskResponse
	path := "/v1/images/generations/" + url.PathEscape(externalID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return domain.Status{}, err
	}
	if resp.Code != 0 {
		return domain.Status{}, fmt.Errorf("kling status rejected: %s", resp.Message)
	}
	return mapStatus(resp), nil
}

func (c *Client) FindByIdempotencyKey(ctx context.Context, key string) (string, error) {
	var resp taskResponse
	path := "/v1/images/generations?external_task_id=" + url.QueryEscape(key)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	if resp.Code != 0 || resp.Data.TaskID == "" {
		return "", domain.ErrJobNotFound
	}
	return resp.Data.TaskID, nil
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
		return fmt.Errorf("%w: kling returned %d", domain.ErrProviderUnavailable, httpResp.StatusCode)
	}
	if httpResp.StatusCode == http.StatusNotFound {
		return domain.ErrJobNotFound
	}
	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("kling returned %d", httpResp.StatusCode)
	}

	return json.NewDecoder(httpResp.Body).Decode(out)
}

func mapStatus(resp taskResponse) domain.Status {
	status := domain.Status{Error: resp.Data.TaskMsg}
	switch strings.ToLower(resp.Data.TaskStatus) {
	case "submitted":
		status.State = domain.StatusPending
	case "processing":
		status.State = domain.StatusRunning
	case "succeed", "succeeded":
		status.State = domain.StatusSucceeded
		if len(resp.Data.TaskResult.Images) > 0 {
			status.OutputURL = resp.Data.TaskResult.Images[0].URL
		}
	case "failed":
		status.State = domain.StatusFailed
	default:
		status.State = domain.StatusRunning
	}
	return status
}
