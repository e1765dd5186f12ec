package usgs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/theia/internal/logctx"
	"github.com/italolelis/theia/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the stable endpoint of the USGS Machine-to-Machine API.
const DefaultBaseURL = "https://m2m.cr.usgs.gov/api/api/json/stable/"

const (
	defaultRequestTimeout = 10 * time.Minute
	defaultRateLimitDelay = 3 * time.Second
)

// Client is a session-holding client for the M2M API. All requests are POSTs
// with a JSON body; the auth token obtained at login rides along in the
// X-Auth-Token header. Safe for concurrent use.
type Client struct {
	// BaseURL of the remote API, always with a trailing slash.
	BaseURL string

	// RateLimitDelay is how long to wait before the single retry issued
	// after a RATE_LIMIT response.
	RateLimitDelay time.Duration

	username   string
	password   string
	httpClient *http.Client
	tel        *telemetry.Telemetry

	mu        sync.RWMutex
	authToken string
}

func NewClient(baseURL, username, password string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/") + "/",
		RateLimitDelay: defaultRateLimitDelay,
		username:       username,
		password:       password,
		httpClient: &http.Client{
			Timeout:   defaultRequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SetTelemetry attaches metric instruments to the client. A nil telemetry
// is valid and disables instrumentation.
func (c *Client) SetTelemetry(tel *telemetry.Telemetry) {
	c.tel = tel
}

// SetRequestTimeout overrides the per-request timeout.
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.httpClient.Timeout = d
}

// Login obtains an auth token for the configured credentials and stores it
// for all following requests.
func (c *Client) Login(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "logging in")

	data, err := c.send(ctx, "login", loginPayload{Username: c.username, Password: c.password})
	if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}

	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		return fmt.Errorf("failed to decode auth token: %w", err)
	}

	c.mu.Lock()
	c.authToken = token
	c.mu.Unlock()

	logger.InfoContext(ctx, "logged in successfully")

	return nil
}

// Logout discards the auth token on both sides. The service recommends
// logging out after two hours, which is the token lifetime.
func (c *Client) Logout(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "logging out")

	if _, err := c.send(ctx, "logout", nil); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}

	c.mu.Lock()
	c.authToken = ""
	c.mu.Unlock()

	logger.InfoContext(ctx, "logged out")

	return nil
}

// LoggedIn reports whether the client currently holds an auth token.
func (c *Client) LoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.authToken != ""
}

// KeepSessionAlive renews the session on the given interval until the
// context is cancelled. The token expires after two hours, so anything below
// that keeps long download batches authenticated.
func (c *Client) KeepSessionAlive(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("shutting down session keeper")

				return
			case <-ticker.C:
				if err := c.Logout(ctx); err != nil {
					logger.Error("failed to log out during session renewal", "err", err)
				}

				if err := c.Login(ctx); err != nil {
					logger.Error("failed to log back in during session renewal", "err", err)
				}
			}
		}
	}()
}

// DownloadOptions lists the orderable products for the scenes identified by
// the payload.
func (c *Client) DownloadOptions(ctx context.Context, payload DownloadOptionsPayload) ([]DownloadOption, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	data, err := c.send(ctx, "download-options", payload)
	if err != nil {
		return nil, err
	}

	var options []DownloadOption
	if err := json.Unmarshal(data, &options); err != nil {
		return nil, fmt.Errorf("failed to decode download options: %w", err)
	}

	return options, nil
}

// SubmitDownloadRequest submits a batch download order.
func (c *Client) SubmitDownloadRequest(ctx context.Context, payload DownloadRequestPayload) (*DownloadRequestResult, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	data, err := c.send(ctx, "download-request", payload)
	if err != nil {
		return nil, err
	}

	var result DownloadRequestResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode download request result: %w", err)
	}

	return &result, nil
}

// RetrieveDownloads polls the staging state of a previously submitted batch
// identified by its label.
func (c *Client) RetrieveDownloads(ctx context.Context, label string) (*DownloadRetrieveResult, error) {
	data, err := c.send(ctx, "download-retrieve", DownloadRetrievePayload{Label: label})
	if err != nil {
		return nil, err
	}

	var result DownloadRetrieveResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode download retrieve result: %w", err)
	}

	return &result, nil
}

// Dataset looks up a single dataset by id or system-friendly name.
func (c *Client) Dataset(ctx context.Context, datasetID, datasetName string) (*Dataset, error) {
	data, err := c.send(ctx, "dataset", datasetPayload{DatasetID: datasetID, DatasetName: datasetName})
	if err != nil {
		return nil, err
	}

	var dataset Dataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to decode dataset: %w", err)
	}

	return &dataset, nil
}

// DatasetSearch lists the datasets available to the account.
func (c *Client) DatasetSearch(ctx context.Context) ([]Dataset, error) {
	data, err := c.send(ctx, "dataset-search", nil)
	if err != nil {
		return nil, err
	}

	var datasets []Dataset
	if err := json.Unmarshal(data, &datasets); err != nil {
		return nil, fmt.Errorf("failed to decode datasets: %w", err)
	}

	return datasets, nil
}

// Permissions lists the permissions granted to the account.
func (c *Client) Permissions(ctx context.Context) ([]string, error) {
	data, err := c.send(ctx, "permissions", nil)
	if err != nil {
		return nil, err
	}

	var perms []string
	if err := json.Unmarshal(data, &perms); err != nil {
		return nil, fmt.Errorf("failed to decode permissions: %w", err)
	}

	return perms, nil
}

// apiResponse is the JSON envelope every endpoint responds with.
type apiResponse struct {
	ErrorCode    string          `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
	Data         json.RawMessage `json:"data"`
}

// send posts the payload to the endpoint and returns the data portion of the
// response envelope. A RATE_LIMIT response is retried exactly once after
// RateLimitDelay; a second one propagates.
func (c *Client) send(ctx context.Context, endpoint string, payload any) (json.RawMessage, error) {
	logger := logctx.LoggerFromContext(ctx).With("endpoint", endpoint)

	data, err := c.post(ctx, endpoint, payload)

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		logger.WarnContext(ctx, "rate limited, retrying once", "delay", c.RateLimitDelay.String())

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.RateLimitDelay):
		}

		data, err = c.post(ctx, endpoint, payload)
	}

	status := "success"
	if err != nil {
		status = "error"

		logger.ErrorContext(ctx, "request failed", "err", err)
	}

	c.tel.RecordAPIRequest(endpoint, status)

	return data, err
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) (json.RawMessage, error) {
	body := []byte("{}")

	if payload != nil {
		var err error

		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	c.mu.RLock()
	if c.authToken != "" {
		req.Header.Set("X-Auth-Token", c.authToken)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response (HTTP %d): %w", resp.StatusCode, err)
	}

	if err := mapServiceError(endpoint, envelope.ErrorCode, envelope.ErrorMessage); err != nil {
		return nil, err
	}

	return envelope.Data, nil
}
