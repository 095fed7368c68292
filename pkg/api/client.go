package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/tally-app/tally/pkg/domain/interfaces"
	"github.com/tally-app/tally/pkg/domain/model"
	"github.com/tally-app/tally/pkg/domain/types"
	"github.com/tally-app/tally/pkg/utils/logging"
	"github.com/tally-app/tally/pkg/utils/safe"
)

// Client dispatches named commands to the remote API as JSON POST requests.
// Transport failures and 5xx responses are retried with a fixed interval;
// DoOnce skips retry entirely for best-effort cleanup calls. A non-success
// jsonCode in the envelope is not a Go error: callers inspect the response.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryWait  time.Duration
}

var _ interfaces.Dispatcher = &Client{}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

func WithRetryWait(d time.Duration) Option {
	return func(c *Client) {
		c.retryWait = d
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: http.DefaultClient,
		maxRetries: 3,
		retryWait:  time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Do(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error) {
	return c.do(ctx, cmd, params, c.maxRetries)
}

func (c *Client) DoOnce(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error) {
	return c.do(ctx, cmd, params, 0)
}

func (c *Client) do(ctx context.Context, cmd types.Command, params map[string]any, retries int) (*model.APIResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			logging.From(ctx).Warn("retrying command",
				"command", cmd,
				"attempt", attempt,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, goerr.Wrap(ctx.Err(), "command cancelled", goerr.V("command", cmd))
			case <-time.After(c.retryWait):
			}
		}

		resp, err := c.doRequest(ctx, cmd, params)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, goerr.Wrap(lastErr, "command failed", goerr.V("command", cmd), goerr.V("retries", retries))
}

func (c *Client) doRequest(ctx context.Context, cmd types.Command, params map[string]any) (*model.APIResponse, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal command parameters")
	}

	endpoint, err := url.JoinPath(c.baseURL, "api", cmd.String())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to build command URL", goerr.V("baseURL", c.baseURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to send command", goerr.V("command", cmd))
	}
	defer safe.Close(ctx, resp.Body)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read response body")
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, goerr.New("server error response",
			goerr.V("command", cmd),
			goerr.V("status", resp.StatusCode))
	}

	var envelope model.APIResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, goerr.Wrap(err, "failed to parse response envelope", goerr.V("command", cmd))
	}
	envelope.Raw = respBody

	return &envelope, nil
}
