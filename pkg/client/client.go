// Package client talks to the backend over plain HTTP: request/response chat,
// streamed chat decoded by a stream.Exchange, and the health check. It also
// derives the websocket URL the persistent connection dials.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/vaultlink/pkg/protocol"
	"github.com/go-go-golems/vaultlink/pkg/security"
	"github.com/go-go-golems/vaultlink/pkg/settings"
	"github.com/go-go-golems/vaultlink/pkg/stream"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 * 1024

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	settings   *settings.ServerSettings
	baseURL    *url.URL
	httpClient *http.Client
	logger     zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default client. Its Timeout applies to streamed
// responses too, so it should usually be zero.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

func New(s *settings.ServerSettings, options ...Option) (*Client, error) {
	if s == nil {
		return nil, errors.New("server settings are required")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	err := security.ValidateOutboundURL(s.BaseURL, security.OutboundURLOptions{
		AllowHTTP:          s.AllowHTTP,
		AllowLocalNetworks: s.AllowLocalNetworks,
	})
	if err != nil {
		return nil, errors.Wrap(err, "invalid base_url")
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base_url")
	}

	ret := &Client{
		settings:   s,
		baseURL:    u,
		httpClient: &http.Client{},
		logger:     log.Logger,
	}
	for _, o := range options {
		o(ret)
	}
	ret.logger = ret.logger.With().Str("component", "client").Str("base_url", s.BaseURL).Logger()
	return ret, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.JoinPath(path).String()
}

// WebSocketURL is the websocket endpoint, with the vault id appended as a
// path segment when one is configured.
func (c *Client) WebSocketURL() (string, error) {
	scheme, err := security.WebSocketScheme(c.baseURL.Scheme)
	if err != nil {
		return "", err
	}
	u := *c.baseURL
	u.Scheme = scheme
	ret := u.JoinPath(c.settings.WebSocketPath)
	if c.settings.VaultID != "" {
		ret = ret.JoinPath(c.settings.VaultID)
	}
	return ret.String(), nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "could not encode request")
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), r)
	if err != nil {
		return nil, err
	}
	for k, v := range c.settings.Headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if d := c.settings.RequestTimeoutDuration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "could not read %s response", path)
	}
	err = decodeResponse(resp.StatusCode, raw, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if err != nil {
		return errors.Wrapf(err, "could not decode %s response", path)
	}
	return nil
}

// decodeResponse unwraps {"success","data","error"} bodies into out. Bodies
// without the wrapper are decoded into out as they are.
func decodeResponse(statusCode int, body []byte, out interface{}) error {
	var wrapper protocol.APIResponse
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return err
	}
	if !wrapper.Wrapped() {
		return json.Unmarshal(body, out)
	}
	if !*wrapper.Success {
		return &APIError{StatusCode: statusCode, Message: wrapper.FailureMessage()}
	}
	if len(wrapper.Data) == 0 || string(wrapper.Data) == "null" {
		return errors.New("successful response without data")
	}
	return json.Unmarshal(wrapper.Data, out)
}

func (c *Client) Chat(ctx context.Context, req *protocol.ChatRequest) (*protocol.ChatResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var ret protocol.ChatResponse
	if err := c.do(ctx, http.MethodPost, c.settings.ChatPath, req, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *Client) Health(ctx context.Context) (*protocol.HealthResponse, error) {
	var ret protocol.HealthResponse
	if err := c.do(ctx, http.MethodGet, c.settings.HealthPath, nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

// StreamChat posts req to the streaming endpoint and returns an exchange that
// is already consuming the response body in its own goroutine. Cancelling ctx
// cancels the exchange. The request timeout does not apply here.
func (c *Client) StreamChat(ctx context.Context, req *protocol.ChatRequest, options ...stream.Option) (*stream.Exchange, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, c.settings.ChatStreamPath, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "could not open chat stream")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func(Body io.ReadCloser) {
			_ = Body.Close()
		}(resp.Body)
		return nil, readAPIError(resp)
	}

	id := uuid.NewString()
	opts := []stream.Option{
		stream.WithConversationID(req.ConversationID),
		stream.WithLogger(c.logger.With().Str("exchange_id", id).Logger()),
	}
	ex := stream.New(id, append(opts, options...)...)

	c.logger.Debug().Str("exchange_id", id).Str("conversation_id", req.ConversationID).Msg("Chat stream opened")
	go func() {
		err := ex.Run(ctx, resp.Body)
		if err != nil && !errors.Is(err, stream.ErrCancelled) {
			c.logger.Debug().Err(err).Str("exchange_id", id).Msg("Chat stream failed")
		}
	}()

	return ex, nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	ret := &APIError{StatusCode: resp.StatusCode}

	var errorResp protocol.ErrorResponse
	if err := json.Unmarshal(body, &errorResp); err == nil {
		ret.Message = errorResp.Message()
	}
	if ret.Message == "" {
		ret.Message = strings.TrimSpace(string(body))
	}
	return ret
}
