package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatsync/internal/transport/httpdto"
	chat_errors "chatsync/pkg/errors"
	"chatsync/pkg/logger"
)

const DefaultTimeout = 15 * time.Second

type Options struct {
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logger.Logger
}

// Client is the REST side of the chat API. Every call maps failures onto the
// pkg/errors taxonomy: transport problems become ErrNetworkUnavailable and
// HTTP statuses map to their sentinel.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logger.Logger

	mu    sync.RWMutex
	token string
}

func New(baseURL string, opts Options) *Client {
	if opts.HTTPClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    opts.HTTPClient,
		logger:  opts.Logger,
		token:   opts.Token,
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type request struct {
	method  string
	path    string
	query   url.Values
	headers map[string]string
	body    any
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	var body io.Reader
	if r.body != nil {
		raw, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	target := c.baseURL + r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.method, target, body)
	if err != nil {
		return fmt.Errorf("%w: %v", chat_errors.ErrInvalidInput, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", chat_errors.ErrNetworkUnavailable, r.method, r.path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", chat_errors.ErrNetworkUnavailable, r.path, err)
	}

	var envelope httpdto.Response[json.RawMessage]
	decodeErr := json.Unmarshal(raw, &envelope)

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg := envelope.Error
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.logger.Debugf("%s %s: %d %s", r.method, r.path, resp.StatusCode, msg)
		return statusError(resp.StatusCode, msg)
	}
	if decodeErr != nil {
		return fmt.Errorf("%w: decode %s: %v", chat_errors.ErrServiceUnavailable, r.path, decodeErr)
	}
	if !envelope.Success {
		return fmt.Errorf("%w: %s", chat_errors.ErrServiceUnavailable, envelope.Error)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", chat_errors.ErrServiceUnavailable, r.path, err)
	}
	return nil
}

func statusError(status int, msg string) error {
	var base error
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		base = chat_errors.ErrInvalidInput
	case status == http.StatusUnauthorized:
		base = chat_errors.ErrUnauthorized
	case status == http.StatusForbidden:
		base = chat_errors.ErrForbidden
	case status == http.StatusNotFound:
		base = chat_errors.ErrNotFound
	case status == http.StatusConflict:
		base = chat_errors.ErrConflict
	case status == http.StatusTooManyRequests:
		base = chat_errors.ErrRateLimited
	case status >= http.StatusInternalServerError:
		base = chat_errors.ErrServiceUnavailable
	default:
		base = chat_errors.ErrInvalidInput
	}
	return &StatusError{Status: status, Message: msg, err: base}
}

// StatusError carries the HTTP status behind a taxonomy error.
type StatusError struct {
	Status  int
	Message string
	err     error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %s (status %d)", e.err, e.Message, e.Status)
}

func (e *StatusError) Unwrap() error { return e.err }

// Status returns the HTTP status carried by err, or 0.
func Status(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
