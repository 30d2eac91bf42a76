// Package client talks to a running guestbook server.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/littleblessing/backend/internal/blessings"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 10 * time.Second
	messagesPath    = "/messages"
	socketPath      = "/messages/ws"
	contentTypeJSON = "application/json"
)

var errMissingBaseURL = errors.New("client: base url is required")

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *fasthttp.Client
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
}

// Client is a remote guestbook. It satisfies blessings.Subscriber through the
// websocket push channel.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *fasthttp.Client
	dialer  *websocket.Dialer
	logger  *zap.Logger
}

type appendPayload struct {
	ID        string     `json:"id,omitempty"`
	Author    string     `json:"author"`
	Content   string     `json:"content"`
	Tier      string     `json:"tier,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type errorPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func New(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("client: invalid base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &fasthttp.Client{Name: "blessing-client"}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		http:    httpClient,
		dialer:  dialer,
		logger:  logger,
	}, nil
}

// List fetches every record, newest first.
func (c *Client) List(ctx context.Context) ([]blessings.Record, error) {
	var records []blessings.Record
	if err := c.do(ctx, fasthttp.MethodGet, c.baseURL+messagesPath, nil, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []blessings.Record{}
	}
	return records, nil
}

// Append submits one record. The server answers with a status only.
func (c *Client) Append(ctx context.Context, request blessings.AppendRequest) error {
	body, err := json.Marshal(appendPayload{
		ID:        request.ID,
		Author:    request.Author,
		Content:   request.Content,
		Tier:      request.Tier,
		Timestamp: request.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", blessings.ErrValidation, err)
	}
	return c.do(ctx, fasthttp.MethodPost, c.baseURL+messagesPath, body, nil)
}

// Remove deletes the record with the given id.
func (c *Client) Remove(ctx context.Context, id string) error {
	target := c.baseURL + messagesPath + "?id=" + url.QueryEscape(id)
	return c.do(ctx, fasthttp.MethodDelete, target, nil, nil)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return blessings.Unavailable("request cancelled", err)
	}
	request := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(request)
	response := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(response)

	request.SetRequestURI(target)
	request.Header.SetMethod(method)
	if body != nil {
		request.Header.SetContentType(contentTypeJSON)
		request.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.http.DoDeadline(request, response, deadline); err != nil {
		return blessings.Unavailable(method+" "+messagesPath, err)
	}

	status := response.StatusCode()
	if status != fasthttp.StatusOK {
		return statusError(status, response.Body())
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(response.Body(), out); err != nil {
		return blessings.Unavailable("decode response", err)
	}
	return nil
}

func statusError(status int, body []byte) error {
	var payload errorPayload
	_ = json.Unmarshal(body, &payload)
	message := payload.Message
	if message == "" {
		message = fmt.Sprintf("unexpected status %d", status)
	}
	switch status {
	case fasthttp.StatusBadRequest:
		return fmt.Errorf("%w: %s", blessings.ErrValidation, message)
	case fasthttp.StatusNotFound:
		return fmt.Errorf("%w: %s", blessings.ErrNotFound, message)
	case fasthttp.StatusServiceUnavailable, fasthttp.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", blessings.ErrLockTimeout, message)
	default:
		return blessings.Unavailable(message, nil)
	}
}
