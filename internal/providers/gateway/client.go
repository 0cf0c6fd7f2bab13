// Package gateway is the HTTP client for the messaging-provider gateway. The
// engine treats each instance as an opaque connector exposing send, typing,
// connect, disconnect and state; the gateway's own wire protocol to the
// provider is not our concern.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"campaignd/internal/domain"
)

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// InstanceClient binds a Client to one instance id.
type InstanceClient struct {
	c  *Client
	id string
}

func (c *Client) Instance(id string) *InstanceClient {
	return &InstanceClient{c: c, id: id}
}

type sendBody struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendResult struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CallError carries the gateway error code and HTTP status for retry
// classification.
type CallError struct {
	Code       string
	HTTPStatus int
	Err        error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("gateway error %s (http %d)", e.Code, e.HTTPStatus)
}

func (e *CallError) Unwrap() error { return e.Err }

func (ic *InstanceClient) SendMessage(ctx context.Context, to, body string) (string, error) {
	var out sendResult
	if err := ic.c.do(ctx, http.MethodPost, ic.path("messages"), sendBody{To: to, Body: body}, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

func (ic *InstanceClient) SendTyping(ctx context.Context, to string) error {
	return ic.c.do(ctx, http.MethodPost, ic.path("typing"), sendBody{To: to}, nil)
}

func (ic *InstanceClient) Connect(ctx context.Context) error {
	return ic.c.do(ctx, http.MethodPost, ic.path("connect"), nil, nil)
}

func (ic *InstanceClient) Disconnect(ctx context.Context) error {
	return ic.c.do(ctx, http.MethodPost, ic.path("disconnect"), nil, nil)
}

func (ic *InstanceClient) State(ctx context.Context) (domain.InstanceStatus, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := ic.c.do(ctx, http.MethodGet, ic.path(""), nil, &out); err != nil {
		return "", err
	}
	st := domain.InstanceStatus(out.Status)
	if !st.Valid() {
		return "", fmt.Errorf("gateway reported unknown status %q", out.Status)
	}
	return st, nil
}

func (ic *InstanceClient) path(suffix string) string {
	p := "/instances/" + ic.id
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	endpoint := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &CallError{Code: CodeNetwork, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		msg := eb.Message
		if msg == "" {
			msg = "gateway call failed"
		}
		return &CallError{Code: eb.Error, HTTPStatus: resp.StatusCode, Err: errors.New(msg)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return err
		}
	}
	return nil
}

// Error codes the gateway reports. Permanent codes are never retried.
const (
	CodeNetwork          = "network"
	CodeBusy             = "busy"
	CodeRateLimited      = "rate_limited"
	CodeInvalidRecipient = "invalid_recipient"
	CodeTemplateRejected = "template_rejected"
	CodeOptedOut         = "opted_out"
	CodeNotConnected     = "not_connected"
)

// ShouldRetry classifies an error as transient. Timeouts, busy/rate-limit
// responses and 5xx are transient; recipient and content rejections are not.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ce *CallError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case CodeBusy, CodeRateLimited, CodeNetwork:
		return true
	case CodeInvalidRecipient, CodeTemplateRejected, CodeOptedOut:
		return false
	}
	switch {
	case ce.HTTPStatus == http.StatusRequestTimeout, ce.HTTPStatus == http.StatusTooManyRequests:
		return true
	case ce.HTTPStatus >= 500 && ce.HTTPStatus <= 599:
		return true
	}
	return false
}

// IsRateLimited reports provider rate-limit pushback, which feeds the
// governor's adaptive damping.
func IsRateLimited(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Code == CodeRateLimited || ce.HTTPStatus == http.StatusTooManyRequests
	}
	return false
}

// IsNotConnected reports a connector-level loss, which defers the job rather
// than burning a retry.
func IsNotConnected(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Code == CodeNotConnected
}

// Backoff is the delay before the given retry attempt, exponential from base
// with a 2x factor, capped at 10x base.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= 10*base {
			return 10 * base
		}
	}
	return d
}
