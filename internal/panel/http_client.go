package panel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"x-ui-provisioner/internal/logger"
	"x-ui-provisioner/internal/model"
	"x-ui-provisioner/internal/security"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"
)

// HTTPClient talks to a panel's JSON management API. Every response is an
// envelope of {success, msg, obj}.
type HTTPClient struct {
	baseURL   string
	apiKey    string
	secretKey string
	timeout   time.Duration
	client    *fasthttp.Client
}

type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

type clientRequest struct {
	InboundID    int            `json:"inboundId"`
	Protocol     string         `json:"protocol"`
	Settings     ClientSettings `json:"settings"`
	ResetTraffic bool           `json:"resetTraffic,omitempty"`
}

func NewHTTPClient(p *model.Panel, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:   strings.TrimRight(p.BaseURL, "/"),
		apiKey:    p.APIKey,
		secretKey: p.SecretKey,
		timeout:   timeout,
		client: &fasthttp.Client{
			Name:                "x-ui-provisioner",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxConnsPerHost:     16,
			MaxIdleConnDuration: 30 * time.Second,
		},
	}
}

// HTTPDialer builds an HTTPClient for each panel.
func HTTPDialer(timeout time.Duration) Dialer {
	return func(p *model.Panel) (API, error) {
		if p.BaseURL == "" {
			return nil, errors.New("panel base URL is empty")
		}
		if _, err := url.Parse(p.BaseURL); err != nil {
			return nil, fmt.Errorf("invalid panel base URL: %w", err)
		}
		return NewHTTPClient(p, timeout), nil
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.secretKey != "" {
		ts := time.Now().Unix()
		req.Header.Set(security.TimestampHeader, strconv.FormatInt(ts, 10))
		req.Header.Set(security.SignatureHeader, security.SignRequest(method, path, ts, payload, c.secretKey))
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	start := time.Now()
	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		logger.Warningf("panel [%s %s%s] request failed after %v: %v", method, c.baseURL, path, time.Since(start), err)
		return fmt.Errorf("request failed: %w", err)
	}

	status := resp.StatusCode()
	respBody := resp.Body()
	logger.Debugf("panel [%s %s%s] status %d after %v (%d bytes)", method, c.baseURL, path, status, time.Since(start), len(respBody))

	if status >= 400 {
		return fmt.Errorf("api error: %s (status: %d)", truncate(respBody, 300), status)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !env.Success {
		if env.Msg == "" {
			env.Msg = "panel returned failure"
		}
		return errors.New(env.Msg)
	}

	if out != nil && len(env.Obj) > 0 && string(env.Obj) != "null" {
		if err := json.Unmarshal(env.Obj, out); err != nil {
			return fmt.Errorf("failed to decode response object: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) AddClient(ctx context.Context, inboundID int, protocol string, settings ClientSettings) (*CreatedClient, error) {
	var obj struct {
		ID              string `json:"id"`
		SubscriptionURL string `json:"subscriptionUrl"`
	}
	req := clientRequest{InboundID: inboundID, Protocol: protocol, Settings: settings}
	if err := c.do(ctx, fasthttp.MethodPost, "/api/clients", req, &obj); err != nil {
		return nil, err
	}
	return &CreatedClient{NativeIdentifier: obj.ID, SubscriptionURL: obj.SubscriptionURL}, nil
}

func (c *HTTPClient) UpdateClient(ctx context.Context, ref ClientRef, settings ClientSettings, opts UpdateOptions) error {
	req := clientRequest{InboundID: ref.InboundID, Protocol: ref.Protocol, Settings: settings, ResetTraffic: opts.ResetTraffic}
	return c.do(ctx, fasthttp.MethodPut, clientPath(ref, ""), req, nil)
}

func (c *HTTPClient) ResetClientTraffic(ctx context.Context, ref ClientRef) error {
	return c.do(ctx, fasthttp.MethodPost, clientPath(ref, "/reset-traffic"), map[string]int{"inboundId": ref.InboundID}, nil)
}

func (c *HTTPClient) DeleteClient(ctx context.Context, ref ClientRef) error {
	return c.do(ctx, fasthttp.MethodDelete, clientPath(ref, "")+inboundQuery(ref), nil, nil)
}

func (c *HTTPClient) GetClientUsage(ctx context.Context, ref ClientRef) (*Usage, error) {
	var usage Usage
	if err := c.do(ctx, fasthttp.MethodGet, clientPath(ref, "/traffic")+inboundQuery(ref), nil, &usage); err != nil {
		return nil, err
	}
	return &usage, nil
}

func (c *HTTPClient) GetClientConfig(ctx context.Context, ref ClientRef) (map[string]any, error) {
	cfg := map[string]any{}
	if err := c.do(ctx, fasthttp.MethodGet, clientPath(ref, "/config")+inboundQuery(ref), nil, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, fasthttp.MethodGet, "/api/health", nil, nil)
}

func clientPath(ref ClientRef, suffix string) string {
	return "/api/clients/" + url.PathEscape(ref.Identifier) + suffix
}

func inboundQuery(ref ClientRef) string {
	return "?inboundId=" + strconv.Itoa(ref.InboundID)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "... (truncated)"
}
