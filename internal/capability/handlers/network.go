package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/saintfish/chardet"
	"go.uber.org/zap"

	"github.com/symposium-app/backend/internal/capability"
	"github.com/symposium-app/backend/internal/infrastructure/logging"
)

// maxResponseBytes caps response bodies handed back to isolates.
const maxResponseBytes = 4 << 20

// Network serves the network.* namespace. Every target URL is checked
// against the shared allow-list before any I/O; the client retries
// transient failures through a retryablehttp transport.
type Network struct {
	client *resty.Client
	allow  *capability.AllowList
	log    *logging.Logger
}

// NetworkConfig configures the outbound client.
type NetworkConfig struct {
	Timeout    time.Duration
	MaxRetries int
}

// NewNetwork creates the handler.
func NewNetwork(cfg NetworkConfig, allow *capability.AllowList, log *logging.Logger) *Network {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.MaxRetries
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "symposium-sandbox/1.0")

	return &Network{client: client, allow: allow, log: log.Named("network")}
}

// Execute dispatches network verbs.
func (n *Network) Execute(ctx context.Context, verb string, params map[string]any) (any, error) {
	switch verb {
	case "request", "fetch":
		return n.request(ctx, params)
	case "webhook":
		return n.webhook(ctx, params)
	default:
		return nil, fmt.Errorf("unknown network verb %q", verb)
	}
}

func (n *Network) request(ctx context.Context, params map[string]any) (any, error) {
	url, err := strParam(params, "url")
	if err != nil {
		return nil, err
	}
	if err := n.allow.Authorize(url); err != nil {
		return nil, err
	}

	method := strings.ToUpper(optStrParam(params, "method"))
	if method == "" {
		method = "GET"
	}

	req := n.client.R().SetContext(ctx)
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.SetHeader(k, s)
			}
		}
	}
	if body := optStrParam(params, "body"); body != "" {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, url)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	body := resp.Body()
	if len(body) > maxResponseBytes {
		body = body[:maxResponseBytes]
	}

	out := map[string]any{
		"status":  resp.StatusCode(),
		"headers": flattenHeaders(resp.Header()),
		"body":    string(body),
	}
	if cs := detectCharset(body); cs != "" {
		out["charset"] = cs
	}
	return out, nil
}

// webhook posts a payload to an allow-listed target without waiting for the
// response body. Errors are logged, not surfaced; delivery is best-effort.
func (n *Network) webhook(ctx context.Context, params map[string]any) (any, error) {
	url, err := strParam(params, "url")
	if err != nil {
		return nil, err
	}
	if err := n.allow.Authorize(url); err != nil {
		return nil, err
	}

	payload := params["payload"]
	go func() {
		resp, err := n.client.R().
			SetContext(context.WithoutCancel(ctx)).
			SetHeader("Content-Type", "application/json").
			SetBody(payload).
			Post(url)
		if err != nil {
			n.log.Warn("webhook delivery failed", zap.String("url", url), zap.Error(err))
			return
		}
		if resp.IsError() {
			n.log.Warn("webhook rejected",
				zap.String("url", url), zap.Int("status", resp.StatusCode()))
		}
	}()

	return map[string]any{"queued": true}, nil
}

// FetchModule retrieves module source for import resolution. It satisfies
// the isolate runtime's fetcher contract; the allow-list check happens in
// the resolver before this is called, but is repeated here so the handler
// stands alone.
func (n *Network) FetchModule(ctx context.Context, url string) (string, error) {
	if err := n.allow.Authorize(url); err != nil {
		return "", err
	}
	resp, err := n.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", fmt.Errorf("module fetch failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("module fetch returned status %d", resp.StatusCode())
	}
	return string(resp.Body()), nil
}

func flattenHeaders(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// detectCharset best-effort identifies the text encoding of a body.
func detectCharset(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sample := body
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	result, err := chardet.NewTextDetector().DetectBest(sample)
	if err != nil {
		return ""
	}
	return result.Charset
}
