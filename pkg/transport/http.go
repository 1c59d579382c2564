package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rexliu/rpcc/pkg/jsonrpc"
	"github.com/rexliu/rpcc/pkg/telemetry"
)

const maxResponseSize = 128 << 20

// HTTP posts requests to a JSON-RPC endpoint. It supports batches.
type HTTP struct {
	url    string
	client *http.Client
	header http.Header
	log    zerolog.Logger
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTP) { h.header.Add(key, value) }
}

// WithHTTPLogger sets the transport logger.
func WithHTTPLogger(log zerolog.Logger) HTTPOption {
	return func(h *HTTP) { h.log = log }
}

// NewHTTP returns a transport posting to endpoint.
func NewHTTP(endpoint string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		url:    endpoint,
		client: http.DefaultClient,
		header: make(http.Header),
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// URL returns the endpoint.
func (h *HTTP) URL() string { return h.url }

// Send posts a single request.
func (h *HTTP) Send(ctx context.Context, req jsonrpc.SerializedRequest) (jsonrpc.Response, error) {
	body, err := h.post(ctx, req.Body)
	if err != nil {
		return jsonrpc.Response{}, err
	}
	resps, _, err := jsonrpc.ParseResponses(body)
	if err != nil {
		return jsonrpc.Response{}, Errorf("decode response: %v", err)
	}
	if len(resps) != 1 {
		return jsonrpc.Response{}, Errorf("expected one response, got %d", len(resps))
	}
	return resps[0], nil
}

// SendBatch posts reqs as one array.
func (h *HTTP) SendBatch(ctx context.Context, reqs []jsonrpc.SerializedRequest) ([]jsonrpc.Response, error) {
	body, err := h.post(ctx, jsonrpc.EncodeBatch(reqs))
	if err != nil {
		return nil, err
	}
	resps, skipped, err := jsonrpc.ParseResponses(body)
	if err != nil {
		return nil, Errorf("decode batch response: %v", err)
	}
	if skipped > 0 {
		h.log.Warn().Int("elements", skipped).Msg("discarding undecodable batch response elements")
		telemetry.RecordUnmatched(skipped)
	}
	return resps, nil
}

func (h *HTTP) post(ctx context.Context, payload []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return nil, Errorf("build request: %v", err)
	}
	for key, values := range h.header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: post %s: %w", ErrTransport, redact(h.url), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, Errorf("read response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.log.Debug().Int("status", resp.StatusCode).Int("body_len", len(body)).Msg("non-success HTTP status")
		return nil, Errorf("HTTP %d: %s", resp.StatusCode, truncate(body, 256))
	}
	return body, nil
}

// GuessLocal reports whether rawURL points at a loopback host. The result
// is a hint only.
func GuessLocal(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
