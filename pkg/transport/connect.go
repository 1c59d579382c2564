package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rexliu/rpcc/pkg/pubsub"
)

// Kind names a transport family.
type Kind string

const (
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "ws"
	KindIPC       Kind = "ipc"
)

// Endpoint is a parsed connection descriptor.
type Endpoint struct {
	Kind   Kind
	Target string
	Local  bool
}

// PubSub reports whether the endpoint's transport supports subscriptions.
func (e Endpoint) PubSub() bool { return e.Kind != KindHTTP }

// ParseEndpoint accepts http(s)://, ws(s)://, ipc:// descriptors and bare
// filesystem paths, which are treated as IPC sockets.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, Errorf("empty endpoint")
	}
	if path, ok := strings.CutPrefix(raw, "ipc://"); ok {
		if path == "" {
			return Endpoint{}, Errorf("ipc endpoint without path")
		}
		return Endpoint{Kind: KindIPC, Target: path, Local: true}, nil
	}
	if !strings.Contains(raw, "://") {
		return Endpoint{Kind: KindIPC, Target: raw, Local: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, Errorf("parse endpoint: %v", err)
	}
	if u.Host == "" {
		return Endpoint{}, Errorf("endpoint %s has no host", redact(raw))
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return Endpoint{Kind: KindHTTP, Target: raw, Local: GuessLocal(raw)}, nil
	case "ws", "wss":
		return Endpoint{Kind: KindWebSocket, Target: raw, Local: GuessLocal(raw)}, nil
	default:
		return Endpoint{}, Errorf("unsupported scheme %q", u.Scheme)
	}
}

type dialOptions struct {
	httpClient *http.Client
	header     http.Header
	log        zerolog.Logger
	bridge     []pubsub.Option
}

// DialOption configures Dial.
type DialOption func(*dialOptions)

// WithDialHTTPClient sets the client used by HTTP transports.
func WithDialHTTPClient(c *http.Client) DialOption {
	return func(o *dialOptions) { o.httpClient = c }
}

// WithDialHeader adds a header sent by HTTP requests and websocket handshakes.
func WithDialHeader(key, value string) DialOption {
	return func(o *dialOptions) { o.header.Add(key, value) }
}

// WithDialLogger sets the logger handed to the transport.
func WithDialLogger(log zerolog.Logger) DialOption {
	return func(o *dialOptions) { o.log = log }
}

// WithDialBridgeOptions configures the subscription bridge of pubsub
// transports.
func WithDialBridgeOptions(opts ...pubsub.Option) DialOption {
	return func(o *dialOptions) { o.bridge = append(o.bridge, opts...) }
}

// Dial connects to raw and returns the transport together with the parsed
// endpoint.
func Dial(ctx context.Context, raw string, opts ...DialOption) (Transport, Endpoint, error) {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		return nil, Endpoint{}, err
	}
	o := dialOptions{header: make(http.Header), log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	switch ep.Kind {
	case KindHTTP:
		httpOpts := []HTTPOption{WithHTTPClient(o.httpClient), WithHTTPLogger(o.log)}
		for key, values := range o.header {
			for _, v := range values {
				httpOpts = append(httpOpts, WithHeader(key, v))
			}
		}
		return NewHTTP(ep.Target, httpOpts...), ep, nil
	case KindWebSocket:
		conn, err := DialWebSocket(ctx, ep.Target, o.header)
		if err != nil {
			return nil, Endpoint{}, err
		}
		return NewFrontend(conn, WithFrontendLogger(o.log), WithBridgeOptions(o.bridge...)), ep, nil
	default:
		conn, err := DialIPC(ctx, ep.Target)
		if err != nil {
			return nil, Endpoint{}, err
		}
		return NewFrontend(conn, WithFrontendLogger(o.log), WithBridgeOptions(o.bridge...)), ep, nil
	}
}
