// Package backend owns the lifecycle of configured MCP backends: spawning
// or connecting their transports, caching their tool lists, and proxying
// calls into them on behalf of HostSessions.
package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/net/http2"

	"github.com/mcp-center/mcp-center/internal/configstore"
)

// DefaultConnectTimeout bounds how long start() waits for transport connect
// plus the initial MCP initialize/list_tools round trip (spec.md §5), used
// when a root's config doesn't override backend_connect_timeout.
const DefaultConnectTimeout = 30 * time.Second

// Session is the capability set every transport kind satisfies once
// connected, per spec.md §9 ("Polymorphism over transport"): connect,
// initialize, list_tools, call_tool, subscribe_notifications, shutdown.
// The go-sdk's *mcp.ClientSession already implements list_tools/call_tool;
// subscribe_notifications is wired through ClientOptions at connect time
// rather than as a separate call, so the capability set here is the
// post-connect surface ManagedBackend actually drives. Exported so other
// packages' tests can hand ServerManager a fake Dialer without spawning
// real processes or sockets.
type Session interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer builds a transport for one BackendDefinition and connects a fresh
// MCP client to it. Kept as a function value on ManagedBackend so tests can
// substitute a fake without spawning real processes or sockets.
type Dialer func(ctx context.Context, def configstore.BackendDefinition, notify func()) (Session, error)

// newDialer binds dialTimeout (the root's configured backend_connect_timeout)
// into a Dialer. It is the production Dialer that ServerManager.New falls
// back to when no fake is injected for tests.
func newDialer(dialTimeout time.Duration) Dialer {
	return func(ctx context.Context, def configstore.BackendDefinition, notify func()) (Session, error) {
		transport, err := buildTransport(ctx, def, dialTimeout)
		if err != nil {
			return nil, err
		}

		client := mcp.NewClient(&mcp.Implementation{
			Name:    "mcp-center",
			Version: daemonVersion,
		}, &mcp.ClientOptions{
			ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
				notify()
			},
		})

		sess, err := client.Connect(ctx, transport, nil)
		if err != nil {
			return nil, fmt.Errorf("connecting to backend %s: %w", def.ID, err)
		}
		return sess, nil
	}
}

// buildTransport constructs the transport for def. dialTimeout bounds only
// the TCP/TLS handshake of remote protocols (via a net.Dialer), never the
// lifetime of the connection it opens: both SSE's hanging GET and the
// streamable transport's server-to-client stream must survive indefinitely,
// so neither http.Client here carries a Timeout field.
func buildTransport(ctx context.Context, def configstore.BackendDefinition, dialTimeout time.Duration) (mcp.Transport, error) {
	switch def.Protocol {
	case configstore.ProtocolStdio:
		cmd := exec.Command(def.Command, def.Args...)
		if len(def.Env) > 0 {
			env := os.Environ()
			for k, v := range def.Env {
				env = append(env, k+"="+v)
			}
			cmd.Env = env
		}
		return &mcp.CommandTransport{Command: cmd}, nil

	case configstore.ProtocolSse:
		var rt http.RoundTripper = sseDialTransport(dialTimeout)
		if len(def.Headers) > 0 {
			rt = headerInjector(rt, def.Headers)
		}
		transport := &mcp.SSEClientTransport{Endpoint: def.Endpoint, HTTPClient: &http.Client{Transport: rt}}
		return transport, nil

	case configstore.ProtocolStreamingHTTP:
		var rt http.RoundTripper = streamingHTTP2Transport(dialTimeout)
		if len(def.Headers) > 0 {
			rt = headerInjector(rt, def.Headers)
		}
		return &mcp.StreamableClientTransport{Endpoint: def.Endpoint, HTTPClient: &http.Client{Transport: rt}}, nil

	default:
		return nil, fmt.Errorf("unsupported protocol %q for backend %s", def.Protocol, def.ID)
	}
}

// sseDialTransport is a plain HTTP/1.1 transport whose dial phase (only) is
// bounded by dialTimeout; SSE's hanging GET has no HTTP/2 multiplexing to
// gain from streamingHTTP2Transport.
func sseDialTransport(dialTimeout time.Duration) http.RoundTripper {
	dialer := &net.Dialer{Timeout: dialTimeout}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	return transport
}

// streamingHTTP2Transport dials backends over HTTP/2 without TLS (h2c),
// since local backends rarely terminate TLS themselves; the streamable
// transport's hanging GET for server-to-client messages needs a transport
// that multiplexes request/response pairs over one connection rather than
// opening one per call, which is what makes HTTP/2 worth reaching for here.
// dialTimeout bounds only that initial TCP dial.
func streamingHTTP2Transport(dialTimeout time.Duration) http.RoundTripper {
	dialer := &net.Dialer{Timeout: dialTimeout}
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	}
}

// headerInjector attaches def.Headers to every outgoing request, the
// remote-transport analogue of stdio's env map.
func headerInjector(base http.RoundTripper, headers map[string]string) http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		clone := req.Clone(req.Context())
		for k, v := range headers {
			clone.Header.Set(k, v)
		}
		return base.RoundTrip(clone)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
