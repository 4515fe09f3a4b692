// Package httpclient builds the shared transport the engine uses for every
// origin request: proxy-aware, timeout-bounded, and classifying failures
// into the engine's closed error kinds instead of leaking raw net/http errors.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"fetchd/internal"
)

// Config configures the shared client.
type Config struct {
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	ProxyURL       string
	TLSSkipVerify  bool
}

// DefaultConfig returns sane defaults matching the engine's documented option defaults.
func DefaultConfig() *Config {
	return &Config{
		ConnectTimeout: 10 * time.Second,
		IdleTimeout:    30 * time.Second,
	}
}

// Client wraps *http.Client with user-agent rotation and classified errors.
// One Client is shared by every job in a Manager so connection pooling is
// shared across jobs hitting the same origin.
type Client struct {
	http         *http.Client
	mutex        sync.RWMutex
	userAgents   []string
	userAgentIdx int
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

// New builds a Client from the given configuration.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.IdleTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		},
	}

	if cfg.ProxyURL != "" {
		if err := configureProxy(transport, cfg.ProxyURL); err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		userAgents: defaultUserAgents,
	}, nil
}

func configureProxy(transport *http.Transport, proxyURL string) error {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsed.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5":
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, nil, proxy.Direct)
		if err != nil {
			return fmt.Errorf("create SOCKS5 dialer: %w", err)
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", parsed.Scheme)
	}

	return nil
}

// RotateUserAgent advances to the next user agent string in the rotation.
func (c *Client) RotateUserAgent() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.userAgentIdx = (c.userAgentIdx + 1) % len(c.userAgents)
}

func (c *Client) currentUserAgent() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.userAgents[c.userAgentIdx]
}

// NewRequest builds a request for method carrying the rotating user agent and any
// caller-supplied decoration (applied last, so it can override defaults).
func (c *Client) NewRequest(ctx context.Context, method, rawURL string, headers map[string]string, decorate func(*http.Request)) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("User-Agent", c.currentUserAgent())
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Connection", "keep-alive")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if decorate != nil {
		decorate(req)
	}

	return req, nil
}

// Do executes a single request, mapping the outcome to the engine's closed
// error kinds. It performs no retries — retry policy belongs to the caller
// (the Scheduler), which needs to know per-segment attempt counts.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, internal.NewFetchError(0, err.Error(), internal.KindCancelled)
		}
		return nil, internal.NewUnreachableError(req.URL.String(), err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, internal.NewAuthRequiredError("origin requires authentication")
	case resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, internal.NewForbiddenError(req.URL.String())
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, internal.NewNotFoundError(req.URL.String())
	case resp.StatusCode == http.StatusPreconditionFailed:
		resp.Body.Close()
		return nil, internal.NewSourceChangedError("validator mismatch (412)")
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, internal.NewFetchError(resp.StatusCode, "requested range not satisfiable", internal.KindRangeUnsupported)
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, internal.NewFetchError(resp.StatusCode, "server error", internal.KindUnreachable)
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, internal.NewFetchError(resp.StatusCode, "rate limited", internal.KindUnreachable).WithRetryAfter(1)
	}

	return resp, nil
}
