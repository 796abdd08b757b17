// Package transport performs HTTP GETs in the background and reports
// completion through callbacks. Callbacks run on transport goroutines;
// callers that own shared state must hand results over themselves.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrRateLimited  = errors.New("rate limited by upstream")
	ErrUpstreamDown = errors.New("upstream unavailable")
)

// maxBodySize bounds in-memory responses. Archives go through Download.
const maxBodySize = 32 << 20

// Request describes one GET.
type Request struct {
	URL     string
	Header  http.Header
	Timeout time.Duration
}

// Transport is the asynchronous GET primitive used by the orchestrator.
type Transport interface {
	Get(req Request, onSuccess func(body []byte), onError func(err error))
	Download(req Request, dest string, onSuccess func(), onError func(err error))
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

func (e *HTTPError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusForbidden:
		return ErrRateLimited
	case e.StatusCode >= 500:
		return ErrUpstreamDown
	}
	return nil
}

// Client is the net/http implementation of Transport.
type Client struct {
	client  *http.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	stop      chan struct{}
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Client) {
		t.client = c
	}
}

// WithMaxInFlight bounds concurrently running requests.
func WithMaxInFlight(n int) Option {
	return func(t *Client) {
		if n > 0 {
			t.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRateLimit paces request starts with a token bucket.
func WithRateLimit(rps float64, burst int) Option {
	return func(t *Client) {
		if rps > 0 {
			t.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

// New creates a Client with a DNS-caching dialer.
func New(opts ...Option) *Client {
	// Create DNS cache with 5 minute refresh interval
	resolver := &dnscache.Resolver{}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-stop:
				return
			}
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	t := &Client{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					host, port, err := net.SplitHostPort(addr)
					if err != nil {
						return nil, err
					}
					ips, err := resolver.LookupHost(ctx, host)
					if err != nil {
						return nil, err
					}
					for _, ip := range ips {
						conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
						if err == nil {
							return conn, nil
						}
					}
					return nil, fmt.Errorf("failed to dial any resolved IP")
				},
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		sem:  semaphore.NewWeighted(8),
		stop: stop,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Close stops the DNS refresh. Requests already started run to completion.
func (t *Client) Close() error {
	t.closeOnce.Do(func() { close(t.stop) })
	return nil
}

// Get fetches req.URL and hands the body to onSuccess, or the failure to
// onError. Exactly one callback runs.
func (t *Client) Get(req Request, onSuccess func([]byte), onError func(error)) {
	go func() {
		body, err := t.get(req)
		if err != nil {
			onError(err)
			return
		}
		onSuccess(body)
	}()
}

// Download streams req.URL into dest. A failed download leaves no file.
func (t *Client) Download(req Request, dest string, onSuccess func(), onError func(error)) {
	go func() {
		if err := t.download(req, dest); err != nil {
			onError(err)
			return
		}
		onSuccess()
	}()
}

func (t *Client) get(req Request) ([]byte, error) {
	resp, cancel, err := t.do(req)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	return body, nil
}

func (t *Client) download(req Request, dest string) error {
	resp, cancel, err := t.do(req)
	if err != nil {
		return err
	}
	defer cancel()
	defer resp.Body.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("closing %s: %w", dest, err)
	}
	return nil
}

// do acquires a slot, waits for the limiter and performs the request. The
// timeout starts once the request leaves the queue. The returned cancel func
// must be called after the body is consumed.
func (t *Client) do(r Request) (*http.Response, context.CancelFunc, error) {
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})

	if t.sem != nil {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			return nil, nil, fmt.Errorf("waiting for request slot: %w", err)
		}
		cancel = func() { t.sem.Release(1) }
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	if r.Timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, r.Timeout)
		release := cancel
		cancel = func() {
			stop()
			release()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("requesting %s: %w", r.URL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		cancel()
		return nil, nil, &HTTPError{StatusCode: resp.StatusCode, URL: r.URL, Body: string(body)}
	}

	return resp, cancel, nil
}
