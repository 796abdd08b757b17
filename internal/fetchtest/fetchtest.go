// Package fetchtest provides a synchronous in-memory transport for tests.
package fetchtest

import (
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/ippclub/modbrowser/pkg/transport"
)

// Transport answers requests from a route table and completes them before
// Get or Download returns. Unknown URLs fail with a 404.
type Transport struct {
	mu       sync.Mutex
	bodies   map[string][]byte
	failures map[string]error
	calls    []transport.Request
}

// New returns an empty Transport.
func New() *Transport {
	return &Transport{
		bodies:   make(map[string][]byte),
		failures: make(map[string]error),
	}
}

// Respond registers a successful body for url.
func (t *Transport) Respond(url string, body string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bodies[url] = []byte(body)
	delete(t.failures, url)
}

// RespondBytes registers a binary body for url.
func (t *Transport) RespondBytes(url string, body []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bodies[url] = body
	delete(t.failures, url)
}

// Fail registers a failure for url.
func (t *Transport) Fail(url string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[url] = err
	delete(t.bodies, url)
}

// Calls returns every request seen so far.
func (t *Transport) Calls() []transport.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]transport.Request(nil), t.calls...)
}

// URLs returns the URL of every request seen so far, in order.
func (t *Transport) URLs() []string {
	calls := t.Calls()
	urls := make([]string, len(calls))
	for i, c := range calls {
		urls[i] = c.URL
	}
	return urls
}

// Count returns how many times url was requested.
func (t *Transport) Count(url string) int {
	n := 0
	for _, u := range t.URLs() {
		if u == url {
			n++
		}
	}
	return n
}

func (t *Transport) lookup(req transport.Request) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, req)
	if err, ok := t.failures[req.URL]; ok {
		return nil, err
	}
	if body, ok := t.bodies[req.URL]; ok {
		return body, nil
	}
	return nil, &transport.HTTPError{StatusCode: http.StatusNotFound, URL: req.URL}
}

// Get implements transport.Transport.
func (t *Transport) Get(req transport.Request, onSuccess func([]byte), onError func(error)) {
	body, err := t.lookup(req)
	if err != nil {
		onError(err)
		return
	}
	onSuccess(body)
}

// Download implements transport.Transport.
func (t *Transport) Download(req transport.Request, dest string, onSuccess func(), onError func(error)) {
	body, err := t.lookup(req)
	if err != nil {
		onError(err)
		return
	}
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		onError(fmt.Errorf("writing %s: %w", dest, err))
		return
	}
	onSuccess()
}
