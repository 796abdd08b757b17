// Package request issues authenticated catalog requests through the
// credential pool and hands every completion back to the consumer loop.
package request

import (
	"net/http"
	"time"

	"github.com/ippclub/modbrowser/internal/credential"
	"github.com/ippclub/modbrowser/internal/loop"
	"github.com/ippclub/modbrowser/pkg/transport"
	"go.uber.org/zap"
)

// Getter is the subset of the orchestrator used by catalog components.
type Getter interface {
	Get(url string, onSuccess func(body []byte), onFailure func(err error))
}

// Downloader streams large artifacts to disk.
type Downloader interface {
	Download(url, dest string, onSuccess func(), onFailure func(err error))
}

// Orchestrator attaches credentials, a user agent and a timeout to every
// request. It never retries. Pool access happens on the consumer loop only.
type Orchestrator struct {
	transport       transport.Transport
	pool            *credential.Pool
	exec            loop.Executor
	logger          *zap.Logger
	userAgent       string
	apiTimeout      time.Duration
	downloadTimeout time.Duration
}

// Options configures an Orchestrator.
type Options struct {
	UserAgent       string
	APITimeout      time.Duration
	DownloadTimeout time.Duration
}

// New creates an Orchestrator. exec is the consumer loop.
func New(t transport.Transport, pool *credential.Pool, exec loop.Executor, logger *zap.Logger, opts Options) *Orchestrator {
	return &Orchestrator{
		transport:       t,
		pool:            pool,
		exec:            exec,
		logger:          logger,
		userAgent:       opts.UserAgent,
		apiTimeout:      opts.APITimeout,
		downloadTimeout: opts.DownloadTimeout,
	}
}

// Get issues an API-class GET. Must be called on the consumer loop; both
// callbacks run there too.
func (o *Orchestrator) Get(url string, onSuccess func([]byte), onFailure func(error)) {
	cred, req := o.prepare(url, o.apiTimeout)
	o.transport.Get(req,
		func(body []byte) {
			o.exec.Post(func() { onSuccess(body) })
		},
		func(err error) {
			o.exec.Post(func() {
				o.fail(url, cred, err)
				onFailure(err)
			})
		},
	)
}

// Download issues a download-class GET streamed into dest.
func (o *Orchestrator) Download(url, dest string, onSuccess func(), onFailure func(error)) {
	cred, req := o.prepare(url, o.downloadTimeout)
	o.transport.Download(req, dest,
		func() {
			o.exec.Post(onSuccess)
		},
		func(err error) {
			o.exec.Post(func() {
				o.fail(url, cred, err)
				onFailure(err)
			})
		},
	)
}

func (o *Orchestrator) prepare(url string, timeout time.Duration) (*credential.Credential, transport.Request) {
	header := http.Header{}
	header.Set("User-Agent", o.userAgent)
	header.Set("Accept", "application/vnd.github+json")

	cred := o.pool.Next()
	if cred != nil {
		header.Set("Authorization", "Bearer "+cred.Secret())
	}

	return cred, transport.Request{
		URL:     url,
		Header:  header,
		Timeout: timeout,
	}
}

// fail penalizes the credential the request was sent with.
func (o *Orchestrator) fail(url string, cred *credential.Credential, err error) {
	fields := []zap.Field{zap.String("url", url), zap.Error(err)}
	if cred != nil {
		o.pool.Penalize(cred)
		fields = append(fields, zap.Int("credential", cred.Index()))
	}
	o.logger.Debug("request failed", fields...)
}

// Pool exposes the credential pool for status reporting.
func (o *Orchestrator) Pool() *credential.Pool { return o.pool }
