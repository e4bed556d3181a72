// Package gatewayhttp builds the retrying HTTP client shared by gateway
// adapters.
package gatewayhttp

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type Options struct {
	RetryMax     int
	Timeout      time.Duration
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// New returns a client that retries transport errors and 5xx responses with
// exponential backoff. 4xx responses are returned to the caller as is.
func New(opts Options, log *zap.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	if client.RetryMax < 0 {
		client.RetryMax = 0
	}
	if opts.RetryWaitMin > 0 {
		client.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		client.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	client.Backoff = retryablehttp.DefaultBackoff
	client.CheckRetry = retryablehttp.DefaultRetryPolicy
	// Let the adapter read the final response body instead of a generic
	// "giving up" error.
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if log == nil {
		log = zap.NewNop()
	}
	client.Logger = leveled{log: log.Sugar()}
	return client
}

// Do sends a JSON body and returns the response. The caller closes the body.
func Do(ctx context.Context, client *retryablehttp.Client, method, url string, body []byte, header http.Header) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	return client.Do(req)
}

type leveled struct {
	log *zap.SugaredLogger
}

func (l leveled) Error(msg string, keysAndValues ...interface{}) { l.log.Errorw(msg, keysAndValues...) }
func (l leveled) Info(msg string, keysAndValues ...interface{})  { l.log.Debugw(msg, keysAndValues...) }
func (l leveled) Debug(msg string, keysAndValues ...interface{}) { l.log.Debugw(msg, keysAndValues...) }
func (l leveled) Warn(msg string, keysAndValues ...interface{})  { l.log.Warnw(msg, keysAndValues...) }
