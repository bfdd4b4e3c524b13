package microvm

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
)

// Config holds microvm control-plane settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	GPU     bool
}

// newIdempotentClient builds the resty client used for provision,
// transfer, destroy, and ping. These ops tolerate transport retries:
// provision carries an idempotency key, the rest are idempotent by
// contract.
func newIdempotentClient(cfg Config) *resty.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil // Disable logging

	client := resty.New()
	client.
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(100*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("User-Agent", "sandboxd/1.0")
	client.SetTransport(retryClient.HTTPClient.Transport)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= 500
	})

	return client
}

// newExecClient builds the resty client used for exec. Commands are
// at-most-once: a lost response must not re-run the command, so this
// client never retries.
func newExecClient(cfg Config) *resty.Client {
	client := resty.New()
	client.
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "sandboxd/1.0")

	return client
}
