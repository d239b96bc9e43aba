package feed

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// FetchConfig tunes the HTTP client used for feed downloads.
type FetchConfig struct {
	Timeout       time.Duration
	MaxRetries    int
	RetryWait     time.Duration
	RetryMaxWait  time.Duration
	RatePerSecond float64
}

// Fetcher downloads feeds with a bounded retry budget. Transport errors, 5xx
// and 429 responses are retried with backoff; other 4xx responses are not.
type Fetcher struct {
	client  *resty.Client
	limiter *rate.Limiter
}

func NewFetcher(cfg FetchConfig) *Fetcher {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetHeader("Accept", "application/xml, text/xml, */*").
		SetHeader("User-Agent", "feedcatalog/1.0").
		SetLogger(logrus.StandardLogger()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return r == nil || r.Request == nil || r.Request.Context().Err() == nil
			}
			return retryableStatus(r.StatusCode())
		})

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &Fetcher{
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// Fetch returns the body of url. Any failure is a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	logrus.WithField("url", url).Info("Fetching feed")
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, &FetchError{URL: url, Retryable: ctx.Err() == nil, Err: err}
	}

	if resp.IsError() {
		return nil, &FetchError{
			URL:        url,
			StatusCode: resp.StatusCode(),
			Retryable:  retryableStatus(resp.StatusCode()),
		}
	}

	logrus.WithFields(logrus.Fields{
		"url":     url,
		"bytes":   len(resp.Body()),
		"elapsed": resp.Time().String(),
	}).Info("Feed fetched")
	return resp.Body(), nil
}
