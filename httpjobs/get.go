package httpjobs

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/dcshock/runflow/flow"
)

// StatusError is returned for responses outside 2xx.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http get %q: status %d", e.URL, e.Code)
}

// Get returns a job that performs an HTTP GET to the fixed url and returns the response body as []byte.
// The stage context is used for the request (timeout and cancellation). If client is nil, http.DefaultClient is used.
func Get(client *http.Client, url string) flow.Job {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, _ interface{}, _ error) (interface{}, error) {
		return get(ctx, client, url)
	}
}

// Fetch returns a job that performs an HTTP GET to the URL in the packet payload.
// The payload must be a string URL. Returns the response body as []byte.
// If client is nil, http.DefaultClient is used.
func Fetch(client *http.Client) flow.Job {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, payload interface{}, _ error) (interface{}, error) {
		url, ok := payload.(string)
		if !ok {
			return nil, fmt.Errorf("http fetch: payload must be URL string, got %T", payload)
		}
		return get(ctx, client, url)
	}
}

// FetchDeferred is Fetch for stages using the Deferred completion policy:
// the request runs as a chained step on the flow's driver.
func FetchDeferred(client *http.Client) flow.DeferredJob {
	if client == nil {
		client = http.DefaultClient
	}
	return func(_ context.Context, payload interface{}, complete flow.Complete, chain flow.Chain) error {
		url, ok := payload.(string)
		if !ok {
			return fmt.Errorf("http fetch: payload must be URL string, got %T", payload)
		}
		chain(func(ctx context.Context, next flow.Complete) error {
			body, err := get(ctx, client, url)
			if err != nil {
				return err
			}
			next(body)
			return nil
		}, complete)
		return nil
	}
}

func get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("http get: new request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("http get %q: %w", url, err)
		}
		return nil, flow.RetryableErr(fmt.Errorf("http get %q: %w", url, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &StatusError{URL: url, Code: resp.StatusCode}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, flow.RetryableErr(serr)
		}
		return nil, serr
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("http get %q: read body: %w", url, err)
	}
	return body, nil
}
