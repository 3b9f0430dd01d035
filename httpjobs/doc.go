// Package httpjobs provides flow jobs for HTTP requests and response handling.
//
// Use Get or Fetch to perform a GET request, ParseJSON to unmarshal the response body,
// and Expect to verify the parsed result and fail the packet if not as expected.
// FetchDeferred runs the request as a driver task so a coroutine-driven flow keeps
// scheduling other packets while the request is in flight.
//
// Server errors (5xx) and transport errors are marked retryable, so Get and Fetch
// compose with flow.Retry:
//
//	f, err := flow.New(flow.JobStage(flow.Retry(d, httpjobs.Fetch(nil), flow.RetryPolicy{})), flow.WithDriver(d))
//	f, err = f.Fn(flow.JobStage(httpjobs.ParseJSON()))
//	f, err = f.Fn(flow.JobStage(httpjobs.Expect(func(v interface{}) error {
//	    m, _ := v.(map[string]interface{})
//	    if m["status"] != "ok" { return fmt.Errorf("unexpected status") }
//	    return nil
//	})))
package httpjobs
