package httpjobs

import (
	"context"
	"fmt"

	"github.com/google/go-cmp/cmp"

	"github.com/dcshock/runflow/flow"
)

// Expect returns a job that runs the predicate on the payload. If the predicate returns an error,
// the job returns that error and the packet fails. Otherwise the payload is passed through unchanged.
// Use after ParseJSON to verify the decoded result (e.g. check status field, required keys).
func Expect(predicate func(interface{}) error) flow.Job {
	if predicate == nil {
		panic("httpjobs.Expect: predicate must not be nil")
	}
	return func(_ context.Context, payload interface{}, _ error) (interface{}, error) {
		if err := predicate(payload); err != nil {
			return nil, fmt.Errorf("expect: %w", err)
		}
		return payload, nil
	}
}

// ExpectEqual returns a job that checks the payload equals expected. Works for
// primitives, slices, and maps (e.g. parsed JSON); the error carries a diff.
func ExpectEqual(expected interface{}) flow.Job {
	return Expect(func(v interface{}) error {
		if diff := cmp.Diff(expected, v); diff != "" {
			return fmt.Errorf("mismatch (-want +got):\n%s", diff)
		}
		return nil
	})
}
