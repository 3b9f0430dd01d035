package httpjobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dcshock/runflow/flow"
)

func rawJSON(name string, payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("%s: payload must be []byte or string, got %T", name, payload)
	}
}

// ParseJSON returns a job that unmarshals the payload from JSON into a value.
// The payload must be []byte or string (response body). Output is the decoded value (e.g. map[string]interface{} for objects).
func ParseJSON() flow.Job {
	return func(_ context.Context, payload interface{}, _ error) (interface{}, error) {
		raw, err := rawJSON("parsejson", payload)
		if err != nil {
			return nil, err
		}
		var out interface{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("parsejson: %w", err)
		}
		return out, nil
	}
}

// ParseJSONTo returns a job that unmarshals the payload from JSON into a value of type T.
// The payload must be []byte or string. Output is *T.
func ParseJSONTo[T any]() flow.Job {
	return func(_ context.Context, payload interface{}, _ error) (interface{}, error) {
		raw, err := rawJSON("parsejsonto", payload)
		if err != nil {
			return nil, err
		}
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("parsejsonto: %w", err)
		}
		return &out, nil
	}
}
