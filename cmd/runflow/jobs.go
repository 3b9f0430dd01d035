package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dcshock/runflow/config"
	"github.com/dcshock/runflow/flow"
	"github.com/dcshock/runflow/logging"
)

// ErrMultFailure is the simulated failure of mult-by-two.
var ErrMultFailure = errors.New(`failure when processing "mult-by-two"`)

// Work is the demo payload: a numbered request from a client.
type Work struct {
	Client string  `json:"client"`
	ID     int     `json:"id"`
	Number float64 `json:"number"`
}

// asWork accepts a Work or its JSON form decoded by a transport.
func asWork(payload interface{}) (Work, error) {
	switch v := payload.(type) {
	case Work:
		return v, nil
	case map[string]interface{}:
		w := Work{}
		w.Client, _ = v["client"].(string)
		id, _ := v["id"].(float64)
		w.ID = int(id)
		n, ok := v["number"].(float64)
		if !ok {
			return w, fmt.Errorf("work: number missing or not numeric in %v", v)
		}
		w.Number = n
		return w, nil
	default:
		return Work{}, fmt.Errorf("work: unexpected payload %T", payload)
	}
}

func workJob(fn func(ctx context.Context, w Work) (Work, error)) flow.Job {
	return func(ctx context.Context, payload interface{}, _ error) (interface{}, error) {
		w, err := asWork(payload)
		if err != nil {
			return nil, err
		}
		return fn(ctx, w)
	}
}

// registerJobs adds the demo jobs to reg. Delays go through d so a
// coroutine driver overlaps them.
func registerJobs(reg *config.Registry, d flow.Driver, logger logging.Logger, delay time.Duration, failEvery int) {
	var mults atomic.Int64

	reg.Register("add-one", workJob(func(ctx context.Context, w Work) (Work, error) {
		logger.Debug("calculating", "client", w.Client, "id", w.ID, "op", "+1", "number", w.Number)
		if err := d.Delay(ctx, delay); err != nil {
			return w, err
		}
		w.Number++
		return w, nil
	}))
	reg.Register("mult-by-two", workJob(func(ctx context.Context, w Work) (Work, error) {
		logger.Debug("calculating", "client", w.Client, "id", w.ID, "op", "*2", "number", w.Number)
		if err := d.Delay(ctx, 3*delay); err != nil {
			return w, err
		}
		if n := mults.Add(1); failEvery > 0 && n%int64(failEvery) == 0 {
			return w, ErrMultFailure
		}
		w.Number *= 2
		return w, nil
	}))
	reg.Register("minus-three", workJob(func(_ context.Context, w Work) (Work, error) {
		logger.Debug("calculating", "client", w.Client, "id", w.ID, "op", "-3", "number", w.Number)
		w.Number -= 3
		return w, nil
	}))
	reg.Register("collect", flow.Identity())

	reg.RegisterErrorJob("log-error", func(_ context.Context, p *flow.Packet, err error) error {
		stage := -1
		var jerr *flow.JobError
		if errors.As(err, &jerr) {
			stage = jerr.Stage
		}
		logger.Warn("packet failed", "packet_id", p.ID(), "stage", stage, "error", err)
		return nil
	})
}
