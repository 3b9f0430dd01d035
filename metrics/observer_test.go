package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcshock/runflow/flow"
)

func TestObserver_CountsFlowActivity(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewObserver("test")
	require.NoError(t, obs.Register(reg))
	require.NoError(t, obs.Register(reg), "registering twice is harmless")

	f, err := flow.New(flow.Stage{Name: "pass", Job: flow.Identity()},
		flow.WithName("orders"), flow.WithObserver(obs))
	require.NoError(t, err)
	_, err = f.Fn(flow.Stage{Name: "odd", Job: func(_ context.Context, payload interface{}, _ error) (interface{}, error) {
		if payload.(int)%2 == 0 {
			return nil, errors.New("even")
		}
		return payload, nil
	}})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		f.Invoke(flow.NewPacket(i))
	}
	require.NoError(t, f.Await(context.Background()))

	assert.Equal(t, 4.0, testutil.ToFloat64(obs.PushedTotal.WithLabelValues("orders", "pass")))
	assert.Equal(t, 4.0, testutil.ToFloat64(obs.EmittedTotal.WithLabelValues("orders", "pass", "emit")))
	assert.Equal(t, 4.0, testutil.ToFloat64(obs.DispatchedTotal.WithLabelValues("orders", "odd")))
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.CompletedTotal.WithLabelValues("orders", "odd")))
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.FailedTotal.WithLabelValues("orders", "odd")))
	assert.Equal(t, 2.0, testutil.ToFloat64(obs.DroppedTotal.WithLabelValues("orders", "odd")))
	assert.Equal(t, 0.0, testutil.ToFloat64(obs.InFlight.WithLabelValues("orders", "odd")))
	// pass/ok, odd/ok, odd/error
	assert.Equal(t, 3, testutil.CollectAndCount(obs.JobDuration))
}

func TestHandler_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := NewObserver("")
	require.NoError(t, obs.Register(reg))
	obs.Pushed(flow.StageInfo{Flow: "f", Name: "s"}, nil)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `runflow_packets_pushed_total{flow="f",stage="s"} 1`)
}
