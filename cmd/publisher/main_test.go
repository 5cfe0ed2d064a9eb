package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Guizzs26/go-outbox-relay/pkg/infra"
	"github.com/Guizzs26/go-outbox-relay/pkg/metrics"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockListener struct {
	listenFn func(ctx context.Context) error
	calls    int
}

func (m *mockListener) ListenCreated(ctx context.Context, fn func(ctx context.Context, id string)) error {
	m.calls++
	return m.listenFn(ctx)
}

func TestListenerReconnectLeavesBrokerHealthAlone(t *testing.T) {
	metrics.BrokerHealthy.Set(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := &mockListener{}
	l.listenFn = func(ctx context.Context) error {
		if l.calls == 1 {
			return errors.New("conn closed")
		}
		cancel()
		return nil
	}

	done := make(chan struct{})
	go runListener(ctx, l, nil, infra.NewBackoff(time.Millisecond, time.Millisecond, 1), done)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "listener did not stop")
	}

	assert.Equal(t, 2, l.calls)
	var m dto.Metric
	require.NoError(t, metrics.BrokerHealthy.Write(&m))
	assert.Equal(t, float64(1), m.GetGauge().GetValue())
}
