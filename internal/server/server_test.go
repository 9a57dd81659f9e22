package server_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/observability"
	"github.com/Tyrowin/roomchat/internal/server"
)

type fixture struct {
	server      *server.Server
	coordinator *chat.Coordinator
	visitors    *chat.VisitorCounter
	metrics     *observability.Metrics
	http        *httptest.Server
}

// newFixture starts a coordinator and serves a Server through httptest.
// mutate may adjust the default config before anything is built.
func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	logger := zaptest.NewLogger(t)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	visitors := chat.NewVisitorCounter()

	coordinator := chat.NewCoordinator(cfg.Chat, visitors, logger, metrics)
	go coordinator.Run(context.Background())

	srv := server.New(server.Options{
		Config:   cfg,
		Relay:    coordinator,
		Visitors: visitors,
		Logger:   logger,
		Metrics:  metrics,
		Gatherer: registry,
	})
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = coordinator.Shutdown(time.Second)
	})

	return &fixture{
		server:      srv,
		coordinator: coordinator,
		visitors:    visitors,
		metrics:     metrics,
		http:        ts,
	}
}

// awaitVisitors waits until n connects have been counted and every event
// queued so far has been applied by the coordinator.
func (f *fixture) awaitVisitors(t *testing.T, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.visitors.Load() >= n
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := f.coordinator.Snapshot(ctx)
	require.NoError(t, err)
}
