package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/stepflow/pkg/config"
	"github.com/stretchr/testify/require"
)

func TestServer_RunAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 0
	cfg.DatabaseURL = "file://" + t.TempDir()
	cfg.Repair.Schedule = "@every 1s"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := NewServer(ctx, cfg, slog.Default())
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- server.Run(ctx) }()

	select {
	case <-server.queue.Running():
	case <-time.After(10 * time.Second):
		t.Fatal("consumers did not start")
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("server did not shut down")
	}
}
