package httpserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	s := New(Options{Addr: "127.0.0.1:0"})
	assert.NotNil(t, s.HTTP.Handler, "default router")
	assert.Equal(t, 15*time.Second, s.HTTP.ReadTimeout)
	assert.Equal(t, 60*time.Second, s.HTTP.IdleTimeout)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := New(Options{Addr: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, time.Second) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_ListenError(t *testing.T) {
	s := New(Options{Addr: "127.0.0.1:-1"})
	assert.Error(t, s.Run(context.Background(), time.Second))
}
