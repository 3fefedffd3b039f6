package main

import (
	"net/http"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slowWorker struct {
	stopped atomic.Bool
}

func (w *slowWorker) Stop() {
	time.Sleep(50 * time.Millisecond)
	w.stopped.Store(true)
}

func TestServeWaitsForWorkerStop(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler()}
	worker := &slowWorker{}
	quit := make(chan os.Signal, 1)

	done := make(chan error, 1)
	go func() { done <- serve(server, worker, quit) }()

	time.Sleep(20 * time.Millisecond)
	quit <- syscall.SIGTERM

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.True(t, worker.stopped.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestServeReturnsListenError(t *testing.T) {
	server := &http.Server{Addr: "127.0.0.1:-1"}
	err := serve(server, &slowWorker{}, make(chan os.Signal))
	assert.Error(t, err)
}
