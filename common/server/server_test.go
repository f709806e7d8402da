package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/openrepo/editsync/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_StopsWhenContextIsDone(t *testing.T) {
	srv := New("test", 0, http.NotFoundHandler(), logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_ListenError(t *testing.T) {
	srv := New("test", -1, http.NotFoundHandler(), logger.Discard())

	err := srv.Start(context.Background())
	assert.Error(t, err)
}
