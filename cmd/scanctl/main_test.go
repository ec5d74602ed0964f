package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/che57/eli-test-scanner/internal/client"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTempQueue(t *testing.T) *client.Queue {
	t.Helper()
	queue, err := client.OpenQueue(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	return queue
}

func enqueueItem(t *testing.T, queue *client.Queue, name string) {
	t.Helper()
	require.NoError(t, queue.Enqueue(&client.QueuedSubmission{
		FileName:    name,
		ContentType: "multipart/form-data; boundary=x",
		Payload:     []byte("--x--\r\n"),
	}))
}

func healthyBackend(t *testing.T, upload http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/test-strips/upload", upload)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestReplayQueueKeepsRejectedItem(t *testing.T) {
	server := healthyBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"QR code already exists"}`))
	})

	queue := openTempQueue(t)
	enqueueItem(t, queue, "dup.jpg")

	err := replayQueue(context.Background(), client.New(server.URL, time.Second), queue)
	require.Error(t, err)

	// A rejected delivery is not a successful one; the item stays queued.
	length, lenErr := queue.Len()
	require.NoError(t, lenErr)
	assert.Equal(t, int64(1), length)
}

func TestReplayQueueDrainsOnSuccess(t *testing.T) {
	server := healthyBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"abc","status":"processed"}`))
	})

	queue := openTempQueue(t)
	enqueueItem(t, queue, "a.jpg")
	enqueueItem(t, queue, "b.jpg")

	require.NoError(t, replayQueue(context.Background(), client.New(server.URL, time.Second), queue))

	length, err := queue.Len()
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestReplayQueueRequiresHealthyBackend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	queue := openTempQueue(t)
	enqueueItem(t, queue, "a.jpg")

	err := replayQueue(context.Background(), client.New(server.URL, time.Second), queue)
	require.Error(t, err)

	length, lenErr := queue.Len()
	require.NoError(t, lenErr)
	assert.Equal(t, int64(1), length)
}
