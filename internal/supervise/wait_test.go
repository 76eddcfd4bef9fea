package supervise

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusServer(t *testing.T, body func() string) int {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/extension-status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body()))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func TestWaitForExtensionSucceeds(t *testing.T) {
	// The extension shows up on the second poll, as it would after the
	// human clicks it.
	var polls atomic.Int32
	port := statusServer(t, func() string {
		if polls.Add(1) < 2 {
			return `{"connected":false,"pageCount":0,"pages":[]}`
		}
		return `{"connected":true,"pageCount":1,"pages":[{"targetId":"t1","url":"https://example.com/","title":"Example"}]}`
	})

	status, err := WaitForExtension(context.Background(), WaitOptions{
		Port:         port,
		PollInterval: 50 * time.Millisecond,
		Timeout:      2 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.Equal(t, 1, status.PageCount)
	require.Len(t, status.Pages, 1)
	assert.Equal(t, "t1", status.Pages[0].TargetID)
}

func TestWaitForExtensionTimeout(t *testing.T) {
	port := statusServer(t, func() string {
		return `{"connected":true,"pageCount":0,"pages":[]}`
	})

	_, err := WaitForExtension(context.Background(), WaitOptions{
		Port:         port,
		PollInterval: 50 * time.Millisecond,
		Timeout:      300 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtensionNotConnected)
	assert.Contains(t, err.Error(), strconv.Itoa(port))
}

func TestFetchStatus(t *testing.T) {
	port := statusServer(t, func() string {
		return `{"connected":true,"pageCount":2,"pages":[]}`
	})

	status, err := FetchStatus(context.Background(), "http://127.0.0.1:"+strconv.Itoa(port), time.Second)
	require.NoError(t, err)
	assert.True(t, status.Connected)
	assert.Equal(t, 2, status.PageCount)
}
