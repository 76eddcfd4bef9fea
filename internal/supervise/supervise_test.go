package supervise

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/tabrelay/internal/logging"
)

func TestMain(m *testing.M) {
	logging.Discard()
	os.Exit(m.Run())
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"0.3.0", "0.3.0", 0},
		{"0.2.9", "0.3.0", -1},
		{"0.3.1", "0.3.0", 1},
		{"1.0.0", "0.9.9", 1},
		{"0.3", "0.3.0", 0},
		{"v0.3.0", "0.3.0", 0},
		{"0.10.0", "0.9.0", 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CompareVersions(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
	}
}

// fakeRelay serves /version like a running instance would.
func fakeRelay(t *testing.T, version string) (*httptest.Server, int) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"` + version + `"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return srv, port
}

func TestProbeVersion(t *testing.T) {
	srv, _ := fakeRelay(t, "0.3.0")

	v, err := ProbeVersion(context.Background(), srv.URL, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "0.3.0", v)
}

func TestProbeVersionNoInstance(t *testing.T) {
	// A freshly closed listener leaves the port unserved.
	srv, _ := fakeRelay(t, "0.3.0")
	url := srv.URL
	srv.Close()

	_, err := ProbeVersion(context.Background(), url, 200*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoInstance)
}

func TestEnsureMatchingInstance(t *testing.T) {
	_, port := fakeRelay(t, "0.3.0")

	result, err := Ensure(context.Background(), Options{
		Port:    port,
		Version: "0.3.0",
		Command: []string{"/nonexistent-must-not-run"},
	})
	require.NoError(t, err)
	assert.False(t, result.Started)
}

func TestEnsureNewerInstanceLeftAlone(t *testing.T) {
	_, port := fakeRelay(t, "0.4.0")

	result, err := Ensure(context.Background(), Options{
		Port:    port,
		Version: "0.3.0",
		Command: []string{"/nonexistent-must-not-run"},
	})
	require.NoError(t, err)
	assert.False(t, result.Started)
}

func TestEnsureStartTimeout(t *testing.T) {
	// Find a free port that nothing serves.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	require.NoError(t, l.Close())

	// The spawned command exits immediately, so the poll never succeeds.
	_, err = Ensure(context.Background(), Options{
		Port:         port,
		Version:      "0.3.0",
		Command:      []string{"sh", "-c", "exit 0"},
		ProbeTimeout: 100 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
		StartTimeout: 500 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStartTimeout)
	assert.Contains(t, err.Error(), strconv.Itoa(port))
}

func TestEnsureValidatesOptions(t *testing.T) {
	_, err := Ensure(context.Background(), Options{Version: "0.3.0"})
	require.Error(t, err)

	_, err = Ensure(context.Background(), Options{Port: 19988})
	require.Error(t, err)
}
