package browser_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbot/internal/browser"
	"github.com/shehryarbajwa/browserbot/internal/config"
)

// fakeDaemon answers every Docker API call with a server error and counts them.
func fakeDaemon(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/_ping") {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"daemon unavailable"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDockerLauncher_ImageFailureIsNotRetained(t *testing.T) {
	daemon, hits := fakeDaemon(t)

	cfg := config.NewDefaultConfig().Browser
	cfg.Docker.Host = "tcp://" + daemon.Listener.Addr().String()
	cfg.Docker.PullImage = true
	launcher, err := browser.NewDockerLauncher(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = launcher.Close() })

	opts := browser.LaunchOptions{ProfileID: "p1", UserDataDir: t.TempDir(), DownloadDir: t.TempDir()}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = launcher.Launch(cancelled, opts)
	require.Error(t, err)

	hits.Store(0)
	_, err = launcher.Launch(context.Background(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon unavailable")
	assert.Positive(t, hits.Load(), "second launch must ask the daemon again")
}
