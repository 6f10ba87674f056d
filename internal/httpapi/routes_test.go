package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsemesh/gamecast/internal/hub"
	"github.com/pulsemesh/gamecast/internal/ledger"
	"github.com/pulsemesh/gamecast/internal/osc"
	"github.com/pulsemesh/gamecast/internal/session"
	"github.com/pulsemesh/gamecast/internal/slots"
	"github.com/pulsemesh/gamecast/internal/state"
	"github.com/pulsemesh/gamecast/internal/tick"
)

type noBridges struct{}

func (noBridges) Spawn(kind string, slot int) error { return nil }
func (noBridges) Stop(slot int)                     {}
func (noBridges) Input(slot int, data []byte) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, Deps) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	staticDir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(staticDir, "index.html"), []byte("<html>viewer</html>"), 0o644))

	store := state.NewStore(4)
	pool := slots.NewPool(4)
	h := hub.NewHub(ctx, zap.NewNop())
	mgr := session.NewManager(pool, noBridges{}, h, ledger.NewMemory(), time.Second, zap.NewNop())
	ticker := tick.NewScheduler(10*time.Millisecond, func() {}, zap.NewNop())
	t.Cleanup(ticker.Stop)

	deps := Deps{
		Hub:       h,
		Manager:   mgr,
		Pool:      pool,
		OSC:       osc.NewListener("pulsar", store, osc.Handlers{}, zap.NewNop()),
		Ticker:    ticker,
		WS:        func(w http.ResponseWriter, r *http.Request) {},
		StaticDir: staticDir,
		StartedAt: time.Now(),
		Log:       zap.NewNop(),
	}
	srv := httptest.NewServer(SetupRoutes(deps))
	t.Cleanup(srv.Close)
	return srv, deps
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusDocument(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var doc statusDoc
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Equal(t, 4, doc.Slots.Size)
	require.Equal(t, 4, doc.Slots.Free)
	require.Zero(t, doc.Slots.Acquired)
	require.False(t, doc.Tick.Enabled)
}

func TestTickToggle(t *testing.T) {
	srv, deps := newTestServer(t)

	resp, err := http.Post(srv.URL+"/tick/start", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.True(t, deps.Ticker.Enabled())

	resp, err = http.Post(srv.URL+"/tick/stop", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.False(t, deps.Ticker.Enabled())
}

func TestEndUnknownMatch(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Post(srv.URL+"/matches/ZZZZZZ/end", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStaticAssets(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/index.html")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "viewer")
}
