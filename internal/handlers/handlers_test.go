package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wgkeeper/internal/database"
	"wgkeeper/internal/models"
	"wgkeeper/internal/services"
)

type stubInterface struct {
	mu   sync.Mutex
	live map[string]bool
	down bool
}

func (s *stubInterface) err() error {
	if s.down {
		return fmt.Errorf("%w: no such device", models.ErrInterfaceUnavailable)
	}
	return nil
}

func (s *stubInterface) UpsertPeer(_ context.Context, spec services.PeerSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err(); err != nil {
		return err
	}
	s.live[spec.PublicKey] = true
	return nil
}

func (s *stubInterface) RemovePeer(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err(); err != nil {
		return err
	}
	delete(s.live, key)
	return nil
}

func (s *stubInterface) DumpPeers(context.Context) ([]models.PeerSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.err(); err != nil {
		return nil, err
	}
	var out []models.PeerSnapshot
	for k := range s.live {
		out = append(out, models.PeerSnapshot{PublicKey: k, Endpoint: "(none)", LastHandshakeEpoch: "0", RxBytes: "1", TxBytes: "2"})
	}
	return out, nil
}

func (s *stubInterface) LocalPublicKey(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "server-pub", s.err()
}

type counterKeys struct {
	mu sync.Mutex
	n  int
}

func (k *counterKeys) GenerateKeypair(context.Context) (models.Keypair, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.n++
	return models.Keypair{PublicKey: fmt.Sprintf("pub-%d", k.n), PrivateKey: fmt.Sprintf("priv-%d", k.n)}, nil
}

type testServer struct {
	e     *echo.Echo
	iface *stubInterface
	store *database.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "peers.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	store := database.NewStore(db)
	t.Cleanup(func() { _ = store.Close() })

	pool, err := services.ParsePool("10.0.0.0/24", 6)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	metrics := services.NewMetrics(reg)
	iface := &stubInterface{live: map[string]bool{}}
	rec := services.NewReconciler(store, iface, &counterKeys{}, pool, services.Defaults{AllowedRoutes: "0.0.0.0/0", Keepalive: 25}, metrics, zerolog.Nop())
	stats := services.NewStatsLoop(store, iface, rec.Locks(), 0, false, metrics, zerolog.Nop())

	h := NewPeerHandler(rec, stats, zerolog.Nop())
	return &testServer{e: NewServer(h, reg, zerolog.Nop()), iface: iface, store: store}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateAndReadPeer(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/peers", `{"name":"alice","notes":"laptop"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[services.Result](t, rec)
	assert.Equal(t, "10.0.0.6/32", created.Peer.Address)
	assert.Equal(t, "priv-1", created.Peer.PrivateKey, "create returns the private key")

	rec = s.do(t, http.MethodGet, "/api/peers/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "priv-1")
	assert.NotContains(t, rec.Body.String(), "private_key")

	rec = s.do(t, http.MethodGet, "/api/peers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "priv-1")
	assert.Len(t, decode[[]models.PeerView](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/peers/alice/reveal", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "priv-1", decode[models.Peer](t, rec).PrivateKey)
}

func TestErrorStatusMapping(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/peers", `{"name":"alice"}`).Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid name", http.MethodPost, "/api/peers", `{"name":"bad name!"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/peers", `{"name":`, http.StatusBadRequest},
		{"duplicate", http.MethodPost, "/api/peers", `{"name":"alice"}`, http.StatusConflict},
		{"unknown peer", http.MethodPost, "/api/peers/nobody/enable", "", http.StatusNotFound},
		{"unknown delete", http.MethodDelete, "/api/peers/nobody", "", http.StatusNotFound},
		{"empty bulk", http.MethodPost, "/api/peers/bulk-delete", `{"names":[]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[map[string]string](t, rec)["error"])
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInsufficientStorage, statusFor(fmt.Errorf("x: %w", models.ErrPoolExhausted)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(models.ErrInterfaceUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(models.ErrProvision))
}

func TestLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/peers", `{"name":"alice"}`).Code)

	rec := s.do(t, http.MethodPost, "/api/peers/alice/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[peerResponse](t, rec).Peer.Enabled)
	assert.Empty(t, s.iface.live)

	rec = s.do(t, http.MethodPatch, "/api/peers/alice", `{"enabled":true,"notes":"back"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[peerResponse](t, rec)
	assert.True(t, resp.Peer.Enabled)
	assert.Equal(t, "back", resp.Peer.Notes)
	assert.True(t, s.iface.live["pub-1"])

	rec = s.do(t, http.MethodPost, "/api/peers/alice/regenerate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	regen := decode[services.Result](t, rec)
	assert.Equal(t, "pub-2", regen.Peer.PublicKey)
	assert.Equal(t, "priv-2", regen.Peer.PrivateKey)

	rec = s.do(t, http.MethodPost, "/api/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[services.CycleReport](t, rec).Updated)

	rec = s.do(t, http.MethodDelete, "/api/peers/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, s.iface.live)
}

func TestInterfaceDownReturnsWarnings(t *testing.T) {
	s := newTestServer(t)
	s.iface.down = true

	rec := s.do(t, http.MethodPost, "/api/peers", `{"name":"alice"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, decode[services.Result](t, rec).Warnings, 1)

	rec = s.do(t, http.MethodGet, "/api/server", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[services.CycleReport](t, rec).Skipped)
}

func TestBulkDelete(t *testing.T) {
	s := newTestServer(t)
	for _, n := range []string{"a", "b"} {
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/peers", fmt.Sprintf(`{"name":%q}`, n)).Code)
	}

	rec := s.do(t, http.MethodPost, "/api/peers/bulk-delete", `{"names":["a","zzz","b"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[services.BulkResult](t, rec)
	assert.Equal(t, 2, out.Deleted)
	assert.Len(t, out.Items, 3)
}

func TestProbesAndMetrics(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/readyz", "").Code)

	rec := s.do(t, http.MethodGet, "/api/server", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "server-pub", decode[services.ServerInfo](t, rec).PublicKey)

	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/peers", `{"name":"alice"}`).Code)
	rec = s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `wgkeeper_peer_operations_total{op="create",result="ok"} 1`)

	require.NoError(t, s.store.Close())
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, "/readyz", "").Code)
}
