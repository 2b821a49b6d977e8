package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"wgkeeper/internal/database"
	"wgkeeper/internal/models"
)

// fakeInterface is an in-memory tunnel interface keyed by public key.
type fakeInterface struct {
	mu    sync.Mutex
	live  map[string]PeerSpec
	stats map[string]models.PeerSnapshot
	down  bool
	// failRemove fails only RemovePeer, with the interface otherwise up.
	failRemove bool
	ops        []string
	maxPerA    map[string]int
}

func newFakeInterface() *fakeInterface {
	return &fakeInterface{
		live:    map[string]PeerSpec{},
		stats:   map[string]models.PeerSnapshot{},
		maxPerA: map[string]int{},
	}
}

func (f *fakeInterface) unavailable(op string) error {
	return fmt.Errorf("%w: %s on wg0: no such device", models.ErrInterfaceUnavailable, op)
}

func (f *fakeInterface) UpsertPeer(_ context.Context, spec PeerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "upsert "+spec.PublicKey)
	if f.down {
		return f.unavailable("upsert peer")
	}
	f.live[spec.PublicKey] = spec
	f.trackAddresses()
	return nil
}

func (f *fakeInterface) RemovePeer(_ context.Context, publicKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "remove "+publicKey)
	if f.down || f.failRemove {
		return f.unavailable("remove peer")
	}
	delete(f.live, publicKey)
	delete(f.stats, publicKey)
	return nil
}

func (f *fakeInterface) DumpPeers(context.Context) ([]models.PeerSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, f.unavailable("dump")
	}
	keys := make([]string, 0, len(f.live))
	for k := range f.live {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]models.PeerSnapshot, 0, len(keys))
	for _, k := range keys {
		snap, ok := f.stats[k]
		if !ok {
			snap = models.PeerSnapshot{Endpoint: "(none)", LastHandshakeEpoch: "0", RxBytes: "0", TxBytes: "0"}
		}
		snap.PublicKey = k
		out = append(out, snap)
	}
	return out, nil
}

func (f *fakeInterface) LocalPublicKey(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", f.unavailable("read device")
	}
	return "c2VydmVyLXB1Yg==", nil
}

// trackAddresses records the highest number of live keys seen at once for
// each allowed address.
func (f *fakeInterface) trackAddresses() {
	count := map[string]int{}
	for _, spec := range f.live {
		for _, a := range spec.AllowedAddresses {
			count[a]++
		}
	}
	for a, n := range count {
		if n > f.maxPerA[a] {
			f.maxPerA[a] = n
		}
	}
}

func (f *fakeInterface) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *fakeInterface) setFailRemove(fail bool) {
	f.mu.Lock()
	f.failRemove = fail
	f.mu.Unlock()
}

func (f *fakeInterface) isLive(publicKey string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[publicKey]
	return ok
}

// forceLive puts a key on the interface behind the directory's back.
func (f *fakeInterface) forceLive(spec PeerSpec, snap models.PeerSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live[spec.PublicKey] = spec
	f.stats[spec.PublicKey] = snap
}

func (f *fakeInterface) setStats(publicKey string, snap models.PeerSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[publicKey] = snap
}

type fakeKeys struct {
	mu   sync.Mutex
	n    int
	fail bool
}

func (k *fakeKeys) GenerateKeypair(context.Context) (models.Keypair, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fail {
		return models.Keypair{}, fmt.Errorf("%w: entropy unavailable", models.ErrProvision)
	}
	k.n++
	return models.Keypair{
		PublicKey:  fmt.Sprintf("pub-%03d", k.n),
		PrivateKey: fmt.Sprintf("priv-%03d", k.n),
	}, nil
}

type harness struct {
	store *database.Store
	iface *fakeInterface
	keys  *fakeKeys
	rec   *Reconciler
	stats *StatsLoop
	pool  Pool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "peers.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	store := database.NewStore(db)
	t.Cleanup(func() { _ = store.Close() })

	pool, err := ParsePool("10.0.0.0/24", 6)
	require.NoError(t, err)

	h := &harness{store: store, iface: newFakeInterface(), keys: &fakeKeys{}, pool: pool}
	metrics := NewMetrics(prometheus.NewRegistry())
	h.rec = NewReconciler(store, h.iface, h.keys, pool, Defaults{AllowedRoutes: "0.0.0.0/0", DNS: "1.1.1.1", Keepalive: 25}, metrics, zerolog.Nop())
	h.stats = NewStatsLoop(store, h.iface, h.rec.Locks(), 0, false, metrics, zerolog.Nop())
	return h
}

// listHookDirectory runs afterList once, right after the next List returns,
// to interleave a write between a cycle's listing and its actions.
type listHookDirectory struct {
	Directory
	once      sync.Once
	afterList func()
}

func (d *listHookDirectory) List(ctx context.Context) ([]models.Peer, error) {
	peers, err := d.Directory.List(ctx)
	d.once.Do(d.afterList)
	return peers, err
}

func (h *harness) create(t *testing.T, name string) *models.Peer {
	t.Helper()
	res, err := h.rec.Create(context.Background(), CreateRequest{Name: name})
	require.NoError(t, err)
	return res.Peer
}
