package services

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgkeeper/internal/config"
	"wgkeeper/internal/models"
)

type fakeDeviceClient struct {
	mu      sync.Mutex
	dev     *wgtypes.Device
	configs []wgtypes.Config
	err     error
	block   chan struct{}
}

func (f *fakeDeviceClient) Device(string) (*wgtypes.Device, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.dev, nil
}

func (f *fakeDeviceClient) ConfigureDevice(_ string, cfg wgtypes.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.configs = append(f.configs, cfg)
	return nil
}

func (f *fakeDeviceClient) Close() error { return nil }

func testWGConfig(t *testing.T) *config.Config {
	t.Helper()
	key, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return &config.Config{InterfaceName: "wg0", Port: 51820, PrivateKey: key.String(), CommandTimeout: time.Second}
}

func genKey(t *testing.T) wgtypes.Key {
	t.Helper()
	k, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return k.PublicKey()
}

func TestWGController_UpsertAndRemove(t *testing.T) {
	fc := &fakeDeviceClient{}
	c := newWGController(fc, testWGConfig(t), zerolog.Nop())
	ctx := context.Background()
	pub := genKey(t)

	require.NoError(t, c.UpsertPeer(ctx, PeerSpec{PublicKey: pub.String(), AllowedAddresses: []string{"10.0.0.6/32"}, KeepaliveSeconds: 25}))
	require.NoError(t, c.RemovePeer(ctx, pub.String()))

	require.Len(t, fc.configs, 2)
	upsert := fc.configs[0].Peers[0]
	assert.Equal(t, pub, upsert.PublicKey)
	assert.True(t, upsert.ReplaceAllowedIPs)
	assert.False(t, upsert.Remove)
	assert.Equal(t, "10.0.0.6/32", upsert.AllowedIPs[0].String())
	require.NotNil(t, upsert.PersistentKeepaliveInterval)
	assert.Equal(t, 25*time.Second, *upsert.PersistentKeepaliveInterval)
	assert.False(t, fc.configs[0].ReplacePeers)

	assert.True(t, fc.configs[1].Peers[0].Remove)
}

func TestWGController_InvalidKey(t *testing.T) {
	c := newWGController(&fakeDeviceClient{}, testWGConfig(t), zerolog.Nop())
	err := c.UpsertPeer(context.Background(), PeerSpec{PublicKey: "nope", AllowedAddresses: []string{"10.0.0.6/32"}})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestWGController_DeviceMissing(t *testing.T) {
	fc := &fakeDeviceClient{err: os.ErrNotExist}
	c := newWGController(fc, testWGConfig(t), zerolog.Nop())

	_, err := c.DumpPeers(context.Background())
	assert.ErrorIs(t, err, models.ErrInterfaceUnavailable)
	assert.ErrorIs(t, c.RemovePeer(context.Background(), genKey(t).String()), models.ErrInterfaceUnavailable)
}

func TestWGController_Timeout(t *testing.T) {
	fc := &fakeDeviceClient{block: make(chan struct{})}
	defer close(fc.block)
	cfg := testWGConfig(t)
	cfg.CommandTimeout = 20 * time.Millisecond
	c := newWGController(fc, cfg, zerolog.Nop())

	_, err := c.DumpPeers(context.Background())
	assert.ErrorIs(t, err, models.ErrInterfaceUnavailable)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
}

func TestWGController_AbandonedReadDoesNotLeak(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	fc := &fakeDeviceClient{block: make(chan struct{}), dev: &wgtypes.Device{PublicKey: priv.PublicKey()}}
	cfg := testWGConfig(t)
	cfg.CommandTimeout = 20 * time.Millisecond
	c := newWGController(fc, cfg, zerolog.Nop())

	key, err := c.LocalPublicKey(context.Background())
	require.ErrorIs(t, err, models.ErrInterfaceUnavailable)
	assert.Empty(t, key)

	// The abandoned read now completes while a fresh one runs.
	close(fc.block)
	require.Eventually(t, func() bool {
		key, err = c.LocalPublicKey(context.Background())
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, priv.PublicKey().String(), key)
}

func TestWGController_DumpPeers(t *testing.T) {
	serverKey, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	alice := genKey(t)
	bob := genKey(t)
	_, allowed, _ := net.ParseCIDR("10.0.0.6/32")
	hs := time.Unix(1714550400, 0)

	fc := &fakeDeviceClient{dev: &wgtypes.Device{
		PublicKey: serverKey.PublicKey(),
		Peers: []wgtypes.Peer{
			{
				PublicKey:                   alice,
				Endpoint:                    &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 51234},
				AllowedIPs:                  []net.IPNet{*allowed},
				LastHandshakeTime:           hs,
				ReceiveBytes:                1024,
				TransmitBytes:               2048,
				PersistentKeepaliveInterval: 25 * time.Second,
			},
			{PublicKey: bob},
		},
	}}
	c := newWGController(fc, testWGConfig(t), zerolog.Nop())

	snaps, err := c.DumpPeers(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, models.PeerSnapshot{
		PublicKey:          alice.String(),
		Endpoint:           "203.0.113.7:51234",
		AllowedRoutesRaw:   "10.0.0.6/32",
		LastHandshakeEpoch: "1714550400",
		RxBytes:            "1024",
		TxBytes:            "2048",
		KeepaliveSeconds:   "25",
	}, snaps[0])
	assert.Equal(t, "(none)", snaps[1].Endpoint)
	assert.Equal(t, "0", snaps[1].LastHandshakeEpoch)

	key, err := c.LocalPublicKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, serverKey.PublicKey().String(), key)
}

func TestWGController_ConfigureServer(t *testing.T) {
	fc := &fakeDeviceClient{}
	cfg := testWGConfig(t)
	c := newWGController(fc, cfg, zerolog.Nop())

	require.NoError(t, c.ConfigureServer(context.Background()))
	require.Len(t, fc.configs, 1)
	require.NotNil(t, fc.configs[0].ListenPort)
	assert.Equal(t, 51820, *fc.configs[0].ListenPort)
	assert.Equal(t, cfg.PrivateKey, fc.configs[0].PrivateKey.String())
}

func TestWGController_GeneratesAndPersistsServerKey(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	cfg := &config.Config{InterfaceName: "wg0", Port: 51820, CommandTimeout: time.Second, EnvFile: envFile}

	newWGController(&fakeDeviceClient{}, cfg, zerolog.Nop())

	require.NotEmpty(t, cfg.PrivateKey)
	_, err := wgtypes.ParseKey(cfg.PrivateKey)
	require.NoError(t, err)
	raw, err := os.ReadFile(envFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "WG_PRIVATE_KEY="+cfg.PrivateKey)
}
