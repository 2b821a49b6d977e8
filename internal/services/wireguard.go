package services

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgkeeper/internal/config"
	"wgkeeper/internal/logging"
	"wgkeeper/internal/models"
)

// deviceClient is the subset of *wgctrl.Client the controller uses.
type deviceClient interface {
	Device(name string) (*wgtypes.Device, error)
	ConfigureDevice(name string, cfg wgtypes.Config) error
	Close() error
}

// WGController drives the interface over netlink through wgctrl.
type WGController struct {
	client  deviceClient
	cfg     *config.Config
	timeout time.Duration
	logger  zerolog.Logger
}

func NewWGController(cfg *config.Config, logger zerolog.Logger) (*WGController, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wgctrl: %w", err)
	}
	return newWGController(client, cfg, logger), nil
}

func newWGController(client deviceClient, cfg *config.Config, logger zerolog.Logger) *WGController {
	c := &WGController{
		client:  client,
		cfg:     cfg,
		timeout: cfg.CommandTimeout,
		logger:  logger.With().Str("component", "wgctrl").Logger(),
	}
	c.ensureServerKey()
	return c
}

// ensureServerKey generates the server private key on first start and
// appends it to the env file so restarts keep the same identity.
func (c *WGController) ensureServerKey() {
	if c.cfg.PrivateKey != "" {
		return
	}
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to generate server private key")
		return
	}
	c.cfg.PrivateKey = priv.String()
	c.logger.Info().Msg("generated initial server private key")

	if c.cfg.EnvFile == "" {
		return
	}
	f, err := os.OpenFile(c.cfg.EnvFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		c.logger.Warn().Err(err).Str("file", c.cfg.EnvFile).Msg("failed to persist server private key")
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "\nWG_PRIVATE_KEY=%s\n", c.cfg.PrivateKey); err != nil {
		c.logger.Warn().Err(err).Str("file", c.cfg.EnvFile).Msg("failed to persist server private key")
	}
}

func (c *WGController) Close() error {
	return c.client.Close()
}

// call runs fn with the configured timeout. wgctrl has no context support,
// so a stuck call is abandoned rather than cancelled.
func (c *WGController) call(ctx context.Context, op string, fn func() error) error {
	_, err := callValue(ctx, c, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// callValue is call for operations that return a value. The value travels
// with the error over the channel, so an abandoned call never writes to
// memory the caller still reads.
func callValue[T any](ctx context.Context, c *WGController, op string, fn func() (T, error)) (T, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil {
			return zero, fmt.Errorf("%w: %s on %s: %v", models.ErrInterfaceUnavailable, op, c.cfg.InterfaceName, r.err)
		}
		return r.v, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %s on %s: %v", models.ErrInterfaceUnavailable, op, c.cfg.InterfaceName, ctx.Err())
	}
}

// ConfigureServer applies the server private key and listen port without
// touching the peer list.
func (c *WGController) ConfigureServer(ctx context.Context) error {
	privKey, err := wgtypes.ParseKey(c.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("parse server private key: %w", err)
	}
	port := c.cfg.Port
	return c.call(ctx, "configure server", func() error {
		return c.client.ConfigureDevice(c.cfg.InterfaceName, wgtypes.Config{
			PrivateKey: &privKey,
			ListenPort: &port,
		})
	})
}

func (c *WGController) UpsertPeer(ctx context.Context, spec PeerSpec) error {
	pubKey, err := wgtypes.ParseKey(spec.PublicKey)
	if err != nil {
		return models.Invalid("public_key", "%v", err)
	}
	allowed := make([]net.IPNet, 0, len(spec.AllowedAddresses))
	for _, a := range spec.AllowedAddresses {
		_, ipNet, err := net.ParseCIDR(a)
		if err != nil {
			return models.Invalid("address", "%q: %v", a, err)
		}
		allowed = append(allowed, *ipNet)
	}
	keepalive := time.Duration(spec.KeepaliveSeconds) * time.Second

	err = c.call(ctx, "upsert peer", func() error {
		return c.client.ConfigureDevice(c.cfg.InterfaceName, wgtypes.Config{
			Peers: []wgtypes.PeerConfig{{
				PublicKey:                   pubKey,
				ReplaceAllowedIPs:           true,
				AllowedIPs:                  allowed,
				PersistentKeepaliveInterval: &keepalive,
			}},
		})
	})
	if err != nil {
		return err
	}
	c.logger.Debug().Str("public_key", logging.ShortKey(spec.PublicKey)).Strs("allowed_ips", spec.AllowedAddresses).Msg("peer upserted")
	return nil
}

func (c *WGController) RemovePeer(ctx context.Context, publicKey string) error {
	pubKey, err := wgtypes.ParseKey(publicKey)
	if err != nil {
		return models.Invalid("public_key", "%v", err)
	}
	err = c.call(ctx, "remove peer", func() error {
		return c.client.ConfigureDevice(c.cfg.InterfaceName, wgtypes.Config{
			Peers: []wgtypes.PeerConfig{{PublicKey: pubKey, Remove: true}},
		})
	})
	if err != nil {
		return err
	}
	c.logger.Debug().Str("public_key", logging.ShortKey(publicKey)).Msg("peer removed")
	return nil
}

func (c *WGController) device(ctx context.Context) (*wgtypes.Device, error) {
	return callValue(ctx, c, "read device", func() (*wgtypes.Device, error) {
		return c.client.Device(c.cfg.InterfaceName)
	})
}

func (c *WGController) DumpPeers(ctx context.Context) ([]models.PeerSnapshot, error) {
	dev, err := c.device(ctx)
	if err != nil {
		return nil, err
	}
	snaps := make([]models.PeerSnapshot, 0, len(dev.Peers))
	for _, p := range dev.Peers {
		snaps = append(snaps, snapshotOf(p))
	}
	return snaps, nil
}

func (c *WGController) LocalPublicKey(ctx context.Context) (string, error) {
	dev, err := c.device(ctx)
	if err != nil {
		return "", err
	}
	return dev.PublicKey.String(), nil
}

// snapshotOf renders a wgctrl peer in the same raw form `wg show dump` uses.
func snapshotOf(p wgtypes.Peer) models.PeerSnapshot {
	endpoint := "(none)"
	if p.Endpoint != nil {
		endpoint = p.Endpoint.String()
	}
	handshake := "0"
	if !p.LastHandshakeTime.IsZero() {
		handshake = strconv.FormatInt(p.LastHandshakeTime.Unix(), 10)
	}
	allowed := make([]string, 0, len(p.AllowedIPs))
	for _, n := range p.AllowedIPs {
		allowed = append(allowed, n.String())
	}
	return models.PeerSnapshot{
		PublicKey:          p.PublicKey.String(),
		Endpoint:           endpoint,
		AllowedRoutesRaw:   strings.Join(allowed, ","),
		LastHandshakeEpoch: handshake,
		RxBytes:            strconv.FormatInt(p.ReceiveBytes, 10),
		TxBytes:            strconv.FormatInt(p.TransmitBytes, 10),
		KeepaliveSeconds:   strconv.Itoa(int(p.PersistentKeepaliveInterval / time.Second)),
	}
}
