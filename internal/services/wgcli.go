package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"wgkeeper/internal/logging"
	"wgkeeper/internal/models"
)

// CLIController drives the interface through the wg tool.
type CLIController struct {
	iface  string
	runner Runner
	logger zerolog.Logger
}

func NewCLIController(iface string, r Runner, logger zerolog.Logger) *CLIController {
	return &CLIController{
		iface:  iface,
		runner: r,
		logger: logger.With().Str("component", "wg-cli").Logger(),
	}
}

func (c *CLIController) UpsertPeer(ctx context.Context, spec PeerSpec) error {
	args := []string{"set", c.iface, "peer", spec.PublicKey,
		"allowed-ips", strings.Join(spec.AllowedAddresses, ","),
		"persistent-keepalive", strconv.Itoa(spec.KeepaliveSeconds),
	}
	if _, err := c.runner.Run(ctx, nil, "wg", args...); err != nil {
		return fmt.Errorf("%w: wg set peer %s: %v", models.ErrInterfaceUnavailable, logging.ShortKey(spec.PublicKey), err)
	}
	c.logger.Debug().Str("public_key", logging.ShortKey(spec.PublicKey)).Strs("allowed_ips", spec.AllowedAddresses).Msg("peer upserted")
	return nil
}

func (c *CLIController) RemovePeer(ctx context.Context, publicKey string) error {
	if _, err := c.runner.Run(ctx, nil, "wg", "set", c.iface, "peer", publicKey, "remove"); err != nil {
		return fmt.Errorf("%w: wg remove peer %s: %v", models.ErrInterfaceUnavailable, logging.ShortKey(publicKey), err)
	}
	c.logger.Debug().Str("public_key", logging.ShortKey(publicKey)).Msg("peer removed")
	return nil
}

func (c *CLIController) DumpPeers(ctx context.Context) ([]models.PeerSnapshot, error) {
	out, err := c.runner.Run(ctx, nil, "wg", "show", c.iface, "dump")
	if err != nil {
		return nil, fmt.Errorf("%w: wg show %s dump: %v", models.ErrInterfaceUnavailable, c.iface, err)
	}
	return ParseDump(out), nil
}

func (c *CLIController) LocalPublicKey(ctx context.Context) (string, error) {
	out, err := c.runner.Run(ctx, nil, "wg", "show", c.iface, "public-key")
	if err != nil {
		return "", fmt.Errorf("%w: wg show %s public-key: %v", models.ErrInterfaceUnavailable, c.iface, err)
	}
	return out, nil
}

// ParseDump parses `wg show <iface> dump` output. The first line describes
// the interface itself; every following line is one peer:
//
//	public-key preshared-key endpoint allowed-ips latest-handshake rx tx keepalive
func ParseDump(dump string) []models.PeerSnapshot {
	lines := strings.Split(strings.TrimSpace(dump), "\n")
	if len(lines) < 2 {
		return nil
	}

	var peers []models.PeerSnapshot
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 8 || fields[0] == "" {
			continue
		}
		peers = append(peers, models.PeerSnapshot{
			PublicKey:          fields[0],
			Endpoint:           fields[2],
			AllowedRoutesRaw:   fields[3],
			LastHandshakeEpoch: fields[4],
			RxBytes:            fields[5],
			TxBytes:            fields[6],
			KeepaliveSeconds:   fields[7],
		})
	}
	return peers
}
