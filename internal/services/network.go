package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-iptables/iptables"
	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"

	"wgkeeper/internal/config"
)

// NetworkService prepares the host side of the tunnel: the interface link,
// its address, forwarding and NAT for the peer pool.
type NetworkService struct {
	cfg    *config.Config
	runner Runner
	logger zerolog.Logger
}

func NewNetworkService(cfg *config.Config, runner Runner, logger zerolog.Logger) *NetworkService {
	return &NetworkService{
		cfg:    cfg,
		runner: runner,
		logger: logger.With().Str("component", "network").Logger(),
	}
}

// SetupInterface creates the wireguard link if it is missing, assigns the
// server address and brings it up. An existing link is reused so live
// peers survive a restart.
func (s *NetworkService) SetupInterface() error {
	linkName := s.cfg.InterfaceName

	link, err := netlink.LinkByName(linkName)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("lookup interface %s: %w", linkName, err)
		}
		la := netlink.NewLinkAttrs()
		la.Name = linkName
		link = &netlink.GenericLink{LinkAttrs: la, LinkType: "wireguard"}
		if err := netlink.LinkAdd(link); err != nil {
			return fmt.Errorf("add wireguard interface %s: %w", linkName, err)
		}
		s.logger.Info().Msg("wireguard interface created")
	}

	addr, err := netlink.ParseAddr(s.cfg.Address)
	if err != nil {
		return fmt.Errorf("invalid address %s: %w", s.cfg.Address, err)
	}
	existing, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("list addresses on %s: %w", linkName, err)
	}
	if !hasAddr(existing, addr) {
		if err := netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("add address to %s: %w", linkName, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", linkName, err)
	}

	s.logger.Info().Str("address", s.cfg.Address).Msg("interface initialized")
	return nil
}

func hasAddr(list []netlink.Addr, want *netlink.Addr) bool {
	for _, a := range list {
		if a.Equal(*want) {
			return true
		}
	}
	return false
}

type firewallRule struct {
	table string
	chain string
	spec  []string
}

func (s *NetworkService) firewallRules() []firewallRule {
	return []firewallRule{
		{"nat", "POSTROUTING", []string{"-s", s.cfg.Pool, "-j", "MASQUERADE"}},
		{"filter", "FORWARD", []string{"-i", s.cfg.InterfaceName, "-j", "ACCEPT"}},
		{"filter", "FORWARD", []string{"-o", s.cfg.InterfaceName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"}},
	}
}

// SetupFirewall enables IPv4 forwarding and installs NAT for the pool.
// Rules are appended only when absent.
func (s *NetworkService) SetupFirewall(ctx context.Context) error {
	if _, err := s.runner.Run(ctx, nil, "sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		s.logger.Warn().Err(err).Msg("failed to enable IP forwarding")
	}

	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("open iptables: %w", err)
	}
	for _, r := range s.firewallRules() {
		if err := ipt.AppendUnique(r.table, r.chain, r.spec...); err != nil {
			return fmt.Errorf("append %s/%s rule: %w", r.table, r.chain, err)
		}
	}

	s.logger.Info().Str("pool", s.cfg.Pool).Msg("firewall rules (NAT) applied")
	return nil
}
