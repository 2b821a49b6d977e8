package models

import (
	"strings"
	"time"
)

// Peer is one VPN client in the directory. Name, Address and PublicKey are
// each unique across the table.
type Peer struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	Name             string `gorm:"uniqueIndex;not null" json:"name"`
	Address          string `gorm:"uniqueIndex;not null" json:"address"`
	PublicKey        string `gorm:"uniqueIndex;not null" json:"public_key"`
	PrivateKey       string `gorm:"not null" json:"private_key,omitempty"`
	Enabled          bool   `gorm:"index;not null" json:"enabled"`
	AllowedRoutes    string `json:"allowed_routes"`
	EndpointOverride string `json:"endpoint_override"`
	DNSHint          string `json:"dns_hint"`
	KeepaliveSeconds int    `json:"keepalive_seconds"`
	Notes            string `json:"notes"`
	InterfaceName    string `json:"interface_name"`
	CreatedBy        string `gorm:"default:system" json:"created_by"`

	// Live statistics merged from the interface. Always empty while disabled.
	LastHandshakeAt  *time.Time `json:"last_handshake_at"`
	LastSeenAddr     *string    `json:"last_seen_addr"`
	RxBytes          int64      `gorm:"not null;default:0" json:"rx_bytes"`
	TxBytes          int64      `gorm:"not null;default:0" json:"tx_bytes"`
	LastConnectionAt *time.Time `json:"last_connection_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PeerView is the safe projection of a Peer: everything except the private key.
type PeerView struct {
	ID               uint       `json:"id"`
	Name             string     `json:"name"`
	Address          string     `json:"address"`
	PublicKey        string     `json:"public_key"`
	Enabled          bool       `json:"enabled"`
	AllowedRoutes    string     `json:"allowed_routes"`
	EndpointOverride string     `json:"endpoint_override"`
	DNSHint          string     `json:"dns_hint"`
	KeepaliveSeconds int        `json:"keepalive_seconds"`
	Notes            string     `json:"notes"`
	InterfaceName    string     `json:"interface_name"`
	CreatedBy        string     `json:"created_by"`
	LastHandshakeAt  *time.Time `json:"last_handshake_at"`
	LastSeenAddr     *string    `json:"last_seen_addr"`
	RxBytes          int64      `json:"rx_bytes"`
	TxBytes          int64      `json:"tx_bytes"`
	LastConnectionAt *time.Time `json:"last_connection_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (p *Peer) Safe() PeerView {
	return PeerView{
		ID:               p.ID,
		Name:             p.Name,
		Address:          p.Address,
		PublicKey:        p.PublicKey,
		Enabled:          p.Enabled,
		AllowedRoutes:    p.AllowedRoutes,
		EndpointOverride: p.EndpointOverride,
		DNSHint:          p.DNSHint,
		KeepaliveSeconds: p.KeepaliveSeconds,
		Notes:            p.Notes,
		InterfaceName:    p.InterfaceName,
		CreatedBy:        p.CreatedBy,
		LastHandshakeAt:  p.LastHandshakeAt,
		LastSeenAddr:     p.LastSeenAddr,
		RxBytes:          p.RxBytes,
		TxBytes:          p.TxBytes,
		LastConnectionAt: p.LastConnectionAt,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

// ClearStats resets every live statistics field.
func (p *Peer) ClearStats() {
	p.LastHandshakeAt = nil
	p.LastSeenAddr = nil
	p.RxBytes = 0
	p.TxBytes = 0
	p.LastConnectionAt = nil
}

func (p *Peer) HasStats() bool {
	return p.LastHandshakeAt != nil || p.LastSeenAddr != nil || p.RxBytes != 0 ||
		p.TxBytes != 0 || p.LastConnectionAt != nil
}

// ClearedStatsColumns is the column set written when statistics are wiped.
func ClearedStatsColumns() map[string]any {
	return map[string]any{
		"last_handshake_at":  nil,
		"last_seen_addr":     nil,
		"rx_bytes":           int64(0),
		"tx_bytes":           int64(0),
		"last_connection_at": nil,
	}
}

// NormalizeName is the canonical form names are stored and looked up in.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type Keypair struct {
	PublicKey  string
	PrivateKey string
}
