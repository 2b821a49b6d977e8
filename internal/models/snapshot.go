package models

import "time"

// PeerSnapshot is one peer as reported by the live interface. Fields are kept
// raw; they are parsed and validated before anything is merged into a Peer.
type PeerSnapshot struct {
	PublicKey          string
	Endpoint           string
	AllowedRoutesRaw   string
	LastHandshakeEpoch string
	RxBytes            string
	TxBytes            string
	KeepaliveSeconds   string
}

// StatsPatch holds the statistics fields that parsed successfully in one
// cycle. Nil pointers are left untouched in the store.
type StatsPatch struct {
	LastHandshakeAt  *time.Time
	LastSeenAddr     *string
	RxBytes          int64
	TxBytes          int64
	LastConnectionAt *time.Time
}

func (s StatsPatch) Columns() map[string]any {
	cols := map[string]any{
		"rx_bytes": s.RxBytes,
		"tx_bytes": s.TxBytes,
	}
	if s.LastHandshakeAt != nil {
		cols["last_handshake_at"] = *s.LastHandshakeAt
	}
	if s.LastSeenAddr != nil {
		cols["last_seen_addr"] = *s.LastSeenAddr
	}
	if s.LastConnectionAt != nil {
		cols["last_connection_at"] = *s.LastConnectionAt
	}
	return cols
}
