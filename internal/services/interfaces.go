package services

import (
	"context"

	"wgkeeper/internal/models"
)

// PeerSpec is what the live interface needs to know about one peer.
type PeerSpec struct {
	PublicKey        string
	AllowedAddresses []string
	KeepaliveSeconds int
}

// InterfaceController is the control surface of the live tunnel interface.
// UpsertPeer is add-or-replace and RemovePeer is remove-if-present, so
// concurrent callers converge. Every method may fail with
// models.ErrInterfaceUnavailable.
type InterfaceController interface {
	UpsertPeer(ctx context.Context, spec PeerSpec) error
	RemovePeer(ctx context.Context, publicKey string) error
	DumpPeers(ctx context.Context) ([]models.PeerSnapshot, error)
	LocalPublicKey(ctx context.Context) (string, error)
}

// KeyProvisioner produces fresh keypairs. Failures wrap models.ErrProvision.
type KeyProvisioner interface {
	GenerateKeypair(ctx context.Context) (models.Keypair, error)
}

// Directory is the persistent peer store. Implemented by database.Store.
type Directory interface {
	Ready(ctx context.Context) error
	Create(ctx context.Context, p *models.Peer) error
	GetByName(ctx context.Context, name string) (*models.Peer, error)
	List(ctx context.Context) ([]models.Peer, error)
	UsedAddresses(ctx context.Context) ([]string, error)
	UpdateFields(ctx context.Context, name string, cols map[string]any) (*models.Peer, error)
	UpdateStats(ctx context.Context, name string, patch models.StatsPatch) (bool, error)
	ClearStats(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

func specFor(p *models.Peer) PeerSpec {
	return PeerSpec{
		PublicKey:        p.PublicKey,
		AllowedAddresses: []string{p.Address},
		KeepaliveSeconds: p.KeepaliveSeconds,
	}
}
