package services

import (
	"context"
	"fmt"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wgkeeper/internal/models"
)

// WGKeyProvisioner generates Curve25519 keypairs in-process.
type WGKeyProvisioner struct{}

func (WGKeyProvisioner) GenerateKeypair(ctx context.Context) (models.Keypair, error) {
	if err := ctx.Err(); err != nil {
		return models.Keypair{}, fmt.Errorf("%w: %v", models.ErrProvision, err)
	}
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return models.Keypair{}, fmt.Errorf("%w: generate private key: %v", models.ErrProvision, err)
	}
	return models.Keypair{PublicKey: priv.PublicKey().String(), PrivateKey: priv.String()}, nil
}

// CLIKeyProvisioner shells out to `wg genkey` and `wg pubkey`.
type CLIKeyProvisioner struct {
	runner Runner
}

func NewCLIKeyProvisioner(r Runner) *CLIKeyProvisioner {
	return &CLIKeyProvisioner{runner: r}
}

func (p *CLIKeyProvisioner) GenerateKeypair(ctx context.Context) (models.Keypair, error) {
	priv, err := p.runner.Run(ctx, nil, "wg", "genkey")
	if err != nil {
		return models.Keypair{}, fmt.Errorf("%w: %v", models.ErrProvision, err)
	}
	pub, err := p.runner.Run(ctx, strings.NewReader(priv+"\n"), "wg", "pubkey")
	if err != nil {
		return models.Keypair{}, fmt.Errorf("%w: %v", models.ErrProvision, err)
	}
	if err := ValidatePublicKey(pub); err != nil {
		return models.Keypair{}, fmt.Errorf("%w: wg pubkey returned %q", models.ErrProvision, pub)
	}
	return models.Keypair{PublicKey: pub, PrivateKey: priv}, nil
}

// ValidatePublicKey reports whether key is a base64 encoded 32-byte key.
func ValidatePublicKey(key string) error {
	if _, err := wgtypes.ParseKey(key); err != nil {
		return models.Invalid("public_key", "%v", err)
	}
	return nil
}
