package secrets

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultProvider resolves secrets from a HashiCorp Vault KV v2 mount. Each
// key maps to one secret holding its value under the "value" field.
type VaultProvider struct {
	client *vault.Client
	mount  string
	base   string
}

// NewVaultProvider connects to Vault. The configured path selects the KV
// mount and the base path under it, e.g. "secret/data/mailroom" reads
// from the "secret" mount under "mailroom/".
func NewVaultProvider(cfg *Config) (*VaultProvider, error) {
	if cfg.VaultAddr == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderError)
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.VaultAddr

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if cfg.VaultToken != "" {
		client.SetToken(cfg.VaultToken)
	}
	if cfg.VaultNamespace != "" {
		client.SetNamespace(cfg.VaultNamespace)
	}

	mount, base := splitVaultPath(cfg.VaultPath)
	return &VaultProvider{
		client: client,
		mount:  mount,
		base:   base,
	}, nil
}

// splitVaultPath turns a KV v2 API path into the mount name and the data
// path under it. The "data/" segment the HTTP API inserts is dropped,
// since the KVv2 client re-adds it.
func splitVaultPath(path string) (mount, base string) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "secret", "mailroom"
	}

	parts := strings.SplitN(path, "/", 2)
	mount = parts[0]
	if len(parts) == 1 {
		return mount, ""
	}
	base = strings.TrimPrefix(parts[1], "data/")
	return mount, base
}

func (p *VaultProvider) Get(ctx context.Context, key string) (string, error) {
	secretPath := key
	if p.base != "" {
		secretPath = p.base + "/" + key
	}

	secret, err := p.client.KVv2(p.mount).Get(ctx, secretPath)
	if err != nil {
		if strings.Contains(err.Error(), "secret not found") {
			return "", ErrSecretNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrProviderError, err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}

	if value, ok := secret.Data["value"].(string); ok {
		return value, nil
	}
	return "", ErrSecretNotFound
}

func (p *VaultProvider) Name() string {
	return "vault"
}
