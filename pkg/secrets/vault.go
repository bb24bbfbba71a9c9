// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"context"
	"fmt"
	"os"
	"path"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig configures the Vault KV v2 secret store
type VaultConfig struct {
	Address   string `mapstructure:"vault_addr"`
	Token     string `mapstructure:"vault_token"`
	MountPath string `mapstructure:"vault_mount"`
	Namespace string `mapstructure:"vault_namespace"`
}

// Vault keeps each entity's fields in one KV v2 secret at <mount>/data/<entity>/<id>
type Vault struct {
	client    *vault.Client
	mountPath string
}

// NewVault creates a Vault-backed store. The token falls back to VAULT_TOKEN.
func NewVault(cfg VaultConfig) (*Vault, error) {
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}

	vaultCfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vaultCfg.Address = cfg.Address
	}
	// Retries are left to the caller
	vaultCfg.MaxRetries = 0

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token != "" {
		client.SetToken(token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	return &Vault{client: client, mountPath: cfg.MountPath}, nil
}

func (v *Vault) dataPath(entity, id string) string {
	return path.Join(v.mountPath, "data", entity, id)
}

func (v *Vault) read(ctx context.Context, entity, id string) (map[string]any, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.dataPath(entity, id))
	if err != nil {
		return nil, fmt.Errorf("vault read %s/%s: %w", entity, id, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	data, _ := secret.Data["data"].(map[string]any)
	return data, nil
}

func (v *Vault) Get(ctx context.Context, entity, id, field string) (string, error) {
	data, err := v.read(ctx, entity, id)
	if err != nil {
		return "", err
	}
	s, _ := data[field].(string)
	return s, nil
}

// Set merges field into the entity's secret, writing a new KV version
func (v *Vault) Set(ctx context.Context, entity, id, field, value string) error {
	data, err := v.read(ctx, entity, id)
	if err != nil {
		return err
	}
	if data == nil {
		data = make(map[string]any)
	}
	data[field] = value

	_, err = v.client.Logical().WriteWithContext(ctx, v.dataPath(entity, id), map[string]any{
		"data": data,
	})
	if err != nil {
		return fmt.Errorf("vault write %s/%s: %w", entity, id, err)
	}
	return nil
}

// Delete removes all versions of the entity's secret
func (v *Vault) Delete(ctx context.Context, entity, id string) error {
	_, err := v.client.Logical().DeleteWithContext(ctx, path.Join(v.mountPath, "metadata", entity, id))
	if err != nil {
		return fmt.Errorf("vault delete %s/%s: %w", entity, id, err)
	}
	return nil
}

var _ Store = (*Vault)(nil)
