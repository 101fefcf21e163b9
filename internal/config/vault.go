package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/vault/api"
)

// SecretManager wraps the Vault API client for reading secrets.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager creates a Vault client pointed at the given address and
// authenticated with the provided token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client initialization failed: %w", err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetKV2 reads a KV v2 secret and returns the inner "data" map, unwrapping
// the v2 envelope automatically.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret at %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no data found at %s", path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected data format at %s", path)
	}
	return data, nil
}

// ApplyVaultSecrets overlays broker and object-store credentials from Vault
// onto cfg when VAULT_ADDR is set in the environment. Absent keys leave the
// environment-derived values untouched.
func ApplyVaultSecrets(cfg *Config) error {
	addr := os.Getenv("VAULT_ADDR")
	if addr == "" {
		return nil
	}
	token := os.Getenv("VAULT_TOKEN")
	path := os.Getenv("VAULT_SECRET_PATH")
	if path == "" {
		path = "secret/data/pdf/processing"
	}

	manager, err := NewSecretManager(addr, token)
	if err != nil {
		return err
	}
	secrets, err := manager.GetKV2(path)
	if err != nil {
		return err
	}

	if v, ok := secrets["NATS_TOKEN"].(string); ok {
		cfg.NATS.Token = v
	}
	if v, ok := secrets["AWS_ACCESS_KEY_ID"].(string); ok {
		cfg.S3.AccessKeyID = v
	}
	if v, ok := secrets["AWS_SECRET_ACCESS_KEY"].(string); ok {
		cfg.S3.SecretAccessKey = v
	}
	return nil
}
