package config

import (
	"context"
	"fmt"
	"os"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// VaultConfig holds HashiCorp Vault connection settings
type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`       // falls back to VAULT_TOKEN
	AuthMethod string `mapstructure:"auth_method"` // token, approle
	MountPath  string `mapstructure:"mount_path"`
	SecretPath string `mapstructure:"secret_path"`
	Namespace  string `mapstructure:"namespace"`
}

// SecretReader reads a KV secret relative to the configured secret path
type SecretReader interface {
	GetSecret(ctx context.Context, path string) (map[string]interface{}, error)
}

// VaultClient wraps HashiCorp Vault client for secrets management
type VaultClient struct {
	client *vault.Client
	config VaultConfig
}

// NewVaultClient creates a new Vault client from configuration
func NewVaultClient(cfg VaultConfig) (*VaultClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	switch cfg.AuthMethod {
	case "token", "":
		if cfg.Token == "" {
			cfg.Token = os.Getenv("VAULT_TOKEN")
		}
		if cfg.Token == "" {
			return nil, fmt.Errorf("VAULT_TOKEN not set for token authentication")
		}
		client.SetToken(cfg.Token)

	case "approle":
		if err := authenticateAppRole(client); err != nil {
			return nil, fmt.Errorf("AppRole authentication failed: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported Vault auth method: %s", cfg.AuthMethod)
	}

	log.Info().
		Str("address", cfg.Address).
		Str("auth_method", cfg.AuthMethod).
		Str("secret_path", cfg.SecretPath).
		Msg("Vault client initialized")

	return &VaultClient{client: client, config: cfg}, nil
}

// GetSecret retrieves a secret from Vault. KV v2 payloads are unwrapped.
func (vc *VaultClient) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s/%s", vc.config.MountPath, vc.config.SecretPath, path)

	secret, err := vc.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from Vault: %w", err)
	}
	if secret == nil {
		return nil, fmt.Errorf("secret not found at path: %s", fullPath)
	}

	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		return data, nil
	}
	return secret.Data, nil
}

// LoadSecretsFromVault fills database, redis and telegram secrets from Vault.
// Missing paths are logged and skipped so env vars keep working.
func LoadSecretsFromVault(ctx context.Context, cfg *Config) error {
	if !cfg.Vault.Enabled {
		log.Info().Msg("Vault integration disabled - using environment variables for secrets")
		return nil
	}

	vc, err := NewVaultClient(cfg.Vault)
	if err != nil {
		return fmt.Errorf("failed to create Vault client: %w", err)
	}

	applySecrets(ctx, vc, cfg)
	return nil
}

func applySecrets(ctx context.Context, sr SecretReader, cfg *Config) {
	if secrets, err := sr.GetSecret(ctx, "database"); err != nil {
		log.Warn().Err(err).Msg("Failed to load database secrets from Vault")
	} else {
		if password, ok := secrets["password"].(string); ok && password != "" {
			cfg.Database.Password = password
		}
		if user, ok := secrets["user"].(string); ok && user != "" {
			cfg.Database.User = user
		}
	}

	if secrets, err := sr.GetSecret(ctx, "redis"); err != nil {
		log.Warn().Err(err).Msg("Failed to load Redis secrets from Vault")
	} else if password, ok := secrets["password"].(string); ok && password != "" {
		cfg.Redis.Password = password
	}

	if secrets, err := sr.GetSecret(ctx, "telegram"); err != nil {
		log.Debug().Err(err).Msg("No telegram secrets in Vault")
	} else if token, ok := secrets["bot_token"].(string); ok && token != "" {
		cfg.Telegram.BotToken = token
	}
}

// authenticateAppRole performs AppRole authentication
func authenticateAppRole(client *vault.Client) error {
	roleID := os.Getenv("VAULT_ROLE_ID")
	secretID := os.Getenv("VAULT_SECRET_ID")

	if roleID == "" || secretID == "" {
		return fmt.Errorf("VAULT_ROLE_ID and VAULT_SECRET_ID must be set for AppRole authentication")
	}

	secret, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return fmt.Errorf("failed to login with AppRole: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("AppRole authentication returned no token")
	}

	client.SetToken(secret.Auth.ClientToken)
	return nil
}
