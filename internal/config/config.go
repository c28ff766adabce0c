// Package config loads the tunables that govern the bridge core's key
// lifecycle and storage location, following the layered .env loading
// and Vault-backed secret custody conventions this codebase has always
// used for its other secrets.
package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/joho/godotenv"
)

// Default lifecycle constants, see the Key Manager component.
const (
	DefaultMinPreKeyCount     = 50
	DefaultReplenishCount     = 100
	DefaultBootstrapPreKeys   = 10
	DefaultRotationInterval   = 7 * 24 * time.Hour
	DefaultGracePeriod        = 7 * 24 * time.Hour
	DefaultSignedPreKeyExpiry = 30 * 24 * time.Hour
	DefaultMinSchemaVersion   = 1
	CurrentSchemaVersion      = 1
)

// Config holds the tunables for a single bridge instance.
type Config struct {
	DBPath string

	MinPreKeyCount     uint32
	ReplenishCount     uint32
	BootstrapPreKeys   uint32
	RotationInterval   time.Duration
	GracePeriod        time.Duration
	SignedPreKeyExpiry time.Duration
	MinSchemaVersion   int

	VaultAddr       string
	VaultToken      string
	VaultMountPath  string
	VaultSecretPath string
}

// loadEnvFiles loads environment files in the correct order, same
// layering as the rest of this codebase: base -> environment-specific
// -> local overrides. Missing files are not an error.
func loadEnvFiles() {
	_ = godotenv.Load()
	if env := os.Getenv("BRIDGE_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load(".env.local")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvUint(key string, fallback uint32) uint32 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		log.Printf("Warning: invalid value for %s=%q, using default %d: %v", key, v, fallback, err)
		return fallback
	}
	return uint32(n)
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Warning: invalid duration for %s=%q, using default %s: %v", key, v, fallback, err)
		return fallback
	}
	return d
}

// Load reads bridge configuration from the environment, applying the
// same defaults documented in the Key Manager contract.
func Load() *Config {
	loadEnvFiles()

	return &Config{
		DBPath:             getEnv("BRIDGE_DB_PATH", "radix-bridge.db"),
		MinPreKeyCount:     getEnvUint("BRIDGE_MIN_PREKEY_COUNT", DefaultMinPreKeyCount),
		ReplenishCount:     getEnvUint("BRIDGE_REPLENISH_COUNT", DefaultReplenishCount),
		BootstrapPreKeys:   getEnvUint("BRIDGE_BOOTSTRAP_PREKEYS", DefaultBootstrapPreKeys),
		RotationInterval:   getEnvDuration("BRIDGE_ROTATION_INTERVAL", DefaultRotationInterval),
		GracePeriod:        getEnvDuration("BRIDGE_GRACE_PERIOD", DefaultGracePeriod),
		SignedPreKeyExpiry: getEnvDuration("BRIDGE_SIGNED_PREKEY_EXPIRY", DefaultSignedPreKeyExpiry),
		MinSchemaVersion:   DefaultMinSchemaVersion,
		VaultAddr:          os.Getenv("VAULT_ADDR"),
		VaultToken:         os.Getenv("VAULT_TOKEN"),
		VaultMountPath:     getEnv("VAULT_MOUNT_PATH", "secret"),
		VaultSecretPath:    getEnv("VAULT_SECRET_PATH", "radix-bridge"),
	}
}

// VaultKeyCustodian stores and retrieves the durable store's
// database-encryption key from HashiCorp Vault instead of the sibling
// key file on disk. It is an optional alternative key custodian; a
// bridge configured without Vault credentials uses the local key file
// and never touches this type.
type VaultKeyCustodian struct {
	client     *api.Client
	mountPath  string
	secretPath string
	logger     *log.Logger
}

// NewVaultKeyCustodian connects to Vault using the given config. It
// returns an error if Vault is unreachable so the caller can decide
// whether to fall back to the local key file.
func NewVaultKeyCustodian(cfg *Config) (*VaultKeyCustodian, error) {
	if cfg.VaultAddr == "" || cfg.VaultToken == "" {
		return nil, fmt.Errorf("vault address and token are required")
	}

	vc := &api.Config{Address: cfg.VaultAddr}
	client, err := api.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(cfg.VaultToken)

	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to Vault: %w", err)
	}

	return &VaultKeyCustodian{
		client:     client,
		mountPath:  cfg.VaultMountPath,
		secretPath: cfg.VaultSecretPath,
		logger:     log.New(os.Stdout, "[VAULT-KEY-CUSTODIAN] ", log.Ldate|log.Ltime|log.LUTC),
	}, nil
}

// GetOrCreateDatabaseKey retrieves the 256-bit database encryption key
// stored at dbID's secret path, generating and storing a new one if
// none exists yet. This mirrors the sibling-key-file semantics of the
// local custodian: first open generates the key, later opens retrieve
// it.
func (v *VaultKeyCustodian) GetOrCreateDatabaseKey(ctx context.Context, dbID string, generate func() ([]byte, error)) ([]byte, error) {
	kv := v.client.KVv2(v.mountPath)

	secret, err := kv.Get(ctx, v.secretPath+"/"+dbID)
	if err == nil && secret != nil && secret.Data != nil {
		if encoded, ok := secret.Data["key"].(string); ok && encoded != "" {
			return decodeHexKey(encoded)
		}
	}

	v.logger.Printf("No database key found at %s/%s, generating a new one", v.secretPath, dbID)
	key, err := generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate database key: %w", err)
	}

	_, err = kv.Put(ctx, v.secretPath+"/"+dbID, map[string]interface{}{
		"key": encodeHexKey(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store database key in Vault: %w", err)
	}
	return key, nil
}

func encodeHexKey(key []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(key)*2)
	for i, b := range key {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}

func decodeHexKey(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("invalid hex key length: %d", len(s))
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex character: %q", c)
	}
}
