package keys

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/sirupsen/logrus"

	"github.com/PlainFunction/vaultquery/internal/common/config"
	"github.com/PlainFunction/vaultquery/internal/common/logger"
	"github.com/PlainFunction/vaultquery/internal/common/paillier"
)

// Provider yields the decryption authority's private key.
type Provider interface {
	PrivateKey(ctx context.Context) (*paillier.PrivateKey, error)
	Close() error
}

// NewProvider builds the provider named by KEY_PROVIDER.
func NewProvider(cfg *config.Config) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.KeyProvider {
	case "vault":
		p, err = NewVaultProvider(VaultConfig{
			Address:   cfg.VaultAddress,
			Token:     cfg.VaultToken,
			MountPath: cfg.VaultMountPath,
			DataPath:  cfg.VaultDataPath,
			KEKBase64: cfg.KEKBase64,
			Generate:  cfg.VaultGenerateKey,
			KeyBits:   cfg.KeyBits,
		})
	case "static":
		p, err = NewStaticProvider(cfg.KEKBase64, cfg.SealedPrivateKey)
	case "ephemeral", "":
		if cfg.Environment == "production" {
			logger.WithComponent("KeyProvider").Warn("⚠️  ephemeral key in production: ciphertexts will not survive a restart")
		}
		p, err = NewEphemeralProvider(cfg.KeyBits)
	default:
		return nil, fmt.Errorf("unknown key provider %q", cfg.KeyProvider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// StaticProvider unseals a key handed over through configuration.
type StaticProvider struct {
	kek    []byte
	sealed []byte
}

func NewStaticProvider(kekBase64, sealedBase64 string) (*StaticProvider, error) {
	kek, err := DecodeKEK(kekBase64)
	if err != nil {
		return nil, err
	}
	if sealedBase64 == "" {
		return nil, errors.New("SEALED_PRIVATE_KEY environment variable is required")
	}
	sealed, err := base64.StdEncoding.DecodeString(sealedBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode SEALED_PRIVATE_KEY: %w", err)
	}

	logger.WithComponent("KeyProvider").Info("static sealed key loaded from environment")
	return &StaticProvider{kek: kek, sealed: sealed}, nil
}

func (p *StaticProvider) PrivateKey(context.Context) (*paillier.PrivateKey, error) {
	return Open(p.kek, p.sealed)
}

func (p *StaticProvider) Close() error {
	return nil
}

// EphemeralProvider generates a fresh key per process. Ciphertexts do not
// survive a restart, so it is meant for development.
type EphemeralProvider struct {
	key *paillier.PrivateKey
}

func NewEphemeralProvider(bits int) (*EphemeralProvider, error) {
	sk, err := paillier.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	logger.WithComponent("KeyProvider").WithField("key_id", sk.KeyID()).Warn("using ephemeral private key")
	return &EphemeralProvider{key: sk}, nil
}

func (p *EphemeralProvider) PrivateKey(context.Context) (*paillier.PrivateKey, error) {
	return p.key, nil
}

func (p *EphemeralProvider) Close() error {
	return nil
}

// VaultConfig locates the sealed key in a KV v2 secrets engine.
type VaultConfig struct {
	Address   string
	Token     string
	MountPath string
	DataPath  string
	KEKBase64 string
	// Generate writes a fresh sealed key when none exists yet.
	Generate bool
	KeyBits  int
}

// VaultProvider keeps the sealed key in Vault. Vault never sees the key in
// the clear.
type VaultProvider struct {
	client    *api.Client
	mountPath string
	dataPath  string
	kek       []byte
	generate  bool
	keyBits   int
	log       *logrus.Entry
}

func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	kek, err := DecodeKEK(cfg.KEKBase64)
	if err != nil {
		return nil, err
	}

	config := api.DefaultConfig()
	config.Address = cfg.Address
	config.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	return &VaultProvider{
		client:    client,
		mountPath: strings.Trim(cfg.MountPath, "/"),
		dataPath:  strings.Trim(cfg.DataPath, "/"),
		kek:       kek,
		generate:  cfg.Generate,
		keyBits:   cfg.KeyBits,
		log: logger.WithComponent("KeyProvider").WithFields(logrus.Fields{
			"backend": "vault",
			"path":    cfg.MountPath + "/" + cfg.DataPath,
		}),
	}, nil
}

func (p *VaultProvider) path() string {
	return fmt.Sprintf("%s/data/%s", p.mountPath, p.dataPath)
}

func (p *VaultProvider) PrivateKey(ctx context.Context) (*paillier.PrivateKey, error) {
	sealed, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if sealed != nil {
		sk, err := Open(p.kek, sealed)
		if err != nil {
			return nil, err
		}
		p.log.WithField("key_id", sk.KeyID()).Info("private key loaded from vault")
		return sk, nil
	}

	if !p.generate {
		return nil, fmt.Errorf("no private key stored at %s", p.path())
	}

	sk, err := paillier.GenerateKey(rand.Reader, p.keyBits)
	if err != nil {
		return nil, err
	}
	sealed, err = Seal(p.kek, sk)
	if err != nil {
		return nil, err
	}
	if err := p.store(ctx, sk.KeyID(), sealed); err != nil {
		return nil, err
	}
	p.log.WithField("key_id", sk.KeyID()).Info("generated and stored new private key")
	return sk, nil
}

// fetch returns nil, nil when no key has been stored yet.
func (p *VaultProvider) fetch(ctx context.Context) ([]byte, error) {
	secret, err := p.client.Logical().ReadWithContext(ctx, p.path())
	if err != nil {
		return nil, fmt.Errorf("failed to read from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, errors.New("invalid data format in Vault response")
	}
	encoded, ok := data["sealed_key"].(string)
	if !ok {
		return nil, errors.New("sealed_key not found in Vault data")
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealed key from Vault: %w", err)
	}
	return sealed, nil
}

func (p *VaultProvider) store(ctx context.Context, keyID string, sealed []byte) error {
	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"sealed_key": base64.StdEncoding.EncodeToString(sealed),
			"key_id":     keyID,
		},
	}
	if _, err := p.client.Logical().WriteWithContext(ctx, p.path(), secretData); err != nil {
		return fmt.Errorf("failed to write to Vault: %w", err)
	}
	return nil
}

// Available reports whether Vault is initialized and unsealed.
func (p *VaultProvider) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := p.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		p.log.WithError(err).Debug("vault health check failed")
		return false
	}
	return health.Initialized && !health.Sealed
}

func (p *VaultProvider) Close() error {
	return nil
}
