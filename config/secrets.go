package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

// secretPrefix marks config values that resolve through the secret
// provider instead of being used literally.
const secretPrefix = "secret://"

// SecretProvider resolves a named secret from a backend.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretManager resolves secret:// references using the configured
// provider and caches resolved values for the process lifetime.
type SecretManager struct {
	provider SecretProvider

	mu    sync.RWMutex
	cache map[string]string
}

// NewSecretManager builds a manager from the secrets section.
func NewSecretManager(cfg SecretsConfig) (*SecretManager, error) {
	var provider SecretProvider
	var err error
	switch cfg.Provider {
	case "", "env":
		provider = &EnvSecretProvider{}
	case "vault":
		provider, err = NewVaultSecretProvider(cfg.Vault.Addr, cfg.Vault.Token, cfg.Vault.Mount)
	case "aws":
		provider, err = NewAWSSecretProvider(cfg.AWS.Region)
	default:
		return nil, fmt.Errorf("unknown secret provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return &SecretManager{provider: provider, cache: make(map[string]string)}, nil
}

// Resolve returns the value behind a secret:// reference, or the input
// unchanged when it is not a reference.
func (m *SecretManager) Resolve(ctx context.Context, value string) (string, error) {
	if !strings.HasPrefix(value, secretPrefix) {
		return value, nil
	}
	name := strings.TrimPrefix(value, secretPrefix)
	if name == "" {
		return "", fmt.Errorf("empty secret reference")
	}

	m.mu.RLock()
	cached, ok := m.cache[name]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}

	secret, err := m.provider.GetSecret(ctx, name)
	if err != nil {
		return "", fmt.Errorf("resolve secret %q: %w", name, err)
	}
	m.mu.Lock()
	m.cache[name] = secret
	m.mu.Unlock()
	return secret, nil
}

// EnvSecretProvider reads secrets from environment variables. The
// reference name is upper-cased with dashes and dots flattened.
type EnvSecretProvider struct{}

func (p *EnvSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	key := strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(strings.ToUpper(name))
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", key)
	}
	return value, nil
}

// VaultSecretProvider reads from a KV v2 mount.
type VaultSecretProvider struct {
	client *vault.Client
	mount  string
}

func NewVaultSecretProvider(addr, token, mount string) (*VaultSecretProvider, error) {
	vcfg := vault.DefaultConfig()
	if addr != "" {
		vcfg.Address = addr
	}
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}
	if mount == "" {
		mount = "secret"
	}
	return &VaultSecretProvider{client: client, mount: mount}, nil
}

// GetSecret looks up "path#key", defaulting to the "value" key when no
// fragment is given.
func (p *VaultSecretProvider) GetSecret(ctx context.Context, name string) (string, error) {
	path, key := name, "value"
	if idx := strings.LastIndex(name, "#"); idx >= 0 {
		path, key = name[:idx], name[idx+1:]
	}
	secret, err := p.client.KVv2(p.mount).Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault read %s/%s: %w", p.mount, path, err)
	}
	value, ok := secret.Data[key].(string)
	if !ok {
		return "", fmt.Errorf("vault secret %s/%s has no string field %q", p.mount, path, key)
	}
	return value, nil
}

// AWSSecretProvider reads from AWS Secrets Manager.
type AWSSecretProvider struct {
	client *secretsmanager.SecretsManager
}

func NewAWSSecretProvider(region string) (*AWSSecretProvider, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &AWSSecretProvider{client: secretsmanager.New(sess)}, nil
}

func (p *AWSSecretProvider) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := p.client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("aws secretsmanager get %q: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %q has no string value", name)
	}
	return *out.SecretString, nil
}
