// Package secrets resolves sensitive configuration values - the OIDC
// client secret, S3 credentials, AMQP/Redis DSNs - behind a provider
// interface, so components take an injected secrets.Provider rather
// than reading os.Getenv directly for sensitive keys (SPEC_FULL.md
// §11.5).
package secrets

import (
	"context"
	"fmt"
	"os"

	infisical "github.com/infisical/go-sdk"
)

// Provider resolves a secret by key.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// EnvProvider resolves secrets from environment variables, optionally
// prefixed. It is the default provider and requires no external
// service.
type EnvProvider struct {
	Prefix string
}

// NewEnvProvider returns an EnvProvider with the given prefix (may be
// empty).
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{Prefix: prefix}
}

// Get returns the named environment variable, or an error if unset.
func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(p.Prefix + key)
	if !ok {
		return "", fmt.Errorf("secrets: environment variable %s%s not set", p.Prefix, key)
	}
	return v, nil
}

// InfisicalConfig configures an InfisicalProvider, mirroring the
// parameters the teacher's InfisicalSecrets function took positionally.
type InfisicalConfig struct {
	Host         string
	ClientID     string
	ClientSecret string
	ProjectID    string
	Environment  string
}

// InfisicalProvider resolves secrets from an Infisical project
// environment, adapted from security/infisical.go: universal-auth login
// once at construction, then per-key lookups against the cached secret
// list rather than re-listing on every Get.
type InfisicalProvider struct {
	cfg     InfisicalConfig
	secrets map[string]string
}

// NewInfisicalProvider authenticates against Infisical and caches the
// project's secret list for the configured environment.
func NewInfisicalProvider(ctx context.Context, cfg InfisicalConfig) (*InfisicalProvider, error) {
	client := infisical.NewInfisicalClient(ctx, infisical.Config{
		SiteUrl:          "https://" + cfg.Host,
		AutoTokenRefresh: false,
	})

	if _, err := client.Auth().UniversalAuthLogin(cfg.ClientID, cfg.ClientSecret); err != nil {
		return nil, fmt.Errorf("secrets: infisical auth: %w", err)
	}

	list, err := client.Secrets().List(infisical.ListSecretsOptions{
		AttachToProcessEnv: false,
		Environment:        cfg.Environment,
		ProjectID:          cfg.ProjectID,
		SecretPath:         "/",
		IncludeImports:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("secrets: infisical list: %w", err)
	}

	secretMap := make(map[string]string, len(list))
	for _, s := range list {
		secretMap[s.SecretKey] = s.SecretValue
	}

	return &InfisicalProvider{cfg: cfg, secrets: secretMap}, nil
}

// Get returns the cached secret value for key.
func (p *InfisicalProvider) Get(_ context.Context, key string) (string, error) {
	v, ok := p.secrets[key]
	if !ok {
		return "", fmt.Errorf("secrets: key %q not found in infisical project %s/%s", key, p.cfg.ProjectID, p.cfg.Environment)
	}
	return v, nil
}
