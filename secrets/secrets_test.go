package secrets

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProviderReturnsSetValue(t *testing.T) {
	t.Setenv("TOKENFLOW_OIDC_CLIENT_SECRET", "shh")

	p := NewEnvProvider("TOKENFLOW_")
	v, err := p.Get(context.Background(), "OIDC_CLIENT_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "shh", v)
}

func TestEnvProviderErrorsOnUnsetKey(t *testing.T) {
	p := NewEnvProvider("TOKENFLOW_")
	_, err := p.Get(context.Background(), "DOES_NOT_EXIST")
	assert.Error(t, err)
}

func TestEnvProviderEmptyPrefix(t *testing.T) {
	t.Setenv("RAW_KEY", "value")
	p := NewEnvProvider("")
	v, err := p.Get(context.Background(), "RAW_KEY")
	require.NoError(t, err)
	assert.Equal(t, "value", v)
}
