package rulestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rule = `<ControlNodeRules service="pricing" operation="quote" version="v001" arity="1">
  <guard><condition field="amount" op="gt" value="0"/></guard>
  <routes><target service="tax" operation="compute" channel="ch1" port="1"/></routes>
</ControlNodeRules>`

func TestStageThenCommitMakesBundleVisible(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Stage("v001", "quote", "pricing", []byte(rule)))

	_, ok := s.Lookup("v001", "quote", "pricing")
	assert.False(t, ok, "staged bundle must not be visible before commit")
	assert.False(t, s.Accepts("v001", "quote", "pricing"))

	count := s.Commit("v001")
	assert.Equal(t, 1, count)

	bundle, ok := s.Lookup("v001", "quote", "pricing")
	assert.True(t, ok)
	assert.Equal(t, "pricing", bundle.Service)
	assert.True(t, s.Accepts("v001", "quote", "pricing"))
}

func TestAcceptsFalseForUncommittedVersion(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.Accepts("v999", "quote", "pricing"))
}

func TestCommitOnlyAffectsNamedVersion(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Stage("v001", "quote", "pricing", []byte(rule)))
	require.NoError(t, s.Stage("v002", "quote", "pricing", []byte(rule)))

	s.Commit("v001")
	assert.True(t, s.IsCommitted("v001"))
	assert.False(t, s.IsCommitted("v002"))
}

func TestReopenRestoresCommittedBundles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Stage("v001", "quote", "pricing", []byte(rule)))
	s.Commit("v001")
	require.NoError(t, s.Close())

	s2, err := Open(dir, nil)
	require.NoError(t, err)
	defer s2.Close()

	assert.True(t, s2.IsCommitted("v001"))
	_, ok := s2.Lookup("v001", "quote", "pricing")
	assert.True(t, ok)
}
