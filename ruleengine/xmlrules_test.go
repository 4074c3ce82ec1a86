package ruleengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRule = `<ControlNodeRules service="pricing" operation="quote" version="v001" arity="1">
  <guard>
    <condition field="amount" op="gt" value="0"/>
    <condition field="region" op="eq" value="EU"/>
  </guard>
  <routes>
    <target service="tax" operation="compute" channel="ch1" port="1"/>
  </routes>
  <retry service="pricing" operation="validate"/>
</ControlNodeRules>`

func TestParseBundleAndGuard(t *testing.T) {
	bundle, err := ParseBundle([]byte(sampleRule))
	require.NoError(t, err)
	assert.Equal(t, "pricing", bundle.Service)
	require.Len(t, bundle.Routes, 1)
	assert.Equal(t, "tax", bundle.Routes[0].Service)
	require.NotNil(t, bundle.Retry)
	assert.Equal(t, "validate", bundle.Retry.Operation)

	assert.True(t, bundle.Guard(map[string]interface{}{"amount": 10.0, "region": "EU"}))
	assert.False(t, bundle.Guard(map[string]interface{}{"amount": -1.0, "region": "EU"}))
	assert.False(t, bundle.Guard(map[string]interface{}{"amount": 10.0, "region": "US"}))
}

func TestReferenceEngineDelegatesToBundle(t *testing.T) {
	bundle, err := ParseBundle([]byte(sampleRule))
	require.NoError(t, err)

	eng := New()
	assert.Equal(t, 1, eng.RequiredArity(bundle))
	assert.Nil(t, eng.Route(nil, nil))
}
