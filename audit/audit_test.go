package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoopRecorderNeverErrors(t *testing.T) {
	var r Recorder = NoopRecorder{}
	err := r.Record(context.Background(), "v001", "quote", "pricing", []byte("<ControlNodeRules/>"))
	assert.NoError(t, err)
}

func TestBundlePath(t *testing.T) {
	got := bundlePath("v001", "quote", "pricing")
	assert.Equal(t, "rules/v001/pricing.quote.ruleml.xml", got)
}

func TestContentBase64(t *testing.T) {
	got := contentBase64([]byte("abc"))
	assert.Equal(t, "YWJj", got)
}
