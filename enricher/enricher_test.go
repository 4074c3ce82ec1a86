package enricher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tokenflow.evalgo.org/token"
)

func TestIngressCapturesOriginalOnceAndUnwraps(t *testing.T) {
	tok := &token.Envelope{
		Payload: map[string]interface{}{
			"pricingPlace": map[string]interface{}{
				"amount":             10.0,
				"service_start_time": time.Now(),
			},
		},
	}

	clean := Ingress(tok)
	assert.Equal(t, 10.0, clean["amount"])
	assert.NotContains(t, clean, "service_start_time")
	assert.NotNil(t, tok.OriginalToken)

	capturedAmount := tok.OriginalToken["amount"]
	tok.Payload["pricingPlace"].(map[string]interface{})["amount"] = 999.0
	Ingress(tok)
	assert.Equal(t, capturedAmount, tok.OriginalToken["amount"], "original token must never be rewritten")
}

func TestIngressNoEnvelopeWrapper(t *testing.T) {
	tok := &token.Envelope{Payload: map[string]interface{}{"amount": 5.0}}
	clean := Ingress(tok)
	assert.Equal(t, 5.0, clean["amount"])
}

func TestOutputKeyDerivation(t *testing.T) {
	assert.Equal(t, "riskResults", OutputKey("processRiskAssessment"))
	assert.Equal(t, "alarmResults", OutputKey("fireAlarm"))
	assert.Equal(t, "metricsResults", OutputKey("collectMetrics"))
	assert.Equal(t, "results", OutputKey("quote"))
}

func TestEgressWrapsResultAndCarriesHistory(t *testing.T) {
	tok := &token.Envelope{
		OperationName:     "processRiskAssessment",
		WorkflowStartTime: time.Now(),
		OriginalToken:     map[string]interface{}{"x": 1},
	}
	out := Egress(tok, map[string]interface{}{"score": 0.9})

	assert.Equal(t, map[string]interface{}{"x": 1}, out["original_token"])
	assert.Contains(t, out, "workflow_start_time")
	riskResults, ok := out["riskResults"].(map[string]interface{})
	assert.True(t, ok)
	assert.Equal(t, 0.9, riskResults["score"])
}
