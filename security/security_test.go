package security

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestPKIXName tests certificate subject structure
func TestPKIXName(t *testing.T) {
	subj := pkix.Name{
		CommonName:   "test-router",
		Organization: []string{"TestOrg"},
	}

	assert.Equal(t, "test-router", subj.CommonName)
	assert.Contains(t, subj.Organization, "TestOrg")
}

// TestX509SignatureAlgorithms tests signature algorithm constants
func TestX509SignatureAlgorithms(t *testing.T) {
	// Verify deprecated algorithms exist
	assert.NotEqual(t, x509.UnknownSignatureAlgorithm, x509.MD2WithRSA)
	assert.NotEqual(t, x509.UnknownSignatureAlgorithm, x509.MD5WithRSA)
	assert.NotEqual(t, x509.UnknownSignatureAlgorithm, x509.SHA1WithRSA)
	assert.NotEqual(t, x509.UnknownSignatureAlgorithm, x509.ECDSAWithSHA256)
}
