package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVersionBoundaries(t *testing.T) {
	assert.Equal(t, int64(1), VersionNumber(1_999_999))
	assert.Equal(t, int64(2), VersionNumber(2_000_000))
	assert.Equal(t, "v001", RuleBaseVersionString(VersionNumber(1_999_999)))
	assert.Equal(t, "v002", RuleBaseVersionString(VersionNumber(2_000_000)))
}

func TestAdminVersion(t *testing.T) {
	admin := AdminVersionNumber*VersionBaseStep + 10_000
	assert.True(t, IsAdmin(admin))
	assert.False(t, IsAdmin(1_010_000))
}

func TestParentAndBranch(t *testing.T) {
	parent := int64(1_010_000)
	child := ForkChildID(parent, 3)
	assert.Equal(t, parent+3, child)
	assert.True(t, IsChild(child))
	assert.Equal(t, parent, ParentID(child))
	assert.Equal(t, int64(3), Branch(child))
	assert.False(t, IsChild(parent))
}

func TestIsExpiredBoundaryIsStrict(t *testing.T) {
	now := time.Now()
	e := &Envelope{NotAfter: now}
	assert.True(t, e.IsExpired(now), "notAfter == now must already be expired")

	e2 := &Envelope{NotAfter: now.Add(time.Second)}
	assert.False(t, e2.IsExpired(now))

	e3 := &Envelope{}
	assert.False(t, e3.IsExpired(now), "zero NotAfter never expires")
}

func TestCaptureOriginalIsWriteOnce(t *testing.T) {
	e := &Envelope{Payload: map[string]interface{}{"a": 1}}
	e.CaptureOriginal()
	e.Payload["a"] = 2
	e.CaptureOriginal()
	assert.Equal(t, 1, e.OriginalToken["a"], "original token must never be rewritten")
}

func TestCloneIsIndependent(t *testing.T) {
	e := &Envelope{Payload: map[string]interface{}{"a": 1}}
	clone := e.Clone()
	clone.Payload["a"] = 99
	assert.Equal(t, 1, e.Payload["a"])
}
