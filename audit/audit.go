// Package audit optionally pushes every staged rule bundle to a
// version-control-backed history, so operators can diff rule changes
// across deployments (SPEC_FULL.md §11.3). This supplements the
// distilled spec's silence on rule bundle history.
package audit

import (
	"context"
	"encoding/base64"
	"fmt"
)

// Recorder pushes a staged rule bundle's raw bytes to an audit backend;
// the rulehandler calls it after each successful stage, whether or not
// that version is later committed. A failed Record must never block rule commitment - callers
// treat it the same way the orchestrator treats a lost monitor event.
type Recorder interface {
	Record(ctx context.Context, version, operation, service string, data []byte) error
}

// NoopRecorder is the default Recorder: audit push is opt-in config, not
// a required dependency.
type NoopRecorder struct{}

func (NoopRecorder) Record(context.Context, string, string, string, []byte) error { return nil }

// bundlePath builds the per-node repository path a bundle is committed
// under, shared by both backends.
func bundlePath(version, operation, service string) string {
	return fmt.Sprintf("rules/%s/%s.%s.ruleml.xml", version, service, operation)
}

// contentBase64 encodes bundle bytes the way Gitea's file-create API
// expects file content to be transmitted.
func contentBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
