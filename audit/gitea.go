package audit

import (
	"context"
	"fmt"

	"code.gitea.io/sdk/gitea"
)

// GiteaConfig configures a GiteaRecorder, mirroring the connection
// parameters forge/gitea.go took positionally.
type GiteaConfig struct {
	Host   string
	Token  string
	Owner  string
	Repo   string
	Branch string
}

// GiteaRecorder commits each rule bundle version as a file in a Gitea
// repository, adapted from forge/gitea.go's client-construction shape
// (generalized from archive retrieval to file commit).
type GiteaRecorder struct {
	client *gitea.Client
	cfg    GiteaConfig
}

// NewGiteaRecorder constructs a GiteaRecorder against the given Gitea
// instance.
func NewGiteaRecorder(cfg GiteaConfig) (*GiteaRecorder, error) {
	client, err := gitea.NewClient(cfg.Host, gitea.SetToken(cfg.Token))
	if err != nil {
		return nil, fmt.Errorf("audit: create gitea client: %w", err)
	}
	return &GiteaRecorder{client: client, cfg: cfg}, nil
}

// Record commits the rule bundle at its version/operation/service path
// by creating a new file there. It does not update an existing file: if
// a file already exists at that path, the call fails.
func (r *GiteaRecorder) Record(_ context.Context, version, operation, service string, data []byte) error {
	path := bundlePath(version, operation, service)
	message := fmt.Sprintf("commit rule bundle %s/%s@%s", service, operation, version)

	_, _, err := r.client.CreateFile(r.cfg.Owner, r.cfg.Repo, path, gitea.CreateFileOptions{
		FileOptions: gitea.FileOptions{
			Message:    message,
			BranchName: r.cfg.Branch,
		},
		Content: contentBase64(data),
	})
	if err != nil {
		return fmt.Errorf("audit: gitea create file: %w", err)
	}
	return nil
}
