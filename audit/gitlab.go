package audit

import (
	"context"
	"fmt"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// GitlabConfig configures a GitlabRecorder, mirroring the connection
// parameters forge/gitlab.go's functions took positionally.
type GitlabConfig struct {
	Host      string
	Token     string
	ProjectID string
	Branch    string
}

// GitlabRecorder commits each rule bundle version as a file in a GitLab
// project repository, adapted from forge/gitlab.go's client-construction
// shape (`gitlab.NewClient` + `WithBaseURL`).
type GitlabRecorder struct {
	client *gitlab.Client
	cfg    GitlabConfig
}

// NewGitlabRecorder constructs a GitlabRecorder against the given GitLab
// instance.
func NewGitlabRecorder(cfg GitlabConfig) (*GitlabRecorder, error) {
	client, err := gitlab.NewClient(cfg.Token, gitlab.WithBaseURL(cfg.Host+"/api/v4"))
	if err != nil {
		return nil, fmt.Errorf("audit: create gitlab client: %w", err)
	}
	return &GitlabRecorder{client: client, cfg: cfg}, nil
}

// Record commits the rule bundle at its version/operation/service path
// via the repository-files API.
func (r *GitlabRecorder) Record(_ context.Context, version, operation, service string, data []byte) error {
	path := bundlePath(version, operation, service)
	content := string(data)
	message := fmt.Sprintf("commit rule bundle %s/%s@%s", service, operation, version)

	_, _, err := r.client.RepositoryFiles.CreateFile(r.cfg.ProjectID, path, &gitlab.CreateFileOptions{
		Branch:        &r.cfg.Branch,
		Content:       &content,
		CommitMessage: &message,
	})
	if err != nil {
		return fmt.Errorf("audit: gitlab create file: %w", err)
	}
	return nil
}
