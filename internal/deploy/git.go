package deploy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitTransport pushes a packaged tree to the target with git over ssh,
// the way Dokku receives deployments. Each push materializes the tree
// in a scratch work tree, commits it, and force-pushes to the app's
// remote.
type GitTransport struct {
	host    string
	keyPath string
}

// NewGitTransport creates a git transport for dokku@host pushes
// authenticated with the private key at keyPath.
func NewGitTransport(host, keyPath string) *GitTransport {
	return &GitTransport{host: host, keyPath: keyPath}
}

// Push deploys the tree as the named app.
func (g *GitTransport) Push(ctx context.Context, appName string, tree map[string]string) (string, error) {
	workDir, err := os.MkdirTemp("", "codebox-deploy-*")
	if err != nil {
		return "", fmt.Errorf("failed to create work tree: %w", err)
	}
	defer os.RemoveAll(workDir)

	for path, data := range tree {
		full := filepath.Join(workDir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return "", fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		if err := os.WriteFile(full, []byte(data), 0644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
	}

	steps := [][]string{
		{"init", "--initial-branch=main"},
		{"add", "."},
		{"-c", "user.email=deploy@codebox", "-c", "user.name=codebox", "commit", "-m", "Deploy " + appName},
		{"push", "--force", fmt.Sprintf("dokku@%s:%s", g.host, appName), "main"},
	}

	var lastOut string
	for _, args := range steps {
		out, err := g.git(ctx, workDir, args...)
		if err != nil {
			return "", fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(out))
		}
		lastOut = out
	}
	return strings.TrimSpace(lastOut), nil
}

// git runs one git command in the work tree with ssh pinned to the
// deploy key.
func (g *GitTransport) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=no", g.keyPath),
	)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
