// Package deploy pushes a project's file tree to a Dokku-style
// deployment target over a git transport and queries the target's
// remote command API.
package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/codebox-cloud/codebox/internal/lock"
	"github.com/codebox-cloud/codebox/internal/logger"
)

// Result is the structured outcome reported back to the client.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Apps    string `json:"apps,omitempty"`
}

// Transport moves a packaged tree to the deployment target.
type Transport interface {
	// Push deploys the tree as the named app and returns the target's
	// output.
	Push(ctx context.Context, appName string, tree map[string]string) (string, error)
}

// CommandRunner executes read-only commands against the target.
type CommandRunner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Source yields the current file tree of a sandbox.
type Source interface {
	Snapshot() map[string]string
}

// Coordinator serializes deploys per sandbox. A deploy holds the
// sandbox-id lock, so it can never overlap another deploy or a
// sandbox recreation for the same id.
type Coordinator struct {
	transport Transport
	runner    CommandRunner
	locks     *lock.Manager
	log       *logger.Logger
}

// NewCoordinator creates a deployment coordinator.
func NewCoordinator(transport Transport, runner CommandRunner, locks *lock.Manager) *Coordinator {
	return &Coordinator{
		transport: transport,
		runner:    runner,
		locks:     locks,
		log:       logger.Global().WithPrefix("deploy"),
	}
}

// Deploy packages the sandbox's tree and pushes it. Failures are
// reported in the result, not retried; redeploys are user-initiated.
func (c *Coordinator) Deploy(ctx context.Context, sandboxID string, source Source) Result {
	if c.transport == nil {
		return Result{Success: false, Message: "Deployment is not configured."}
	}

	v, err := c.locks.Acquire(sandboxID, func() (interface{}, error) {
		started := time.Now()
		c.log.Info("Deploying project %s", sandboxID)

		output, err := c.transport.Push(ctx, sandboxID, source.Snapshot())
		if err != nil {
			return nil, err
		}

		c.log.Info("Deployed project %s in %v", sandboxID, time.Since(started))
		return output, nil
	})
	if err != nil {
		c.log.Error("Deploy of %s failed: %v", sandboxID, err)
		return Result{Success: false, Message: fmt.Sprintf("Failed to deploy project: %v", err)}
	}

	msg, _ := v.(string)
	if msg == "" {
		msg = "Deployed successfully."
	}
	return Result{Success: true, Message: msg}
}

// ListApps queries the target for the deployed app list. Read-only, so
// it bypasses the lock.
func (c *Coordinator) ListApps(ctx context.Context) Result {
	if c.runner == nil {
		return Result{Success: false, Message: "Deployment is not configured."}
	}

	out, err := c.runner.Run(ctx, "apps:list")
	if err != nil {
		c.log.Error("apps:list failed: %v", err)
		return Result{Success: false, Message: "Failed to retrieve apps list."}
	}
	return Result{Success: true, Apps: out}
}
