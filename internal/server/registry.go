package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/codebox-cloud/codebox/internal/compute"
	"github.com/codebox-cloud/codebox/internal/files"
	"github.com/codebox-cloud/codebox/internal/lock"
	"github.com/codebox-cloud/codebox/internal/logger"
	"github.com/codebox-cloud/codebox/internal/storage"
	"github.com/codebox-cloud/codebox/internal/terminal"
)

// provisionAttempts bounds retries when the compute provider fails.
const provisionAttempts = 3

// Session holds everything the server keeps per sandbox id: the
// compute handle, the file and terminal managers and the connection
// counters. One Session exists from the first connect until the
// process forgets it; the compute sandbox inside it comes and goes
// with its idle timeout.
type Session struct {
	SandboxID string

	mu        sync.RWMutex
	sandbox   compute.Sandbox
	files     *files.Manager
	terminals *terminal.Manager
	conns     int
	owners    int
}

// Sandbox returns the current compute handle, which may be nil before
// the first ensure.
func (s *Session) Sandbox() compute.Sandbox {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sandbox
}

// Files returns the session's file manager, nil before first ensure.
func (s *Session) Files() *files.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.files
}

// Terminals returns the session's terminal manager, nil before first
// ensure.
func (s *Session) Terminals() *terminal.Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminals
}

// OwnerConnected reports whether at least one owner connection is
// live.
func (s *Session) OwnerConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owners > 0
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Provider       compute.Provider
	Store          storage.Store
	Locks          *lock.Manager
	MaxBodySize    int64
	MaxProjectSize int64
	MaxTerminals   int
}

// Registry tracks one Session per sandbox id. All count transitions
// happen under the registry mutex; sandbox provisioning serializes
// through the lock manager under the bare sandbox-id key so racing
// owner connections provision exactly one sandbox.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	provider compute.Provider
	store    storage.Store
	locks    *lock.Manager
	log      *logger.Logger

	maxBodySize    int64
	maxProjectSize int64
	maxTerminals   int
}

// NewRegistry creates a session registry.
func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		sessions:       make(map[string]*Session),
		provider:       opts.Provider,
		store:          opts.Store,
		locks:          opts.Locks,
		log:            logger.Global().WithPrefix("registry"),
		maxBodySize:    opts.MaxBodySize,
		maxProjectSize: opts.MaxProjectSize,
		maxTerminals:   opts.MaxTerminals,
	}
}

// Join records a new connection for the sandbox, creating the Session
// entry on first connect.
func (r *Registry) Join(sandboxID string, isOwner bool) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sandboxID]
	if !ok {
		sess = &Session{SandboxID: sandboxID}
		r.sessions[sandboxID] = sess
	}

	sess.mu.Lock()
	sess.conns++
	if isOwner {
		sess.owners++
	}
	sess.mu.Unlock()
	return sess
}

// Leave records a disconnect and returns the remaining owner count.
// The Session stays registered so the file mirror and compute handle
// survive for a quick reconnect.
func (r *Registry) Leave(sandboxID string, isOwner bool) (ownersLeft int, ok bool) {
	r.mu.RLock()
	sess, ok := r.sessions[sandboxID]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.conns > 0 {
		sess.conns--
	}
	if isOwner && sess.owners > 0 {
		sess.owners--
	}
	return sess.owners, true
}

// Get returns the Session for the sandbox id, if one exists.
func (r *Registry) Get(sandboxID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sandboxID]
	return sess, ok
}

// Ensure makes sure the sandbox is provisioned and its managers are
// initialized, provisioning at most once no matter how many owner
// connections race in. Callers that arrive while an ensure is in
// flight share its result; an ensure queues behind any deploy or
// terminal creation holding the sandbox-id lock.
func (r *Registry) Ensure(ctx context.Context, sandboxID string) (*Session, error) {
	result, _, err := r.locks.AcquireShared(sandboxID, func() (interface{}, error) {
		return r.ensureLocked(ctx, sandboxID)
	})
	if err != nil {
		return nil, err
	}
	sess, ok := result.(*Session)
	if !ok {
		return nil, fmt.Errorf("unexpected ensure result %T for sandbox %s", result, sandboxID)
	}
	return sess, nil
}

func (r *Registry) ensureLocked(ctx context.Context, sandboxID string) (*Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[sandboxID]
	if !ok {
		sess = &Session{SandboxID: sandboxID}
		r.sessions[sandboxID] = sess
	}
	r.mu.Unlock()

	sess.mu.RLock()
	sandbox := sess.sandbox
	sess.mu.RUnlock()

	if sandbox != nil {
		running, err := sandbox.IsRunning(ctx)
		if err != nil {
			r.log.Warn("Liveness check for sandbox %s failed, recreating: %v", sandboxID, err)
		}
		if err == nil && running {
			return sess, nil
		}
	}

	sandbox, err := r.provision(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	fileManager := files.NewManager(files.Options{
		SandboxID:      sandboxID,
		Store:          r.store,
		Sandbox:        sandbox,
		Locks:          r.locks,
		MaxBodySize:    r.maxBodySize,
		MaxProjectSize: r.maxProjectSize,
	})
	if err := fileManager.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize files for sandbox %s: %w", sandboxID, err)
	}

	terminalManager := terminal.NewManager(sandboxID, sandbox, r.locks, r.maxTerminals)

	sess.mu.Lock()
	sess.sandbox = sandbox
	sess.files = fileManager
	sess.terminals = terminalManager
	sess.mu.Unlock()

	r.log.Info("Sandbox %s ready (provider id %s)", sandboxID, sandbox.ID())
	return sess, nil
}

func (r *Registry) provision(ctx context.Context, sandboxID string) (compute.Sandbox, error) {
	var lastErr error
	for attempt := 1; attempt <= provisionAttempts; attempt++ {
		sandbox, err := r.provider.Create(ctx)
		if err == nil {
			return sandbox, nil
		}
		lastErr = err
		r.log.Warn("Provisioning attempt %d/%d for sandbox %s failed: %v",
			attempt, provisionAttempts, sandboxID, err)
	}
	return nil, fmt.Errorf("failed to provision sandbox %s after %d attempts: %w",
		sandboxID, provisionAttempts, lastErr)
}

// Stats summarizes registry state for the stats endpoint.
type Stats struct {
	Sessions    int `json:"sessions"`
	Connections int `json:"connections"`
	Owners      int `json:"owners"`
}

// Snapshot returns current registry counters.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Sessions: len(r.sessions)}
	for _, sess := range r.sessions {
		sess.mu.RLock()
		stats.Connections += sess.conns
		stats.Owners += sess.owners
		sess.mu.RUnlock()
	}
	return stats
}
