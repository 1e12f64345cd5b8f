// Package terminal owns the interactive terminal sessions of one
// sandbox. Sessions are a bounded resource: at most MaxTerminals
// processes run at a time, and their byte streams pass through
// untouched in both directions.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codebox-cloud/codebox/internal/compute"
	"github.com/codebox-cloud/codebox/internal/lock"
	"github.com/codebox-cloud/codebox/internal/logger"
)

var (
	// ErrExists is returned when a terminal id is already in use.
	ErrExists = errors.New("terminal already exists")
	// ErrLimit is returned when the sandbox is at its terminal cap.
	ErrLimit = errors.New("terminal limit reached")
	// ErrNotFound is returned for operations on unknown terminal ids.
	ErrNotFound = errors.New("terminal not found")
)

const (
	defaultCols = 80
	defaultRows = 24
)

// initSequence clears the screen and sets a minimal prompt before the
// terminal is handed to the client.
const initSequence = "export PS1='$ ' && clear\r"

// Session is one running terminal.
type Session struct {
	ID   string
	proc compute.Process
}

// Manager tracks the terminal sessions of one sandbox.
type Manager struct {
	sandboxID string
	sandbox   compute.Sandbox
	locks     *lock.Manager
	log       *logger.Logger
	max       int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a terminal manager for one sandbox.
func NewManager(sandboxID string, sandbox compute.Sandbox, locks *lock.Manager, maxTerminals int) *Manager {
	return &Manager{
		sandboxID: sandboxID,
		sandbox:   sandbox,
		locks:     locks,
		log:       logger.Global().WithPrefix("terminal:" + sandboxID),
		max:       maxTerminals,
		sessions:  make(map[string]*Session),
	}
}

// Create starts a new terminal with the given id. Output bytes flow to
// onData as they arrive. Creation runs under the sandbox-id lock so it
// cannot interleave with sandbox recreation or a concurrent deploy.
// Duplicate ids and the session cap are rejected before any process
// starts.
func (m *Manager) Create(ctx context.Context, id string, onData func(data []byte)) error {
	if id == "" {
		return fmt.Errorf("%w: empty terminal id", ErrNotFound)
	}

	_, err := m.locks.Acquire(m.sandboxID, func() (interface{}, error) {
		m.mu.Lock()
		if _, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			return nil, ErrExists
		}
		if len(m.sessions) >= m.max {
			m.mu.Unlock()
			return nil, ErrLimit
		}
		m.mu.Unlock()

		proc, err := m.sandbox.StartProcess(ctx, compute.ProcessOptions{
			Command: "/bin/bash",
			Cols:    defaultCols,
			Rows:    defaultRows,
			OnData:  onData,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start terminal process: %w", err)
		}

		if err := proc.Write([]byte(initSequence)); err != nil {
			m.log.Warn("Terminal %s init sequence failed: %v", id, err)
		}

		sess := &Session{ID: id, proc: proc}
		m.mu.Lock()
		m.sessions[id] = sess
		m.mu.Unlock()

		// Drop the session entry when the process exits on its own.
		go func() {
			<-proc.Done()
			m.mu.Lock()
			if current, ok := m.sessions[id]; ok && current == sess {
				delete(m.sessions, id)
			}
			m.mu.Unlock()
		}()

		m.log.Info("Terminal %s created", id)
		return nil, nil
	})
	return err
}

// Write forwards raw input bytes to the terminal's process.
func (m *Manager) Write(id string, data []byte) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return sess.proc.Write(data)
}

// Resize passes a window size hint to every running terminal. The hint
// is best-effort; failures are logged, not surfaced.
func (m *Manager) Resize(cols, rows uint16) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.proc.Resize(cols, rows); err != nil {
			m.log.Debug("Resize of terminal %s failed: %v", s.ID, err)
		}
	}
}

// Close kills one terminal and removes its session entry. Killing an
// already-exited process is a no-op.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrNotFound
	}
	if err := sess.proc.Kill(); err != nil {
		m.log.Warn("Kill of terminal %s failed: %v", id, err)
	}
	m.log.Info("Terminal %s closed", id)
	return nil
}

// CloseAll tears down every terminal. Used when the owning connection
// disconnects or the sandbox is lost.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for id, s := range sessions {
		if err := s.proc.Kill(); err != nil {
			m.log.Warn("Kill of terminal %s failed: %v", id, err)
		}
	}
	if len(sessions) > 0 {
		m.log.Info("Closed %d terminals", len(sessions))
	}
}

// Count returns the number of running terminals.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
