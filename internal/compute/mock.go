package compute

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MockProvider is an in-memory Provider for tests. It counts creations
// so races on sandbox provisioning can be asserted on.
type MockProvider struct {
	mu      sync.Mutex
	created []*MockSandbox

	// CreateDelay simulates provisioning latency.
	CreateDelay time.Duration

	// CreateErr, when set, fails every Create call.
	CreateErr error

	creates atomic.Int64
}

// NewMockProvider creates an empty mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Creates returns how many sandboxes have been provisioned.
func (p *MockProvider) Creates() int64 {
	return p.creates.Load()
}

// Sandboxes returns every sandbox provisioned so far.
func (p *MockProvider) Sandboxes() []*MockSandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*MockSandbox, len(p.created))
	copy(out, p.created)
	return out
}

// Create provisions a new mock sandbox.
func (p *MockProvider) Create(ctx context.Context) (Sandbox, error) {
	if p.CreateDelay > 0 {
		select {
		case <-time.After(p.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}

	n := p.creates.Add(1)
	sb := &MockSandbox{id: "mock-" + itoa(n), running: true}

	p.mu.Lock()
	p.created = append(p.created, sb)
	p.mu.Unlock()
	return sb, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// MockSandbox is an in-memory Sandbox handle.
type MockSandbox struct {
	mu      sync.Mutex
	id      string
	running bool

	// Files mirrors WriteFile/Remove/Rename calls.
	Files map[string]string

	// Timeouts records every SetTimeout call.
	Timeouts []time.Duration

	procs []*MockProcess
}

func (s *MockSandbox) ID() string { return s.id }

// Stop marks the sandbox as no longer running.
func (s *MockSandbox) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

func (s *MockSandbox) IsRunning(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, nil
}

func (s *MockSandbox) SetTimeout(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Timeouts = append(s.Timeouts, d)
	return nil
}

func (s *MockSandbox) WriteFile(ctx context.Context, path string, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Files == nil {
		s.Files = make(map[string]string)
	}
	s.Files[path] = data
	return nil
}

func (s *MockSandbox) MakeDir(ctx context.Context, path string) error {
	return nil
}

func (s *MockSandbox) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Files, path)
	return nil
}

func (s *MockSandbox) Rename(ctx context.Context, oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.Files[oldPath]; ok {
		delete(s.Files, oldPath)
		if s.Files == nil {
			s.Files = make(map[string]string)
		}
		s.Files[newPath] = data
	}
	return nil
}

func (s *MockSandbox) StartProcess(ctx context.Context, opts ProcessOptions) (Process, error) {
	proc := &MockProcess{
		onData: opts.OnData,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.procs = append(s.procs, proc)
	s.mu.Unlock()
	return proc, nil
}

// Processes returns every process started in this sandbox.
func (s *MockSandbox) Processes() []*MockProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MockProcess, len(s.procs))
	copy(out, s.procs)
	return out
}

// MockProcess is an in-memory Process that records stdin writes and
// lets tests emit output.
type MockProcess struct {
	mu     sync.Mutex
	onData func([]byte)
	done   chan struct{}

	Input   []byte
	Cols    uint16
	Rows    uint16
	Killed  bool
	killCnt int
}

// Emit delivers output bytes to the process's OnData callback.
func (p *MockProcess) Emit(data []byte) {
	p.mu.Lock()
	cb := p.onData
	p.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (p *MockProcess) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Input = append(p.Input, data...)
	return nil
}

// InputString returns everything written to the process so far.
func (p *MockProcess) InputString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.Input)
}

func (p *MockProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Cols, p.Rows = cols, rows
	return nil
}

func (p *MockProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killCnt++
	if !p.Killed {
		p.Killed = true
		close(p.done)
	}
	return nil
}

// KillCount returns how many times Kill was called.
func (p *MockProcess) KillCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killCnt
}

func (p *MockProcess) Done() <-chan struct{} {
	return p.done
}
