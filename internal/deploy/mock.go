package deploy

import (
	"context"
	"sync"
	"time"
)

// PushRecord captures one transport invocation for assertions on
// ordering and overlap.
type PushRecord struct {
	App     string
	Started time.Time
	Ended   time.Time
}

// MockTransport is an in-memory Transport and CommandRunner for tests.
type MockTransport struct {
	mu      sync.Mutex
	pushes  []PushRecord
	inPush  bool
	Overlap bool

	// PushDelay simulates transport latency.
	PushDelay time.Duration

	// PushErr, when set, fails every push.
	PushErr error

	// Output is returned by Run.
	Output string
	RunErr error
}

// Push records the invocation window and detects overlap.
func (m *MockTransport) Push(ctx context.Context, appName string, tree map[string]string) (string, error) {
	m.mu.Lock()
	if m.inPush {
		m.Overlap = true
	}
	m.inPush = true
	rec := PushRecord{App: appName, Started: time.Now()}
	m.mu.Unlock()

	if m.PushDelay > 0 {
		time.Sleep(m.PushDelay)
	}

	m.mu.Lock()
	m.inPush = false
	rec.Ended = time.Now()
	m.pushes = append(m.pushes, rec)
	m.mu.Unlock()

	if m.PushErr != nil {
		return "", m.PushErr
	}
	return "=====> Application deployed", nil
}

// Run returns the canned output.
func (m *MockTransport) Run(ctx context.Context, command string) (string, error) {
	if m.RunErr != nil {
		return "", m.RunErr
	}
	return m.Output, nil
}

// Pushes returns the recorded transport invocations.
func (m *MockTransport) Pushes() []PushRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PushRecord, len(m.pushes))
	copy(out, m.pushes)
	return out
}
