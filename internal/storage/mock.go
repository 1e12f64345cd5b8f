package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MockStore is an in-memory Store for tests. It records every call so
// tests can assert on the operations that reached the remote side.
type MockStore struct {
	mu      sync.Mutex
	objects map[string]string

	// Calls holds one entry per mutating call, formatted as
	// "op key" or "op old -> new".
	Calls []string

	// FailNext, when set, makes the next mutating call return an error.
	FailNext error
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{objects: make(map[string]string)}
}

// Seed populates the store without recording calls.
func (m *MockStore) Seed(objects map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range objects {
		m.objects[k] = v
	}
}

// Objects returns a copy of the stored objects.
func (m *MockStore) Objects() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.objects))
	for k, v := range m.objects {
		out[k] = v
	}
	return out
}

func (m *MockStore) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

// List returns every object whose key belongs to the sandbox.
func (m *MockStore) List(ctx context.Context, sandboxID string) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := "projects/" + sandboxID + "/"
	var out []Object
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, Object{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Fetch returns the content of one object.
func (m *MockStore) Fetch(ctx context.Context, fileID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[fileID]
	if !ok {
		return "", fmt.Errorf("object %s not found", fileID)
	}
	return data, nil
}

// Put stores content under fileID.
func (m *MockStore) Put(ctx context.Context, fileID string, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	m.objects[fileID] = content
	m.Calls = append(m.Calls, "put "+fileID)
	return nil
}

// Delete removes one object.
func (m *MockStore) Delete(ctx context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	delete(m.objects, fileID)
	m.Calls = append(m.Calls, "delete "+fileID)
	return nil
}

// Rename moves an object to a new key.
func (m *MockStore) Rename(ctx context.Context, fileID, newFileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	data, ok := m.objects[fileID]
	if !ok {
		return fmt.Errorf("object %s not found", fileID)
	}
	delete(m.objects, fileID)
	m.objects[newFileID] = data
	m.Calls = append(m.Calls, "rename "+fileID+" -> "+newFileID)
	return nil
}

// DeleteFolder removes every object under the given key prefix.
func (m *MockStore) DeleteFolder(ctx context.Context, folderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	prefix := strings.TrimSuffix(folderID, "/") + "/"
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
		}
	}
	m.Calls = append(m.Calls, "deleteFolder "+folderID)
	return nil
}
