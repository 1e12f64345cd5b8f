// Package files owns the in-memory file-tree mirror for one sandbox.
// The remote object store is authoritative; the mirror is the
// read-of-record between mutations, and the live sandbox filesystem is
// kept in step so running terminals see the same tree.
package files

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/codebox-cloud/codebox/internal/compute"
	"github.com/codebox-cloud/codebox/internal/lock"
	"github.com/codebox-cloud/codebox/internal/logger"
	"github.com/codebox-cloud/codebox/internal/storage"
)

var (
	// ErrNotFound is returned for operations on unknown file or folder ids.
	ErrNotFound = errors.New("file not found")
	// ErrExists is returned when a name collides within the same parent.
	ErrExists = errors.New("name already exists")
	// ErrInvalidName is returned for names with path separators or empty names.
	ErrInvalidName = errors.New("invalid name")
	// ErrSizeLimit is returned when a file body exceeds the per-file ceiling.
	ErrSizeLimit = errors.New("file size limit exceeded")
	// ErrProjectSizeLimit is returned when a creation would exceed the
	// per-sandbox aggregate content ceiling.
	ErrProjectSizeLimit = errors.New("project size limit exceeded")
)

// mirrorRoot is where the project tree lives inside the sandbox.
const mirrorRoot = "/home/user/project"

// prefetchConcurrency bounds parallel content fetches on initialize.
const prefetchConcurrency = 8

// Manager maintains the file-tree mirror for one sandbox. Mutating
// operations serialize through the lock manager under the sandbox's
// file-subsystem key so structural mutations never interleave.
type Manager struct {
	sandboxID string
	store     storage.Store
	sandbox   compute.Sandbox
	locks     *lock.Manager
	log       *logger.Logger

	maxBodySize    int64
	maxProjectSize int64

	mu       sync.RWMutex
	root     *Node
	contents map[string]string
}

// Options configures a Manager.
type Options struct {
	SandboxID      string
	Store          storage.Store
	Sandbox        compute.Sandbox
	Locks          *lock.Manager
	MaxBodySize    int64
	MaxProjectSize int64
}

// NewManager creates a file manager; call Initialize before use.
func NewManager(opts Options) *Manager {
	return &Manager{
		sandboxID:      opts.SandboxID,
		store:          opts.Store,
		sandbox:        opts.Sandbox,
		locks:          opts.Locks,
		log:            logger.Global().WithPrefix("files:" + opts.SandboxID),
		maxBodySize:    opts.MaxBodySize,
		maxProjectSize: opts.MaxProjectSize,
		root:           newRoot(),
		contents:       make(map[string]string),
	}
}

// lockKey returns the file-subsystem lock key for this sandbox.
func (m *Manager) lockKey() string {
	return m.sandboxID + ":files"
}

// rootKey returns the object key prefix for this sandbox.
func (m *Manager) rootKey() string {
	return keyPrefix + "/" + m.sandboxID
}

// mirrorPath maps an object key to the path inside the sandbox.
func (m *Manager) mirrorPath(id string) string {
	rel := strings.TrimPrefix(id, m.rootKey())
	return mirrorRoot + rel
}

// Initialize fetches the authoritative object list, reconstructs the
// tree, and prefetches file contents concurrently. It also materializes
// the tree inside the sandbox filesystem.
func (m *Manager) Initialize(ctx context.Context) error {
	_, err := m.locks.Acquire(m.lockKey(), func() (interface{}, error) {
		objects, err := m.store.List(ctx, m.sandboxID)
		if err != nil {
			return nil, fmt.Errorf("failed to list project objects: %w", err)
		}

		keys := make([]string, 0, len(objects))
		for _, obj := range objects {
			keys = append(keys, obj.Key)
		}

		root, skipped := buildTree(m.sandboxID, keys)
		for _, key := range skipped {
			m.log.Warn("Skipping foreign object key %q", key)
		}

		contents := make(map[string]string)
		var contentsMu sync.Mutex

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(prefetchConcurrency)
		root.walk(func(n *Node) {
			if n.Type != NodeFile {
				return
			}
			id := n.ID
			g.Go(func() error {
				data, err := m.store.Fetch(gctx, id)
				if err != nil {
					return fmt.Errorf("failed to fetch %s: %w", id, err)
				}
				contentsMu.Lock()
				contents[id] = data
				contentsMu.Unlock()
				return nil
			})
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.root = root
		m.contents = contents
		m.mu.Unlock()

		for id, data := range contents {
			if err := m.sandbox.WriteFile(ctx, m.mirrorPath(id), data); err != nil {
				m.log.Warn("Failed to mirror %s into sandbox: %v", id, err)
			}
		}

		m.log.Info("Initialized file tree: %d objects", len(keys))
		return nil, nil
	})
	return err
}

// Tree returns a deep copy of the current mirror's children, suitable
// for a "loaded" event.
func (m *Manager) Tree() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Node, 0, len(m.root.Children))
	for _, c := range m.root.Children {
		out = append(out, c.clone())
	}
	return out
}

// GetFileContent returns a file's content from the mirror, fetching
// from the store only when the content was never loaded.
func (m *Manager) GetFileContent(ctx context.Context, fileID string) (string, error) {
	m.mu.RLock()
	node, _ := m.root.find(fileID)
	data, loaded := m.contents[fileID]
	m.mu.RUnlock()

	if node == nil || node.Type != NodeFile {
		return "", ErrNotFound
	}
	if loaded {
		return data, nil
	}

	data, err := m.store.Fetch(ctx, fileID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch content: %w", err)
	}
	m.mu.Lock()
	m.contents[fileID] = data
	m.mu.Unlock()
	return data, nil
}

// ListFolder returns the ids of a folder's direct children.
func (m *Manager) ListFolder(folderID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	folder := m.root
	if folderID != RootID {
		node, _ := m.root.find(folderID)
		if node == nil || node.Type != NodeFolder {
			return nil, ErrNotFound
		}
		folder = node
	}

	ids := make([]string, 0, len(folder.Children))
	for _, c := range folder.Children {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Snapshot returns the mirror's file contents keyed by path relative
// to the project root. Used to package the tree for deployment.
func (m *Manager) Snapshot() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.contents))
	for id, data := range m.contents {
		out[strings.TrimPrefix(id, m.rootKey()+"/")] = data
	}
	return out
}

// TotalSize returns the aggregate content bytes held in the mirror.
func (m *Manager) TotalSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalSizeLocked()
}

func (m *Manager) totalSizeLocked() int64 {
	var total int64
	for _, data := range m.contents {
		total += int64(len(data))
	}
	return total
}

// SaveFile persists new content for an existing file. Bodies over the
// per-file ceiling are rejected with ErrSizeLimit before anything is
// written, so prior content stays intact.
func (m *Manager) SaveFile(ctx context.Context, fileID string, body string) error {
	if int64(len(body)) > m.maxBodySize {
		return ErrSizeLimit
	}

	_, err := m.locks.Acquire(m.lockKey(), func() (interface{}, error) {
		m.mu.RLock()
		node, _ := m.root.find(fileID)
		m.mu.RUnlock()
		if node == nil || node.Type != NodeFile {
			return nil, ErrNotFound
		}

		if err := m.store.Put(ctx, fileID, body); err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.contents[fileID] = body
		m.mu.Unlock()

		if err := m.sandbox.WriteFile(ctx, m.mirrorPath(fileID), body); err != nil {
			m.log.Warn("Failed to mirror save of %s: %v", fileID, err)
		}
		return nil, nil
	})
	return err
}

// CreateFile creates an empty file at the tree root. Duplicate names
// and project-size overruns are rejected distinctly.
func (m *Manager) CreateFile(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if !isFileName(name) {
		return fmt.Errorf("%w: file name needs an extension", ErrInvalidName)
	}

	_, err := m.locks.Acquire(m.lockKey(), func() (interface{}, error) {
		m.mu.RLock()
		dup := m.root.child(name) != nil
		overQuota := m.totalSizeLocked() > m.maxProjectSize
		m.mu.RUnlock()

		if dup {
			return nil, ErrExists
		}
		if overQuota {
			return nil, ErrProjectSizeLimit
		}

		id := m.rootKey() + "/" + name
		if err := m.store.Put(ctx, id, ""); err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.root.Children = append(m.root.Children, &Node{ID: id, Type: NodeFile, Name: name})
		m.contents[id] = ""
		m.mu.Unlock()

		if err := m.sandbox.WriteFile(ctx, m.mirrorPath(id), ""); err != nil {
			m.log.Warn("Failed to mirror create of %s: %v", id, err)
		}
		return nil, nil
	})
	return err
}

// CreateFolder creates an empty folder at the tree root. Folders are
// not stored as objects; membership is encoded in object key prefixes,
// so an empty folder exists only in the mirror and the sandbox.
func (m *Manager) CreateFolder(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	_, err := m.locks.Acquire(m.lockKey(), func() (interface{}, error) {
		m.mu.Lock()
		if m.root.child(name) != nil {
			m.mu.Unlock()
			return nil, ErrExists
		}
		if m.totalSizeLocked() > m.maxProjectSize {
			m.mu.Unlock()
			return nil, ErrProjectSizeLimit
		}
		id := m.rootKey() + "/" + name
		m.root.Children = append(m.root.Children, &Node{
			ID: id, Type: NodeFolder, Name: name, Children: []*Node{},
		})
		m.mu.Unlock()

		if err := m.sandbox.MakeDir(ctx, m.mirrorPath(id)); err != nil {
			m.log.Warn("Failed to mirror folder %s: %v", id, err)
		}
		return nil, nil
	})
	return err
}

// RenameFile renames a file or folder in place. Because ids encode
// paths, renaming a folder relabels every descendant; the store is
// updated first and the mirror only after every object move succeeded,
// so a partial upstream failure leaves the tree unchanged.
func (m *Manager) RenameFile(ctx context.Context, fileID, newName string) error {
	if err := validateName(newName); err != nil {
		return err
	}

	_, err := m.locks.Acquire(m.lockKey(), func() (interface{}, error) {
		m.mu.RLock()
		node, parent := m.root.find(fileID)
		var dup bool
		if parent != nil {
			existing := parent.child(newName)
			dup = existing != nil && existing.ID != fileID
		}
		m.mu.RUnlock()

		if node == nil {
			return nil, ErrNotFound
		}
		if dup {
			return nil, ErrExists
		}
		if node.Type == NodeFile && !isFileName(newName) {
			return nil, fmt.Errorf("%w: file name needs an extension", ErrInvalidName)
		}

		parentPrefix := fileID[:strings.LastIndex(fileID, "/")]
		newID := parentPrefix + "/" + newName
		if err := m.relocate(ctx, node, newID); err != nil {
			return nil, err
		}

		m.mu.Lock()
		node.relabel(fileID, newID)
		node.Name = newName
		m.mu.Unlock()

		if err := m.sandbox.Rename(ctx, m.mirrorPath(fileID), m.mirrorPath(newID)); err != nil {
			m.log.Warn("Failed to mirror rename of %s: %v", fileID, err)
		}
		return nil, nil
	})
	return err
}

// MoveFile moves a file into another folder. Moving a file into the
// folder it already lives in is a no-op.
func (m *Manager) MoveFile(ctx context.Context, fileID, folderID string) error {
	_, err := m.locks.Acquire(m.lockKey(), func() (interface{}, error) {
		m.mu.RLock()
		node, parent := m.root.find(fileID)
		dest := m.root
		if folderID != RootID {
			dest, _ = m.root.find(folderID)
		}
		var dup, inPlace bool
		if node != nil && dest != nil {
			existing := dest.child(node.Name)
			dup = existing != nil && existing.ID != node.ID
			inPlace = existing != nil && existing.ID == node.ID
		}
		m.mu.RUnlock()

		if node == nil || node.Type != NodeFile {
			return nil, ErrNotFound
		}
		if dest == nil || dest.Type != NodeFolder {
			return nil, fmt.Errorf("%w: destination folder", ErrNotFound)
		}
		if dup {
			return nil, ErrExists
		}
		if inPlace {
			// Moving into the folder the file already lives in.
			return nil, nil
		}

		destPrefix := dest.ID
		if destPrefix == RootID {
			destPrefix = m.rootKey()
		}
		newID := destPrefix + "/" + node.Name
		if err := m.relocate(ctx, node, newID); err != nil {
			return nil, err
		}

		m.mu.Lock()
		parent.removeChild(fileID)
		node.ID = newID
		dest.Children = append(dest.Children, node)
		m.mu.Unlock()

		if err := m.sandbox.Rename(ctx, m.mirrorPath(fileID), m.mirrorPath(newID)); err != nil {
			m.log.Warn("Failed to mirror move of %s: %v", fileID, err)
		}
		return nil, nil
	})
	return err
}

// relocate moves every stored object under a node's id to its new id,
// rolling back completed moves on partial failure. The in-memory
// content map follows only when every store move succeeded.
func (m *Manager) relocate(ctx context.Context, node *Node, newID string) error {
	type move struct{ from, to string }
	var moves []move

	m.mu.RLock()
	node.walk(func(n *Node) {
		if n.Type != NodeFile {
			return
		}
		to := n.ID
		if n.ID == node.ID {
			to = newID
		} else {
			to = newID + strings.TrimPrefix(n.ID, node.ID)
		}
		moves = append(moves, move{from: n.ID, to: to})
	})
	m.mu.RUnlock()

	for i, mv := range moves {
		if err := m.store.Rename(ctx, mv.from, mv.to); err != nil {
			for j := i - 1; j >= 0; j-- {
				if rerr := m.store.Rename(ctx, moves[j].to, moves[j].from); rerr != nil {
					m.log.Error("Rollback of %s failed: %v", moves[j].to, rerr)
				}
			}
			return fmt.Errorf("failed to relocate %s: %w", mv.from, err)
		}
	}

	m.mu.Lock()
	for _, mv := range moves {
		if data, ok := m.contents[mv.from]; ok {
			delete(m.contents, mv.from)
			m.contents[mv.to] = data
		}
	}
	m.mu.Unlock()
	return nil
}

// DeleteFile removes one file and its content entry.
func (m *Manager) DeleteFile(ctx context.Context, fileID string) error {
	_, err := m.locks.Acquire(m.lockKey(), func() (interface{}, error) {
		m.mu.RLock()
		node, parent := m.root.find(fileID)
		m.mu.RUnlock()
		if node == nil || node.Type != NodeFile {
			return nil, ErrNotFound
		}

		if err := m.store.Delete(ctx, fileID); err != nil {
			return nil, err
		}

		m.mu.Lock()
		parent.removeChild(fileID)
		delete(m.contents, fileID)
		m.mu.Unlock()

		if err := m.sandbox.Remove(ctx, m.mirrorPath(fileID)); err != nil {
			m.log.Warn("Failed to mirror delete of %s: %v", fileID, err)
		}
		return nil, nil
	})
	return err
}

// DeleteFolder removes a folder and every descendant. The root folder
// is never removable.
func (m *Manager) DeleteFolder(ctx context.Context, folderID string) error {
	if folderID == RootID {
		return fmt.Errorf("%w: cannot delete the project root", ErrInvalidName)
	}

	_, err := m.locks.Acquire(m.lockKey(), func() (interface{}, error) {
		m.mu.RLock()
		node, parent := m.root.find(folderID)
		m.mu.RUnlock()
		if node == nil || node.Type != NodeFolder {
			return nil, ErrNotFound
		}

		if err := m.store.DeleteFolder(ctx, folderID); err != nil {
			return nil, err
		}

		m.mu.Lock()
		node.walk(func(n *Node) {
			delete(m.contents, n.ID)
		})
		parent.removeChild(folderID)
		m.mu.Unlock()

		if err := m.sandbox.Remove(ctx, m.mirrorPath(folderID)); err != nil {
			m.log.Warn("Failed to mirror folder delete of %s: %v", folderID, err)
		}
		return nil, nil
	})
	return err
}

// validateName rejects empty names and names containing separators.
func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return ErrInvalidName
	}
	return nil
}
