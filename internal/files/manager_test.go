package files

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebox-cloud/codebox/internal/compute"
	"github.com/codebox-cloud/codebox/internal/lock"
	"github.com/codebox-cloud/codebox/internal/storage"
)

func newTestManager(t *testing.T, seed map[string]string) (*Manager, *storage.MockStore, *compute.MockSandbox) {
	t.Helper()

	store := storage.NewMockStore()
	store.Seed(seed)
	sandbox := &compute.MockSandbox{}

	m := NewManager(Options{
		SandboxID:      "box-1",
		Store:          store,
		Sandbox:        sandbox,
		Locks:          lock.NewManager(),
		MaxBodySize:    64,
		MaxProjectSize: 1024,
	})
	require.NoError(t, m.Initialize(context.Background()))
	return m, store, sandbox
}

func treeIDs(nodes []*Node) []string {
	var ids []string
	for _, n := range nodes {
		n.walk(func(node *Node) { ids = append(ids, node.ID) })
	}
	sort.Strings(ids)
	return ids
}

func TestInitializeBuildsTree(t *testing.T) {
	m, _, sandbox := newTestManager(t, map[string]string{
		"projects/box-1/index.js":    "main()",
		"projects/box-1/lib/util.js": "util()",
		"projects/box-1/lib/deep.js": "deep()",
		"projects/other/stray.js":    "stray",
		"projects/box-1/README.md":   "# readme",
	})

	ids := treeIDs(m.Tree())
	assert.Equal(t, []string{
		"projects/box-1/README.md",
		"projects/box-1/index.js",
		"projects/box-1/lib",
		"projects/box-1/lib/deep.js",
		"projects/box-1/lib/util.js",
	}, ids)

	// Foreign keys are skipped, not imported.
	assert.NotContains(t, ids, "projects/other/stray.js")

	// Contents were prefetched and mirrored into the sandbox filesystem.
	content, err := m.GetFileContent(context.Background(), "projects/box-1/lib/util.js")
	require.NoError(t, err)
	assert.Equal(t, "util()", content)
	assert.Equal(t, "main()", sandbox.Files["/home/user/project/index.js"])
}

func TestGetFileContentUnknownID(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	_, err := m.GetFileContent(context.Background(), "projects/box-1/nope.js")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFolder(t *testing.T) {
	m, _, _ := newTestManager(t, map[string]string{
		"projects/box-1/a.txt":     "a",
		"projects/box-1/dir/b.txt": "b",
	})

	ids, err := m.ListFolder(RootID)
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, []string{"projects/box-1/a.txt", "projects/box-1/dir"}, ids)

	ids, err = m.ListFolder("projects/box-1/dir")
	require.NoError(t, err)
	assert.Equal(t, []string{"projects/box-1/dir/b.txt"}, ids)

	_, err = m.ListFolder("projects/box-1/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveFile(t *testing.T) {
	m, store, sandbox := newTestManager(t, map[string]string{
		"projects/box-1/a.txt": "old",
	})
	ctx := context.Background()

	require.NoError(t, m.SaveFile(ctx, "projects/box-1/a.txt", "new content"))

	content, err := m.GetFileContent(ctx, "projects/box-1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "new content", content)
	assert.Equal(t, "new content", store.Objects()["projects/box-1/a.txt"])
	assert.Equal(t, "new content", sandbox.Files["/home/user/project/a.txt"])
}

func TestSaveFileSizeLimit(t *testing.T) {
	m, store, _ := newTestManager(t, map[string]string{
		"projects/box-1/a.txt": "old",
	})
	ctx := context.Background()

	big := make([]byte, 65)
	for i := range big {
		big[i] = 'x'
	}
	err := m.SaveFile(ctx, "projects/box-1/a.txt", string(big))
	assert.ErrorIs(t, err, ErrSizeLimit)

	// Prior content is untouched in memory and in the store.
	content, err := m.GetFileContent(ctx, "projects/box-1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "old", content)
	assert.Equal(t, "old", store.Objects()["projects/box-1/a.txt"])
}

func TestSaveFileUpstreamFailureIsNotSizeLimit(t *testing.T) {
	m, store, _ := newTestManager(t, map[string]string{
		"projects/box-1/a.txt": "old",
	})
	store.FailNext = errors.New("store down")

	err := m.SaveFile(context.Background(), "projects/box-1/a.txt", "new")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSizeLimit))
}

func TestCreateFile(t *testing.T) {
	m, store, _ := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, m.CreateFile(ctx, "main.go"))
	assert.Contains(t, store.Objects(), "projects/box-1/main.go")

	// Duplicate names in the same parent are rejected.
	assert.ErrorIs(t, m.CreateFile(ctx, "main.go"), ErrExists)

	// Names without an extension marker are folders, not files.
	assert.ErrorIs(t, m.CreateFile(ctx, "noext"), ErrInvalidName)
	assert.ErrorIs(t, m.CreateFile(ctx, "a/b.txt"), ErrInvalidName)
	assert.ErrorIs(t, m.CreateFile(ctx, ""), ErrInvalidName)
}

func TestCreateFileProjectSizeLimit(t *testing.T) {
	store := storage.NewMockStore()
	store.Seed(map[string]string{"projects/box-1/big.txt": string(make([]byte, 100))})

	m := NewManager(Options{
		SandboxID:      "box-1",
		Store:          store,
		Sandbox:        &compute.MockSandbox{},
		Locks:          lock.NewManager(),
		MaxBodySize:    1024,
		MaxProjectSize: 50,
	})
	require.NoError(t, m.Initialize(context.Background()))

	err := m.CreateFile(context.Background(), "more.txt")
	assert.ErrorIs(t, err, ErrProjectSizeLimit)

	// Folder creation is subject to the same ceiling.
	err = m.CreateFolder(context.Background(), "more")
	assert.ErrorIs(t, err, ErrProjectSizeLimit)
}

func TestCreateFolder(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	require.NoError(t, m.CreateFolder(ctx, "src"))
	ids, err := m.ListFolder(RootID)
	require.NoError(t, err)
	assert.Contains(t, ids, "projects/box-1/src")

	assert.ErrorIs(t, m.CreateFolder(ctx, "src"), ErrExists)
}

func TestRenameFile(t *testing.T) {
	m, store, _ := newTestManager(t, map[string]string{
		"projects/box-1/a.txt": "content",
	})
	ctx := context.Background()

	require.NoError(t, m.RenameFile(ctx, "projects/box-1/a.txt", "b.txt"))

	_, err := m.GetFileContent(ctx, "projects/box-1/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	content, err := m.GetFileContent(ctx, "projects/box-1/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "content", content)
	assert.Contains(t, store.Objects(), "projects/box-1/b.txt")
	assert.NotContains(t, store.Objects(), "projects/box-1/a.txt")
}

func TestRenameFolderRelabelsDescendants(t *testing.T) {
	m, store, _ := newTestManager(t, map[string]string{
		"projects/box-1/a/b/c.txt": "deep",
		"projects/box-1/a/b/d.txt": "deeper",
	})
	ctx := context.Background()

	require.NoError(t, m.RenameFile(ctx, "projects/box-1/a/b", "d"))

	ids := treeIDs(m.Tree())
	assert.Contains(t, ids, "projects/box-1/a/d")
	assert.Contains(t, ids, "projects/box-1/a/d/c.txt")
	assert.NotContains(t, ids, "projects/box-1/a/b")

	content, err := m.GetFileContent(ctx, "projects/box-1/a/d/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "deep", content)
	assert.Contains(t, store.Objects(), "projects/box-1/a/d/c.txt")
	assert.Contains(t, store.Objects(), "projects/box-1/a/d/d.txt")
}

func TestRenameDuplicateRejected(t *testing.T) {
	m, _, _ := newTestManager(t, map[string]string{
		"projects/box-1/a.txt": "a",
		"projects/box-1/b.txt": "b",
	})
	err := m.RenameFile(context.Background(), "projects/box-1/a.txt", "b.txt")
	assert.ErrorIs(t, err, ErrExists)
}

func TestRenamePartialFailureLeavesStateUnchanged(t *testing.T) {
	m, store, _ := newTestManager(t, map[string]string{
		"projects/box-1/dir/a.txt": "a",
	})
	store.FailNext = errors.New("store down")

	err := m.RenameFile(context.Background(), "projects/box-1/dir", "moved")
	require.Error(t, err)

	// The tree still shows the original ids.
	ids := treeIDs(m.Tree())
	assert.Contains(t, ids, "projects/box-1/dir/a.txt")
	assert.NotContains(t, ids, "projects/box-1/moved/a.txt")
	assert.Contains(t, store.Objects(), "projects/box-1/dir/a.txt")
}

func TestMoveFile(t *testing.T) {
	m, store, _ := newTestManager(t, map[string]string{
		"projects/box-1/a.txt":     "a",
		"projects/box-1/dir/b.txt": "b",
	})
	ctx := context.Background()

	require.NoError(t, m.MoveFile(ctx, "projects/box-1/a.txt", "projects/box-1/dir"))

	ids, err := m.ListFolder("projects/box-1/dir")
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Equal(t, []string{"projects/box-1/dir/a.txt", "projects/box-1/dir/b.txt"}, ids)
	assert.Contains(t, store.Objects(), "projects/box-1/dir/a.txt")

	// Moving a missing file or into a missing folder fails distinctly.
	assert.ErrorIs(t, m.MoveFile(ctx, "projects/box-1/nope.txt", RootID), ErrNotFound)
	assert.ErrorIs(t, m.MoveFile(ctx, "projects/box-1/dir/a.txt", "projects/box-1/nowhere"), ErrNotFound)
}

func TestMoveFileIntoCurrentFolderIsNoOp(t *testing.T) {
	m, store, _ := newTestManager(t, map[string]string{
		"projects/box-1/dir/a.txt": "a",
		"projects/box-1/b.txt":     "b",
	})
	ctx := context.Background()

	// The moved node must not collide with itself in the duplicate
	// check, at the root or in a nested folder.
	require.NoError(t, m.MoveFile(ctx, "projects/box-1/dir/a.txt", "projects/box-1/dir"))
	require.NoError(t, m.MoveFile(ctx, "projects/box-1/b.txt", RootID))

	ids, err := m.ListFolder("projects/box-1/dir")
	require.NoError(t, err)
	assert.Equal(t, []string{"projects/box-1/dir/a.txt"}, ids)
	assert.Contains(t, store.Objects(), "projects/box-1/dir/a.txt")
	assert.Contains(t, store.Objects(), "projects/box-1/b.txt")

	content, err := m.GetFileContent(ctx, "projects/box-1/dir/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", content)

	// A genuine collision with a different node still fails.
	require.NoError(t, m.CreateFile(ctx, "a.txt"))
	assert.ErrorIs(t, m.MoveFile(ctx, "projects/box-1/a.txt", "projects/box-1/dir"), ErrExists)
}

func TestDeleteFile(t *testing.T) {
	m, store, sandbox := newTestManager(t, map[string]string{
		"projects/box-1/a.txt": "a",
	})
	ctx := context.Background()

	require.NoError(t, m.DeleteFile(ctx, "projects/box-1/a.txt"))
	assert.NotContains(t, store.Objects(), "projects/box-1/a.txt")
	assert.NotContains(t, sandbox.Files, "/home/user/project/a.txt")
	assert.ErrorIs(t, m.DeleteFile(ctx, "projects/box-1/a.txt"), ErrNotFound)
}

func TestDeleteFolderRecursive(t *testing.T) {
	m, store, _ := newTestManager(t, map[string]string{
		"projects/box-1/dir/a.txt":     "a",
		"projects/box-1/dir/sub/b.txt": "b",
		"projects/box-1/keep.txt":      "keep",
	})
	ctx := context.Background()

	require.NoError(t, m.DeleteFolder(ctx, "projects/box-1/dir"))

	ids := treeIDs(m.Tree())
	assert.Equal(t, []string{"projects/box-1/keep.txt"}, ids)
	assert.NotContains(t, store.Objects(), "projects/box-1/dir/a.txt")
	assert.NotContains(t, store.Objects(), "projects/box-1/dir/sub/b.txt")

	// The root is never removable.
	require.Error(t, m.DeleteFolder(ctx, RootID))
}

func TestMutationSequenceRoundTrips(t *testing.T) {
	m, store, _ := newTestManager(t, map[string]string{
		"projects/box-1/a.txt": "a",
	})
	ctx := context.Background()

	require.NoError(t, m.CreateFolder(ctx, "src"))
	require.NoError(t, m.CreateFile(ctx, "main.go"))
	require.NoError(t, m.SaveFile(ctx, "projects/box-1/main.go", "package main"))
	require.NoError(t, m.MoveFile(ctx, "projects/box-1/main.go", "projects/box-1/src"))
	require.NoError(t, m.RenameFile(ctx, "projects/box-1/a.txt", "z.txt"))

	// A fresh manager over the same store reconstructs the same
	// logical tree (empty folders are not persisted by design).
	fresh := NewManager(Options{
		SandboxID:      "box-1",
		Store:          store,
		Sandbox:        &compute.MockSandbox{},
		Locks:          lock.NewManager(),
		MaxBodySize:    64,
		MaxProjectSize: 1024,
	})
	require.NoError(t, fresh.Initialize(ctx))

	ids := treeIDs(fresh.Tree())
	assert.Equal(t, []string{
		"projects/box-1/src",
		"projects/box-1/src/main.go",
		"projects/box-1/z.txt",
	}, ids)

	// No duplicate ids and every file id has a content entry.
	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	content, err := fresh.GetFileContent(ctx, "projects/box-1/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main", content)
}
