package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codebox-cloud/codebox/internal/compute"
	"github.com/codebox-cloud/codebox/internal/deploy"
	"github.com/codebox-cloud/codebox/internal/identity"
	"github.com/codebox-cloud/codebox/internal/lock"
	"github.com/codebox-cloud/codebox/internal/ratelimit"
	"github.com/codebox-cloud/codebox/internal/storage"
)

const readTimeout = 2 * time.Second

type stubUsers struct {
	users map[string]*identity.User
}

func (s *stubUsers) FetchUser(ctx context.Context, userID string) (*identity.User, error) {
	user, ok := s.users[userID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return user, nil
}

type stubDeployer struct {
	mu      sync.Mutex
	deploys int
	result  deploy.Result
	apps    deploy.Result
}

func (s *stubDeployer) Deploy(ctx context.Context, sandboxID string, source deploy.Source) deploy.Result {
	s.mu.Lock()
	s.deploys++
	s.mu.Unlock()
	return s.result
}

func (s *stubDeployer) ListApps(ctx context.Context) deploy.Result {
	return s.apps
}

type env struct {
	t        *testing.T
	srv      *httptest.Server
	provider *compute.MockProvider
	store    *storage.MockStore
	registry *Registry
	deployer *stubDeployer
}

func newEnv(t *testing.T) *env {
	provider := compute.NewMockProvider()
	store := storage.NewMockStore()
	store.Seed(map[string]string{
		"projects/sb-1/index.js":  "console.log(1)",
		"projects/sb-1/style.css": "body {}",
	})

	registry := NewRegistry(RegistryOptions{
		Provider:       provider,
		Store:          store,
		Locks:          lock.NewManager(),
		MaxBodySize:    64,
		MaxProjectSize: 1024,
		MaxTerminals:   4,
	})

	users := &stubUsers{users: map[string]*identity.User{
		"user-owner": {
			ID:        "user-owner",
			Sandboxes: []identity.SandboxRef{{ID: "sb-1"}},
		},
		"user-viewer": {
			ID:              "user-viewer",
			SharedSandboxes: []identity.SandboxShare{{SandboxID: "sb-1"}},
		},
	}}

	deployer := &stubDeployer{
		result: deploy.Result{Success: true, Message: "Deployed."},
		apps:   deploy.Result{Success: true, Apps: "=====> My Apps\nsb-1"},
	}

	router := NewRouter(RouterOptions{
		Registry:       registry,
		Hub:            NewHub(),
		Users:          users,
		Rates:          ratelimit.NewLimits(),
		Deployer:       deployer,
		SandboxTimeout: time.Minute,
		ReadLimit:      1 << 20,
	})

	srv := httptest.NewServer(http.HandlerFunc(router.HandleWebSocket))
	t.Cleanup(srv.Close)

	return &env{
		t:        t,
		srv:      srv,
		provider: provider,
		store:    store,
		registry: registry,
		deployer: deployer,
	}
}

func (e *env) wsURL(userID, sandboxID string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") +
		"/?userId=" + userID + "&sandboxId=" + sandboxID
}

func (e *env) dial(userID string) *websocket.Conn {
	e.t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(userID, "sb-1"), nil)
	require.NoError(e.t, err)
	if resp != nil {
		resp.Body.Close()
	}
	e.t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

// readUntil reads until a message of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) *Message {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message received", msgType)
	return nil
}

func TestHandshakeValidation(t *testing.T) {
	e := newEnv(t)

	t.Run("missing params", func(t *testing.T) {
		resp, err := http.Get(e.srv.URL + "/?userId=user-owner")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(e.wsURL("nobody", "sb-1"), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("no access to sandbox", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(e.wsURL("user-owner", "sb-other"), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestOwnerConnectLoadsTree(t *testing.T) {
	e := newEnv(t)

	conn := e.dial("user-owner")
	msg := readUntil(t, conn, MessageTypeLoaded)
	require.Len(t, msg.Tree, 2)
	assert.Equal(t, int64(1), e.provider.Creates())
}

func TestRacingOwnersProvisionOnce(t *testing.T) {
	e := newEnv(t)
	e.provider.CreateDelay = 20 * time.Millisecond

	const racers = 4
	conns := make([]*websocket.Conn, racers)
	for i := range conns {
		conns[i] = e.dial("user-owner")
	}
	for _, conn := range conns {
		readUntil(t, conn, MessageTypeLoaded)
	}

	assert.Equal(t, int64(1), e.provider.Creates())
}

func TestViewerBeforeOwnerIsDenied(t *testing.T) {
	e := newEnv(t)

	conn := e.dial("user-viewer")
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeDisableAccess, msg.Type)

	// Further events keep being answered with disableAccess, never a
	// file tree.
	require.NoError(t, conn.WriteJSON(&Event{Type: EventGetFile, FileID: "projects/sb-1/index.js"}))
	msg = readMessage(t, conn)
	assert.Equal(t, MessageTypeDisableAccess, msg.Type)
	assert.Equal(t, int64(0), e.provider.Creates())
}

func TestViewerAfterOwnerGetsTree(t *testing.T) {
	e := newEnv(t)

	owner := e.dial("user-owner")
	readUntil(t, owner, MessageTypeLoaded)

	viewer := e.dial("user-viewer")
	msg := readMessage(t, viewer)
	assert.Equal(t, MessageTypeLoaded, msg.Type)
	assert.Len(t, msg.Tree, 2)
}

func TestViewerDuringOwnerLoadGetsTree(t *testing.T) {
	e := newEnv(t)
	e.provider.CreateDelay = 100 * time.Millisecond

	// The viewer connects while the owner's sandbox is still being
	// provisioned; it joins that work and gets the tree once ready.
	owner := e.dial("user-owner")
	// Give the owner's handler time to register before the viewer
	// arrives; provisioning itself is still far from done.
	time.Sleep(10 * time.Millisecond)
	viewer := e.dial("user-viewer")

	msg := readUntil(t, viewer, MessageTypeLoaded)
	assert.Len(t, msg.Tree, 2)
	readUntil(t, owner, MessageTypeLoaded)

	assert.Equal(t, int64(1), e.provider.Creates())
}

func TestOwnerDisconnectRevokesViewers(t *testing.T) {
	e := newEnv(t)

	owner := e.dial("user-owner")
	readUntil(t, owner, MessageTypeLoaded)

	viewer := e.dial("user-viewer")
	readUntil(t, viewer, MessageTypeLoaded)

	owner.Close()

	msg := readUntil(t, viewer, MessageTypeDisableAccess)
	assert.NotEmpty(t, msg.Message)

	// The session survives for an owner reconnect.
	_, ok := e.registry.Get("sb-1")
	assert.True(t, ok)
}

func TestFileEvents(t *testing.T) {
	e := newEnv(t)
	conn := e.dial("user-owner")
	readUntil(t, conn, MessageTypeLoaded)

	t.Run("get file", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(&Event{
			Type: EventGetFile, Ref: 1, FileID: "projects/sb-1/index.js",
		}))
		msg := readUntil(t, conn, MessageTypeResult)
		assert.Equal(t, int64(1), msg.Ref)
		assert.Equal(t, "console.log(1)", msg.Content)
	})

	t.Run("save file", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(&Event{
			Type: EventSaveFile, Ref: 2, FileID: "projects/sb-1/index.js", Body: "console.log(2)",
		}))
		msg := readUntil(t, conn, MessageTypeResult)
		assert.Equal(t, int64(2), msg.Ref)
		assert.Equal(t, "console.log(2)", e.store.Objects()["projects/sb-1/index.js"])
	})

	t.Run("oversized save is a distinct error", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(&Event{
			Type: EventSaveFile, Ref: 3, FileID: "projects/sb-1/index.js",
			Body: strings.Repeat("x", 128),
		}))
		msg := readUntil(t, conn, MessageTypeError)
		assert.Equal(t, int64(3), msg.Ref)
		assert.Contains(t, msg.Message, "File size")
		// Prior content is untouched.
		assert.Equal(t, "console.log(2)", e.store.Objects()["projects/sb-1/index.js"])
	})

	t.Run("delete file returns updated tree", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(&Event{
			Type: EventDeleteFile, Ref: 4, FileID: "projects/sb-1/style.css",
		}))
		msg := readUntil(t, conn, MessageTypeResult)
		assert.Equal(t, int64(4), msg.Ref)
		require.Len(t, msg.Tree, 1)
	})

	t.Run("unknown event type", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(&Event{Type: "reboot", Ref: 5}))
		msg := readUntil(t, conn, MessageTypeError)
		assert.Equal(t, int64(5), msg.Ref)
		assert.Contains(t, msg.Message, "unknown event type")
	})
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t)
	conn := e.dial("user-owner")
	readUntil(t, conn, MessageTypeLoaded)

	// The create-file bucket holds 10 tokens; the 11th burst request
	// must come back as a rateLimit message, not a generic error.
	for i := 0; i < 11; i++ {
		require.NoError(t, conn.WriteJSON(&Event{
			Type: EventCreateFile, Ref: int64(10 + i),
			Name: "f" + strings.Repeat("x", i) + ".js",
		}))
	}

	sawRateLimit := false
	for i := 0; i < 11; i++ {
		msg := readMessage(t, conn)
		if msg.Type == MessageTypeRateLimit {
			sawRateLimit = true
			break
		}
	}
	assert.True(t, sawRateLimit, "burst past the bucket must produce a rateLimit message")
}

func TestTerminalEvents(t *testing.T) {
	e := newEnv(t)
	conn := e.dial("user-owner")
	readUntil(t, conn, MessageTypeLoaded)

	require.NoError(t, conn.WriteJSON(&Event{Type: EventCreateTerminal, Ref: 1, TerminalID: "term-1"}))
	msg := readUntil(t, conn, MessageTypeResult)
	assert.Equal(t, int64(1), msg.Ref)

	sandbox := e.provider.Sandboxes()[0]
	require.Len(t, sandbox.Processes(), 1)
	proc := sandbox.Processes()[0]

	// Output is relayed byte-for-byte to the connection.
	proc.Emit([]byte("hello"))
	resp := readUntil(t, conn, MessageTypeTerminalResponse)
	assert.Equal(t, "term-1", resp.ID)
	assert.Equal(t, "hello", resp.Data)

	// Input is forwarded to the process.
	require.NoError(t, conn.WriteJSON(&Event{Type: EventTerminalData, TerminalID: "term-1", Data: "ls\r"}))
	assert.Eventually(t, func() bool {
		return strings.Contains(proc.InputString(), "ls\r")
	}, readTimeout, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(&Event{Type: EventCloseTerminal, Ref: 2, TerminalID: "term-1"}))
	msg = readUntil(t, conn, MessageTypeResult)
	assert.Equal(t, int64(2), msg.Ref)
}

func TestDeployEvents(t *testing.T) {
	e := newEnv(t)
	conn := e.dial("user-owner")
	readUntil(t, conn, MessageTypeLoaded)

	require.NoError(t, conn.WriteJSON(&Event{Type: EventDeploy, Ref: 1}))
	msg := readUntil(t, conn, MessageTypeResult)
	require.NotNil(t, msg.Success)
	assert.True(t, *msg.Success)
	assert.Equal(t, "Deployed.", msg.Message)

	require.NoError(t, conn.WriteJSON(&Event{Type: EventList, Ref: 2}))
	msg = readUntil(t, conn, MessageTypeResult)
	assert.Contains(t, msg.Apps, "sb-1")
}
