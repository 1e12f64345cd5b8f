package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codebox-cloud/codebox/internal/codegen"
	"github.com/codebox-cloud/codebox/internal/deploy"
	"github.com/codebox-cloud/codebox/internal/files"
	"github.com/codebox-cloud/codebox/internal/identity"
	"github.com/codebox-cloud/codebox/internal/logger"
	"github.com/codebox-cloud/codebox/internal/ratelimit"
	"github.com/codebox-cloud/codebox/internal/terminal"
)

// UserFetcher resolves a user id to a user record.
type UserFetcher interface {
	FetchUser(ctx context.Context, userID string) (*identity.User, error)
}

// Deployer pushes a sandbox's tree to the deployment target.
type Deployer interface {
	Deploy(ctx context.Context, sandboxID string, source deploy.Source) deploy.Result
	ListApps(ctx context.Context) deploy.Result
}

// RouterOptions configures a Router.
type RouterOptions struct {
	Registry *Registry
	Hub      *Hub
	Users    UserFetcher
	Rates    *ratelimit.Limits
	Deployer Deployer
	Codegen  codegen.Client

	// SandboxTimeout is the idle timeout pushed to the sandbox on
	// heartbeats.
	SandboxTimeout time.Duration

	// ReadLimit caps inbound frame size, set above the file body limit
	// so oversized saves are rejected by the size check, not the
	// transport.
	ReadLimit int64
}

// Router authenticates connections, decides owner versus viewer and
// dispatches inbound events to the per-sandbox managers. Handler
// failures are converted into scoped error messages; they never
// terminate the connection.
type Router struct {
	registry *Registry
	hub      *Hub
	users    UserFetcher
	rates    *ratelimit.Limits
	deployer Deployer
	codegen  codegen.Client
	log      *logger.Logger

	sandboxTimeout time.Duration
	readLimit      int64
}

// NewRouter creates a protocol router.
func NewRouter(opts RouterOptions) *Router {
	return &Router{
		registry:       opts.Registry,
		hub:            opts.Hub,
		users:          opts.Users,
		rates:          opts.Rates,
		deployer:       opts.Deployer,
		codegen:        opts.Codegen,
		log:            logger.Global().WithPrefix("router"),
		sandboxTimeout: opts.SandboxTimeout,
		readLimit:      opts.ReadLimit,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket authenticates and upgrades one connection. Malformed
// handshakes and authorization failures are rejected with an HTTP
// status before any session state exists.
func (rt *Router) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	userID := query.Get("userId")
	sandboxID := query.Get("sandboxId")
	if userID == "" || sandboxID == "" {
		rt.log.Warn("Connection rejected: missing userId or sandboxId")
		http.Error(w, "Invalid request.", http.StatusBadRequest)
		return
	}

	user, err := rt.users.FetchUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			http.Error(w, "Invalid credentials.", http.StatusUnauthorized)
			return
		}
		rt.log.Error("User lookup failed for %s: %v", userID, err)
		http.Error(w, "Authentication unavailable.", http.StatusBadGateway)
		return
	}

	isOwner, allowed := user.Authorize(sandboxID)
	if !allowed {
		rt.log.Warn("User %s denied access to sandbox %s", userID, sandboxID)
		http.Error(w, "Invalid credentials.", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.log.Error("Failed to upgrade WebSocket: %v", err)
		return
	}

	client := NewClient(rt.hub, conn, rt, userID, sandboxID, isOwner)
	rt.hub.Register(client)
	sess := rt.registry.Join(sandboxID, isOwner)

	go client.WritePump()
	go client.ReadPump(rt.readLimit)

	if !isOwner && !sess.OwnerConnected() {
		// Viewer before any owner: keep the connection open but locked
		// out until an owner shows up.
		client.Deny()
		client.Send(newDisableAccess("Sandbox owner is not connected."))
		return
	}

	if isOwner {
		go rt.ensureAndLoad(client)
		return
	}

	// Viewer with a live owner: the session is materialized or an
	// ensure is in flight; join it and relay the tree once it is
	// there. An already-running sandbox returns immediately.
	go rt.ensureAndLoad(client)
}

// ensureAndLoad provisions the sandbox (shared across racing
// connections) and relays the loaded tree.
func (rt *Router) ensureAndLoad(client *Client) {
	defer rt.recoverHandler(client, 0)

	sess, err := rt.registry.Ensure(context.Background(), client.SandboxID)
	if err != nil {
		rt.log.Error("Failed to ensure sandbox %s: %v", client.SandboxID, err)
		client.Send(newError(0, "Failed to start the sandbox."))
		return
	}
	client.Send(newLoaded(sess.Files().Tree()))
}

// Disconnect handles a closed connection. When the last owner leaves,
// viewers are locked out and terminals torn down; the file mirror and
// compute handle stay for a reconnect.
func (rt *Router) Disconnect(client *Client) {
	ownersLeft, ok := rt.registry.Leave(client.SandboxID, client.IsOwner)
	if !ok {
		return
	}

	if client.IsOwner && ownersLeft == 0 {
		rt.log.Info("Last owner left sandbox %s, revoking viewer access", client.SandboxID)
		rt.hub.Each(client.SandboxID, func(c *Client) {
			if c == client {
				return
			}
			c.Deny()
		})
		rt.hub.Broadcast(client.SandboxID, newDisableAccess("Sandbox owner disconnected."))

		if sess, ok := rt.registry.Get(client.SandboxID); ok {
			if tm := sess.Terminals(); tm != nil {
				tm.CloseAll()
			}
		}
	}
}

// Dispatch routes one inbound event. Any panic or error inside a
// handler is caught here and reported to the originating connection.
func (rt *Router) Dispatch(client *Client, evt *Event) {
	defer rt.recoverHandler(client, evt.Ref)

	if client.Denied() {
		client.Send(newDisableAccess("Sandbox owner is not connected."))
		return
	}

	if err := evt.Validate(); err != nil {
		client.Send(newError(evt.Ref, err.Error()))
		return
	}

	if err := rt.consumeQuota(client.UserID, evt.Type); err != nil {
		client.Send(newRateLimit(evt.Ref, "You are sending too many requests. Please slow down."))
		return
	}

	if err := rt.handle(client, evt); err != nil {
		client.Send(rt.errorMessage(evt.Ref, err))
	}
}

func (rt *Router) recoverHandler(client *Client, ref int64) {
	if r := recover(); r != nil {
		rt.log.Error("Handler panic for client %s: %v", client.ID, r)
		client.Send(newError(ref, "Internal error."))
	}
}

// consumeQuota charges the user's bucket for mutating file events.
func (rt *Router) consumeQuota(userID, eventType string) error {
	switch eventType {
	case EventSaveFile:
		return rt.rates.SaveFile.Consume(userID, 1)
	case EventCreateFile:
		return rt.rates.CreateFile.Consume(userID, 1)
	case EventCreateFolder:
		return rt.rates.CreateFolder.Consume(userID, 1)
	case EventRenameFile:
		return rt.rates.RenameFile.Consume(userID, 1)
	case EventDeleteFile, EventDeleteFolder:
		return rt.rates.DeleteFile.Consume(userID, 1)
	default:
		return nil
	}
}

func (rt *Router) handle(client *Client, evt *Event) error {
	sess, ok := rt.registry.Get(client.SandboxID)
	if !ok {
		return errors.New("sandbox is not ready")
	}
	ctx := context.Background()

	switch evt.Type {
	case EventHeartbeat:
		sandbox := sess.Sandbox()
		if sandbox == nil {
			return nil
		}
		if err := sandbox.SetTimeout(ctx, rt.sandboxTimeout); err != nil {
			rt.log.Warn("Heartbeat for sandbox %s failed: %v", client.SandboxID, err)
		}
		return nil

	case EventGetFile:
		fm, err := rt.fileManager(sess)
		if err != nil {
			return err
		}
		content, err := fm.GetFileContent(ctx, evt.FileID)
		if err != nil {
			return err
		}
		msg := newResult(evt.Ref)
		msg.Content = content
		client.Send(msg)
		return nil

	case EventGetFolder:
		fm, err := rt.fileManager(sess)
		if err != nil {
			return err
		}
		ids, err := fm.ListFolder(evt.FolderID)
		if err != nil {
			return err
		}
		msg := newResult(evt.Ref)
		msg.Files = ids
		client.Send(msg)
		return nil

	case EventSaveFile:
		fm, err := rt.fileManager(sess)
		if err != nil {
			return err
		}
		if err := fm.SaveFile(ctx, evt.FileID, evt.Body); err != nil {
			return err
		}
		client.Send(newResult(evt.Ref))
		return nil

	case EventMoveFile:
		fm, err := rt.fileManager(sess)
		if err != nil {
			return err
		}
		if err := fm.MoveFile(ctx, evt.FileID, evt.FolderID); err != nil {
			return err
		}
		rt.sendTree(client, evt.Ref, fm)
		return nil

	case EventCreateFile:
		fm, err := rt.fileManager(sess)
		if err != nil {
			return err
		}
		if err := fm.CreateFile(ctx, evt.Name); err != nil {
			return err
		}
		client.Send(newResult(evt.Ref))
		return nil

	case EventCreateFolder:
		fm, err := rt.fileManager(sess)
		if err != nil {
			return err
		}
		if err := fm.CreateFolder(ctx, evt.Name); err != nil {
			return err
		}
		client.Send(newResult(evt.Ref))
		return nil

	case EventRenameFile:
		fm, err := rt.fileManager(sess)
		if err != nil {
			return err
		}
		if err := fm.RenameFile(ctx, evt.FileID, evt.NewName); err != nil {
			return err
		}
		client.Send(newResult(evt.Ref))
		return nil

	case EventDeleteFile:
		fm, err := rt.fileManager(sess)
		if err != nil {
			return err
		}
		if err := fm.DeleteFile(ctx, evt.FileID); err != nil {
			return err
		}
		rt.sendTree(client, evt.Ref, fm)
		return nil

	case EventDeleteFolder:
		fm, err := rt.fileManager(sess)
		if err != nil {
			return err
		}
		if err := fm.DeleteFolder(ctx, evt.FolderID); err != nil {
			return err
		}
		rt.sendTree(client, evt.Ref, fm)
		return nil

	case EventCreateTerminal:
		tm, err := rt.terminalManager(sess)
		if err != nil {
			return err
		}
		sandboxID := client.SandboxID
		terminalID := evt.TerminalID
		if err := tm.Create(ctx, terminalID, func(data []byte) {
			rt.hub.Broadcast(sandboxID, newTerminalResponse(terminalID, data))
		}); err != nil {
			return err
		}
		client.Send(newResult(evt.Ref))
		return nil

	case EventResizeTerminal:
		tm, err := rt.terminalManager(sess)
		if err != nil {
			return err
		}
		tm.Resize(evt.Cols, evt.Rows)
		return nil

	case EventTerminalData:
		tm, err := rt.terminalManager(sess)
		if err != nil {
			return err
		}
		return tm.Write(evt.TerminalID, []byte(evt.Data))

	case EventCloseTerminal:
		tm, err := rt.terminalManager(sess)
		if err != nil {
			return err
		}
		if err := tm.Close(evt.TerminalID); err != nil {
			return err
		}
		client.Send(newResult(evt.Ref))
		return nil

	case EventDeploy:
		fm, err := rt.fileManager(sess)
		if err != nil {
			return err
		}
		result := rt.deployer.Deploy(ctx, client.SandboxID, fm)
		rt.sendDeployResult(client, evt.Ref, result)
		return nil

	case EventList:
		result := rt.deployer.ListApps(ctx)
		rt.sendDeployResult(client, evt.Ref, result)
		return nil

	case EventGenerateCode:
		if rt.codegen == nil {
			return errors.New("code generation is not configured")
		}
		response, err := rt.codegen.GenerateCode(ctx, codegen.Request{
			FileName:     evt.FileName,
			Code:         evt.Code,
			Line:         evt.Line,
			Instructions: evt.Instructions,
		})
		if err != nil {
			return err
		}
		msg := newResult(evt.Ref)
		msg.Response = response
		client.Send(msg)
		return nil
	}

	return nil
}

func (rt *Router) fileManager(sess *Session) (*files.Manager, error) {
	fm := sess.Files()
	if fm == nil {
		return nil, errors.New("sandbox is not ready")
	}
	return fm, nil
}

func (rt *Router) terminalManager(sess *Session) (*terminal.Manager, error) {
	tm := sess.Terminals()
	if tm == nil {
		return nil, errors.New("sandbox is not ready")
	}
	return tm, nil
}

func (rt *Router) sendTree(client *Client, ref int64, fm *files.Manager) {
	msg := newResult(ref)
	msg.Tree = fm.Tree()
	client.Send(msg)
}

func (rt *Router) sendDeployResult(client *Client, ref int64, result deploy.Result) {
	msg := &Message{
		Type:    MessageTypeResult,
		Ref:     ref,
		Success: boolPtr(result.Success),
		Message: result.Message,
		Apps:    result.Apps,
	}
	client.Send(msg)
}

// errorMessage maps handler errors to the outbound message the client
// can act on.
func (rt *Router) errorMessage(ref int64, err error) *Message {
	switch {
	case errors.Is(err, ratelimit.ErrRateLimited):
		return newRateLimit(ref, "You are sending too many requests. Please slow down.")
	case errors.Is(err, files.ErrSizeLimit):
		return newError(ref, "File size exceeds the limit.")
	case errors.Is(err, files.ErrProjectSizeLimit):
		return newError(ref, "Project size exceeds the limit.")
	case errors.Is(err, files.ErrNotFound):
		return newError(ref, "File or folder not found.")
	case errors.Is(err, files.ErrExists):
		return newError(ref, "A file or folder with that name already exists.")
	case errors.Is(err, files.ErrInvalidName):
		return newError(ref, "Invalid name.")
	case errors.Is(err, terminal.ErrLimit):
		return newError(ref, "Terminal limit reached.")
	case errors.Is(err, terminal.ErrExists):
		return newError(ref, "Terminal already exists.")
	case errors.Is(err, terminal.ErrNotFound):
		return newError(ref, "Terminal not found.")
	default:
		return newError(ref, err.Error())
	}
}
